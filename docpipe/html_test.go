package docpipe

import (
	"context"
	"strings"
	"testing"
)

func TestExtractHTML(t *testing.T) {
	path := writeFile(t, "page.html", []byte(`<!doctype html>
<html><head>
<title> Quarterly Report </title>
<meta name="author" content="Jane Doe">
<meta name="generator" content="Hugo 0.120">
<script>var secret = "script";</script>
<style>p { color: red }</style>
</head><body>
<h1>Results</h1>
<p>Revenue grew.<br>See <a href="/q3">Q3</a>.</p>
<table><tr><td>North</td><td>12</td></tr></table>
</body></html>`))
	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Quarterly Report" {
		t.Errorf("title = %q", doc.Title)
	}
	if want := "Results\n\nRevenue grew.\nSee Q3.\n\nNorth 12"; doc.Text != want {
		t.Errorf("text = %q, want %q", doc.Text, want)
	}
	fields := doc.Fields("")
	if v, _ := fields.Get("author"); v != "Jane Doe" {
		t.Errorf("author = %q", v)
	}
	if v, _ := fields.Get("html_generator"); v != "Hugo 0.120" {
		t.Errorf("html_generator = %q", v)
	}
	if v, _ := fields.Get("html_link_count"); v != "1" {
		t.Errorf("html_link_count = %q", v)
	}
	if _, ok := fields.Get("html_hidden_blocks"); ok {
		t.Error("no hidden blocks expected")
	}
}

func TestExtractHTML_HiddenText(t *testing.T) {
	tests := []struct {
		name, markup string
	}{
		{"display none", `<div style="display:none">HIDDEN</div>`},
		{"visibility", `<span style="visibility: hidden !important">HIDDEN</span>`},
		{"zero font", `<p style="font-size:0px">HIDDEN</p>`},
		{"transparent", `<p style="opacity:0">HIDDEN</p>`},
		{"attribute", `<div hidden>HIDDEN</div>`},
		{"off screen", `<div style="position:absolute; left:-9999px">HIDDEN</div>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "hidden.html", []byte("<html><body><p>Visible</p>"+tt.markup+"</body></html>"))
			doc, err := New(Config{}).Extract(context.Background(), path)
			if err != nil {
				t.Fatal(err)
			}
			if strings.Contains(doc.Text, "HIDDEN") {
				t.Errorf("hidden text leaked: %q", doc.Text)
			}
			if !strings.Contains(doc.Text, "Visible") {
				t.Errorf("visible text lost: %q", doc.Text)
			}
			if v, _ := doc.Fields("").Get("html_hidden_blocks"); v != "1" {
				t.Errorf("html_hidden_blocks = %q", v)
			}
		})
	}
}

func TestExtractHTML_VisibleStylesKept(t *testing.T) {
	path := writeFile(t, "styled.html", []byte(`<p style="opacity:0.5; font-size:12px; position:absolute; left:10px">Faded</p>`))
	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Text != "Faded" {
		t.Errorf("text = %q", doc.Text)
	}
}

func TestExtractHTML_DeclaredCharset(t *testing.T) {
	path := writeFile(t, "legacy.html", []byte("<html><head><meta charset=\"windows-1252\"><title>Caf\xe9</title></head><body><p>na\xefve</p></body></html>"))
	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Café" || doc.Text != "naïve" {
		t.Errorf("title %q text %q", doc.Title, doc.Text)
	}
}

func TestCSSNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"-9999px", -9999, true},
		{"0", 0, true},
		{".5em", 0.5, true},
		{"auto", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := cssNumber(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("cssNumber(%q) = %v, %v", tt.in, got, ok)
		}
	}
}
