package render

import (
	"context"
	"fmt"
	"html/template"
	"os"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/ediscovery/docpipe"
)

// htmlPolicy strips scripts, handlers and embedded objects from evidence
// HTML before a browser prints it.
var htmlPolicy = bluemonday.UGCPolicy()

// sanitizedCopy writes a sanitized copy of the HTML file src next to the
// outputs and returns its path.
func (r *Renderer) sanitizedCopy(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	clean := htmlPolicy.SanitizeReader(in)
	out, err := os.CreateTemp(r.cfg.OutputDir, "page-*.html")
	if err != nil {
		return "", err
	}
	if _, err := clean.WriteTo(out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("write sanitized html: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

var mailTemplate = template.Must(template.New("mail").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Subject}}</title>
<style>body{font-family:sans-serif;margin:2em}th{text-align:left;padding-right:1em;vertical-align:top}pre{white-space:pre-wrap}</style>
</head><body>
<table>{{range .Headers}}<tr><th>{{.Name}}</th><td>{{.Value}}</td></tr>
{{end}}</table>
<hr>
<pre>{{.Body}}</pre>
</body></html>
`))

type mailHeader struct{ Name, Value string }

// mailLayout lays a message out as a printable HTML page.
type mailLayout struct {
	pipe *docpipe.Pipeline
}

func newMailLayout(pipe *docpipe.Pipeline) *mailLayout {
	return &mailLayout{pipe: pipe}
}

var mailHeaders = []struct{ label, field string }{
	{"From", "message_from"},
	{"To", "message_to"},
	{"Cc", "message_cc"},
	{"Date", "message_date"},
	{"Subject", "subject"},
	{"Attachments", "attachments"},
}

// write renders the message at src into a temporary HTML file under dir and
// returns its path.
func (m *mailLayout) write(ctx context.Context, src, dir string) (string, error) {
	doc, err := m.pipe.ExtractAs(ctx, src, docpipe.FormatEML)
	if err != nil {
		return "", err
	}
	fields := doc.Fields("")

	data := struct {
		Subject string
		Headers []mailHeader
		Body    string
	}{Subject: doc.Title, Body: doc.Text}
	for _, h := range mailHeaders {
		if v, ok := fields.Get(h.field); ok {
			data.Headers = append(data.Headers, mailHeader{h.label, v})
		}
	}

	out, err := os.CreateTemp(dir, "mail-*.html")
	if err != nil {
		return "", err
	}
	if err := mailTemplate.Execute(out, data); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("mail template: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}
