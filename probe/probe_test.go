package probe

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeRunner answers by command name.
type fakeRunner map[string][]string

func (f fakeRunner) Run(_ context.Context, name string, args ...string) ([]string, error) {
	out, ok := f[name]
	if !ok {
		return nil, errors.New("exec: " + name + ": not found")
	}
	return out, nil
}

func noChrome() (string, bool) { return "", false }

func TestRun_AllTools(t *testing.T) {
	r := fakeRunner{
		"readpst":     {"ReadPST / LibPST v0.6.76", "Little Endian implementation being used."},
		"wkhtmltopdf": {"wkhtmltopdf 0.12.6 (with patched qt)"},
		"soffice":     {"LibreOffice 7.6.4.1 60(Build:1)"},
	}
	s := Run(context.Background(), r, WithOS("linux"), WithChromeLookup(func() (string, bool) { return "/usr/bin/chromium", true }))
	if !s.Readpst || s.ReadpstError != "" || s.ReadpstVersion != "ReadPST / LibPST v0.6.76" {
		t.Errorf("readpst: %+v", s)
	}
	if !s.Wkhtmltopdf || !s.Office || !s.Chrome {
		t.Errorf("tools: %+v", s)
	}
	want := "os=linux readpst=true wkhtmltopdf=true office=true chrome=true"
	if s.Summary() != want {
		t.Errorf("Summary = %q", s.Summary())
	}
}

func TestRun_OldReadpst(t *testing.T) {
	r := fakeRunner{"readpst": {"ReadPST / LibPST v0.6.59"}}
	s := Run(context.Background(), r, WithOS("linux"), WithChromeLookup(noChrome))
	if s.Readpst {
		t.Error("old readpst accepted")
	}
	if !strings.Contains(s.ReadpstError, "v0.6.61") {
		t.Errorf("ReadpstError = %q", s.ReadpstError)
	}
}

func TestRun_ReadpstVersionNumeric(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"ReadPST / LibPST v0.6.61", true},
		{"ReadPST / LibPST v0.6.100", true},
		{"ReadPST / LibPST v0.7.0", true},
		{"ReadPST / LibPST v1.0", true},
		{"ReadPST / LibPST v0.6.7", false},
		{"ReadPST / LibPST v0.6.60", false},
		{"ReadPST / LibPST", false},
	}
	for _, tt := range tests {
		s := Run(context.Background(), fakeRunner{"readpst": {tt.version}}, WithOS("linux"), WithChromeLookup(noChrome))
		if s.Readpst != tt.ok {
			t.Errorf("%q: Readpst = %v, want %v (%s)", tt.version, s.Readpst, tt.ok, s.ReadpstError)
		}
	}
}

func TestRun_NothingInstalled(t *testing.T) {
	s := Run(context.Background(), fakeRunner{}, WithOS("linux"), WithChromeLookup(noChrome))
	if s.Readpst || s.Wkhtmltopdf || s.Office || s.Chrome {
		t.Errorf("%+v", s)
	}
	if s.ReadpstError == "" {
		t.Error("missing readpst error")
	}
}

func TestRun_WindowsSkipsUnixTools(t *testing.T) {
	r := fakeRunner{"readpst": {"ReadPST / LibPST v0.6.76"}, "wkhtmltopdf": {"wkhtmltopdf"}}
	s := Run(context.Background(), r, WithOS("windows"), WithChromeLookup(noChrome))
	if s.Readpst || s.Wkhtmltopdf {
		t.Errorf("%+v", s)
	}
}

func TestResolve(t *testing.T) {
	linux := Snapshot{OS: "linux"}
	windows := Snapshot{OS: "windows"}
	tests := []struct {
		setting    Capability
		snap       Snapshot
		concurrent bool
		want       Capability
	}{
		{CapabilityAuto, linux, true, CapabilityConcurrent},
		{CapabilityAuto, linux, false, CapabilitySerialized},
		{CapabilityAuto, windows, true, CapabilitySerialized},
		{CapabilityConcurrent, windows, false, CapabilityConcurrent},
		{CapabilitySerialized, linux, true, CapabilitySerialized},
	}
	for _, tt := range tests {
		if got := Resolve(tt.setting, tt.snap, tt.concurrent); got != tt.want {
			t.Errorf("Resolve(%s, %s, %t) = %s, want %s", tt.setting, tt.snap.OS, tt.concurrent, got, tt.want)
		}
	}
}

func TestParseCapability(t *testing.T) {
	if c, err := ParseCapability(""); err != nil || c != CapabilityAuto {
		t.Errorf("empty: %v %v", c, err)
	}
	if c, err := ParseCapability("Serialized"); err != nil || c != CapabilitySerialized {
		t.Errorf("Serialized: %v %v", c, err)
	}
	if _, err := ParseCapability("parallel"); err == nil {
		t.Error("expected error")
	}
}

func TestFileType(t *testing.T) {
	r := fakeRunner{"file": {"/tmp/x.pst: Microsoft Outlook Personal Storage (>=2003, Unicode)"}}
	if got := FileType(context.Background(), r, "linux", "/tmp/x.pst"); got != "Microsoft Outlook Personal Storage (>=2003, Unicode)" {
		t.Errorf("FileType = %q", got)
	}
	if got := FileType(context.Background(), fakeRunner{}, "linux", "/tmp/x"); got != "Unknown" {
		t.Errorf("no file(1): %q", got)
	}
	if got := FileType(context.Background(), r, "windows", `C:\mail\box.PST`); got != "Microsoft Outlook" {
		t.Errorf("windows pst: %q", got)
	}
}
