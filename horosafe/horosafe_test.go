package horosafe

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
)

func TestSafePath(t *testing.T) {
	base := filepath.FromSlash("/scratch/unit-1")
	tests := []struct {
		rel  string
		want string
		err  bool
	}{
		{"", base, false},
		{"mail/inbox", filepath.Join(base, "mail", "inbox"), false},
		{"a..b.txt", filepath.Join(base, "a..b.txt"), false},
		{"x/../y", filepath.Join(base, "y"), false},
		{"../etc/passwd", "", true},
		{"x/../../y", "", true},
		{"/etc/passwd", "", true},
	}
	for _, tt := range tests {
		got, err := SafePath(base, tt.rel)
		if tt.err {
			if !errors.Is(err, ErrPathTraversal) {
				t.Errorf("SafePath(%q) err = %v, want traversal", tt.rel, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("SafePath(%q) = %q, %v; want %q", tt.rel, got, err, tt.want)
		}
	}
}

func TestCleanMember(t *testing.T) {
	tests := []struct {
		in, want string
		err      bool
	}{
		{"docs/a.txt", "docs/a.txt", false},
		{"/abs/b.txt", "abs/b.txt", false},
		{`win\dir\c.doc`, "win/dir/c.doc", false},
		{`C:\Users\ann\mail.pst`, "Users/ann/mail.pst", false},
		{"dir//./d.txt", "dir/d.txt", false},
		{"notes..txt", "notes..txt", false},
		{"../evil", "", true},
		{`a\..\..\evil`, "", true},
		{"ok\x00.txt", "", true},
	}
	for _, tt := range tests {
		got, err := CleanMember(tt.in)
		if tt.err != (err != nil) {
			t.Errorf("CleanMember(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanMember(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"unit-abc123", "slot_0001", "a.b"} {
		if err := ValidateIdentifier(ok); err != nil {
			t.Errorf("ValidateIdentifier(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", ".", "..", "a/b", "x y", "é", strings.Repeat("a", maxIdentifier+1)} {
		if err := ValidateIdentifier(bad); !errors.Is(err, ErrBadIdentifier) {
			t.Errorf("ValidateIdentifier(%q) = %v", bad, err)
		}
	}
}

func TestLimitReader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int64
		err   error
	}{
		{"under", "hey", 5, nil},
		{"exact", "hello", 5, nil},
		{"over", "hello world", 5, ErrTooLarge},
		{"unbounded", "anything at all", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := io.Copy(&buf, LimitReader(strings.NewReader(tt.input), tt.limit))
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if tt.err == nil && buf.String() != tt.input {
				t.Fatalf("read %q", buf.String())
			}
			if tt.limit > 0 && int64(buf.Len()) > tt.limit {
				t.Fatalf("read %d bytes past a limit of %d", buf.Len(), tt.limit)
			}
		})
	}
}

func TestLimitReader_OneByteReads(t *testing.T) {
	r := LimitReader(iotest.OneByteReader(strings.NewReader("abcdef")), 3)
	if _, err := io.ReadAll(r); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v", err)
	}
}
