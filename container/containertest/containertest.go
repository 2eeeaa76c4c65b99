// Package containertest builds container fixtures for tests.
package containertest

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hazyhaar/ediscovery/container"
)

// Member is one file of a fixture. A Name ending in "/" is a directory.
type Member struct {
	Name string
	Data []byte
	// Stored writes the member uncompressed in zip fixtures.
	Stored bool
}

// File is a shorthand for a text member.
func File(name, data string) Member { return Member{Name: name, Data: []byte(data)} }

// ZipBytes returns a zip archive holding members.
func ZipBytes(t testing.TB, members ...Member) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		method := zip.Deflate
		if m.Stored {
			method = zip.Store
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: m.Name, Method: method})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(m.Data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// TarBytes returns a tar archive compressed as f requires.
func TarBytes(t testing.TB, f container.Format, members ...Member) []byte {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for _, m := range members {
		hdr := &tar.Header{Name: m.Name, Mode: 0o644, Size: int64(len(m.Data)), Typeflag: tar.TypeReg}
		if strings.HasSuffix(m.Name, "/") {
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0o755, 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(m.Data); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	var w io.WriteCloser
	switch f {
	case container.FormatTar:
		return raw.Bytes()
	case container.FormatTarGz:
		w = gzip.NewWriter(&out)
	case container.FormatTarZst:
		zw, err := zstd.NewWriter(&out)
		if err != nil {
			t.Fatal(err)
		}
		w = zw
	case container.FormatTarLz4:
		w = lz4.NewWriter(&out)
	default:
		t.Fatalf("containertest: no tar compression for %s", f)
	}
	if _, err := w.Write(raw.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

// MboxBytes returns an mbox file holding one message per body.
func MboxBytes(messages ...string) []byte {
	var buf bytes.Buffer
	for i, m := range messages {
		if i > 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "From sender%d@example.com Mon Jan  1 00:00:00 2024\n", i+1)
		buf.WriteString(m)
		if !strings.HasSuffix(m, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes()
}

// Message returns a minimal RFC 5322 message.
func Message(from, subject, body string) string {
	return fmt.Sprintf("From: %s\nTo: custodian@example.com\nSubject: %s\nDate: Mon, 01 Jan 2024 10:00:00 +0000\nMessage-ID: <%s@example.com>\n\n%s\n",
		from, subject, strings.ReplaceAll(strings.ToLower(subject), " ", "-"), body)
}

// Write stores data under dir and returns its path.
func Write(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// Depth3 returns the reference nested fixture: a zip holding a zip holding
// an mbox of two messages, plus the path of each message relative to the
// root.
func Depth3(t testing.TB) ([]byte, []string) {
	t.Helper()
	mbox := MboxBytes(
		Message("alice@example.com", "Quarterly numbers", "see attached"),
		Message("bob@example.com", "Re quarterly numbers", "thanks"),
	)
	inner := ZipBytes(t, Member{Name: "mail/archive.mbox", Data: mbox})
	root := ZipBytes(t, Member{Name: "inner.zip", Data: inner})
	return root, []string{
		"inner.zip/mail/archive.mbox/message-0001.eml",
		"inner.zip/mail/archive.mbox/message-0002.eml",
	}
}
