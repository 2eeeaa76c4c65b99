package docpipe

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// assemblePDF numbers objs from 1 and writes a cross-reference table with
// their byte offsets; objs[0] must be the catalog.
func assemblePDF(objs ...string) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return []byte(b.String())
}

func pdfStream(dict, data string) string {
	return fmt.Sprintf("<< %s /Length %d >>\nstream\n%s\nendstream", dict, len(data), data)
}

func textPDF(text string) []byte {
	r := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`)
	content := "BT\n/F1 12 Tf\n72 720 Td\n(" + r.Replace(text) + ") Tj\nET"
	return assemblePDF(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		pdfStream("", content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	)
}

func scanPDF() []byte {
	return assemblePDF(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /XObject << /Im1 4 0 R >> >> /Contents 5 0 R >>",
		pdfStream("/Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceRGB /BitsPerComponent 8", "\x10\x20\x30"),
		pdfStream("", "q 100 0 0 100 72 692 cm /Im1 Do Q"),
	)
}

func TestExtractPDF_Text(t *testing.T) {
	path := writeFile(t, "text.pdf", textPDF("Hello World (from a PDF)"))
	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.Layer == nil {
		t.Fatal("expected a text layer summary")
	}
	if doc.Layer.Pages != 1 {
		t.Errorf("pages = %d", doc.Layer.Pages)
	}
	if !strings.Contains(doc.Text, "Hello World (from a PDF)") {
		t.Errorf("text = %q", doc.Text)
	}
	if doc.Layer.NeedsOCR() {
		t.Errorf("born-digital page flagged for OCR: %+v", doc.Layer)
	}
	fields := doc.Fields("")
	if v, _ := fields.Get("xmpTPg:NPages"); v != "1" {
		t.Errorf("page count = %q", v)
	}
	if v, _ := fields.Get("pdf_needs_ocr"); v != "false" {
		t.Errorf("pdf_needs_ocr = %q", v)
	}
}

func TestExtractPDF_Scan(t *testing.T) {
	path := writeFile(t, "scan.pdf", scanPDF())
	doc := &Document{Path: path}
	if err := extractPDF(path, doc); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.Text != "" {
		t.Errorf("text = %q", doc.Text)
	}
	if !doc.Layer.NeedsOCR() {
		t.Errorf("layer = %+v, want OCR", doc.Layer)
	}
	if doc.Layer.EmptyPages != 1 {
		t.Errorf("empty pages = %d", doc.Layer.EmptyPages)
	}
}

func TestExtractPDF_Corrupt(t *testing.T) {
	path := writeFile(t, "broken.pdf", []byte("%PDF-1.4\nnot really"))
	if _, err := New(Config{}).Extract(context.Background(), path); err == nil {
		t.Fatal("expected error")
	}
}
