package docpipe

import (
	"strconv"

	"github.com/hazyhaar/ediscovery/normalize"
)

// Format identifies a document type.
type Format string

const (
	FormatDocx    Format = "docx"
	FormatXlsx    Format = "xlsx"
	FormatPptx    Format = "pptx"
	FormatODT     Format = "odt"
	FormatODS     Format = "ods"
	FormatODP     Format = "odp"
	FormatPDF     Format = "pdf"
	FormatMD      Format = "md"
	FormatTXT     Format = "txt"
	FormatHTML    Format = "html"
	FormatEML     Format = "eml"
	FormatGeneric Format = "generic"
)

// Document is what an extractor learned about one file.
type Document struct {
	Path   string `json:"path"`
	Format Format `json:"format"`
	Title  string `json:"title,omitempty"`
	Size   int64  `json:"size"`
	// Meta holds format properties named after the default catalog aliases.
	Meta normalize.Fields `json:"meta,omitempty"`
	Text string           `json:"text,omitempty"`
	// Truncated is set when Text was cut at Config.MaxTextBytes.
	Truncated bool `json:"truncated,omitempty"`
	// Layer is set for PDFs only.
	Layer *TextLayer `json:"text_layer,omitempty"`
}

// Fields returns the document as field/value pairs: generic properties,
// then format metadata, then the text under textField (omitted when
// textField is empty).
func (d *Document) Fields(textField string) normalize.Fields {
	fs := normalize.Fields{
		{Name: "format", Value: string(d.Format)},
		{Name: "size_bytes", Value: strconv.FormatInt(d.Size, 10)},
	}
	if d.Title != "" {
		fs = append(fs, normalize.Field{Name: "title", Value: d.Title})
	}
	fs = append(fs, d.Meta...)
	if d.Layer != nil {
		fs = append(fs, normalize.Field{Name: "pdf_needs_ocr", Value: strconv.FormatBool(d.Layer.NeedsOCR())})
	}
	if d.Truncated {
		fs = append(fs, normalize.Field{Name: "text_truncated", Value: "true"})
	}
	if textField != "" && d.Text != "" {
		fs = append(fs, normalize.Field{Name: textField, Value: d.Text})
	}
	return fs
}

func (d *Document) meta(name, value string) {
	if value != "" {
		d.Meta = append(d.Meta, normalize.Field{Name: name, Value: value})
	}
}

func (d *Document) count(name string, n int) {
	if n > 0 {
		d.meta(name, strconv.Itoa(n))
	}
}
