// Package docpipe extracts text and properties from leaf documents. The
// properties come back as field/value pairs named after the aliases of the
// default metadata catalog, so a normalize.Record folds them without any
// mapping step.
//
// Office packages (docx, xlsx, pptx, odt, ods, odp), PDF, RFC 5322 mail,
// HTML, Markdown and plain text are parsed. Anything else, or anything
// larger than Config.MaxFileSize, yields a generic document carrying file
// properties only.
//
//	pipe := docpipe.New(docpipe.Config{})
//	doc, err := pipe.ExtractLeaf(ctx, path, sig.Magic)
//	rec.Ingest(doc.Fields("text"))
package docpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrUnsupported is returned by Detect for extensions without a parser.
var ErrUnsupported = errors.New("docpipe: unsupported format")

var byExtension = map[string]Format{
	".docx":     FormatDocx,
	".docm":     FormatDocx,
	".xlsx":     FormatXlsx,
	".xlsm":     FormatXlsx,
	".pptx":     FormatPptx,
	".odt":      FormatODT,
	".ods":      FormatODS,
	".odp":      FormatODP,
	".pdf":      FormatPDF,
	".md":       FormatMD,
	".markdown": FormatMD,
	".txt":      FormatTXT,
	".text":     FormatTXT,
	".log":      FormatTXT,
	".csv":      FormatTXT,
	".html":     FormatHTML,
	".htm":      FormatHTML,
	".eml":      FormatEML,
}

type extractFunc func(path string, doc *Document) error

var extractors = map[Format]extractFunc{
	FormatDocx: extractDocx,
	FormatXlsx: extractXlsx,
	FormatPptx: extractPptx,
	FormatODT:  extractODF,
	FormatODS:  extractODF,
	FormatODP:  extractODF,
	FormatPDF:  extractPDF,
	FormatMD:   extractMarkdown,
	FormatTXT:  extractPlain,
	FormatHTML: extractHTML,
	FormatEML:  extractEML,
}

// Pipeline runs extractors under size limits. It holds no per-call state
// and is safe for concurrent use.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{cfg: cfg, logger: cfg.Logger}
}

// Detect maps a file extension to a format.
func (p *Pipeline) Detect(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := byExtension[ext]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, ext)
}

// Classify picks the parser for a file from its content label (as set by
// signature sniffing) and its extension. Package and PDF parsers run only
// when the signature agrees with the extension; text parsers run only when
// the content is not a known binary type. Everything else is generic.
func (p *Pipeline) Classify(path, magic string) Format {
	byExt, err := p.Detect(path)
	if magic == "PDF" {
		return FormatPDF
	}
	if err != nil {
		return FormatGeneric
	}
	switch byExt {
	case FormatDocx, FormatXlsx, FormatPptx:
		if magic == "OOXML" {
			return byExt
		}
	case FormatODT, FormatODS, FormatODP:
		if magic == "ODF" {
			return byExt
		}
	case FormatPDF:
	default:
		switch magic {
		case "", "unknown", "XML", "JSON":
			return byExt
		}
	}
	return FormatGeneric
}

// Extract parses a document, choosing the parser by extension alone.
func (p *Pipeline) Extract(ctx context.Context, path string) (*Document, error) {
	f, err := p.Detect(path)
	if err != nil {
		f = FormatGeneric
	}
	return p.ExtractAs(ctx, path, f)
}

// ExtractLeaf parses a staged leaf whose content label is already known.
func (p *Pipeline) ExtractLeaf(ctx context.Context, path, magic string) (*Document, error) {
	return p.ExtractAs(ctx, path, p.Classify(path, magic))
}

// ExtractAs parses a document with the parser for format. A parser failure
// is returned wrapped; the caller decides whether the leaf degrades.
func (p *Pipeline) ExtractAs(ctx context.Context, path string, format Format) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("docpipe: %w", err)
	}
	doc := &Document{Path: path, Format: format, Size: info.Size()}
	if format != FormatGeneric && info.Size() > p.cfg.MaxFileSize {
		p.logger.Warn("document too large to parse", "path", path, "size", info.Size(), "max", p.cfg.MaxFileSize)
		doc.Format = FormatGeneric
		return doc, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format == FormatGeneric {
		return doc, nil
	}
	extract, ok := extractors[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, format)
	}

	p.logger.Debug("extracting document", "path", path, "format", format)
	if err := extract(path, doc); err != nil {
		return nil, fmt.Errorf("docpipe: %s %s: %w", format, filepath.Base(path), err)
	}
	if len(doc.Text) > p.cfg.MaxTextBytes {
		doc.Text = truncateUTF8(doc.Text, p.cfg.MaxTextBytes)
		doc.Truncated = true
	}
	return doc, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Formats lists the formats that have a parser.
func Formats() []string {
	out := make([]string, 0, len(extractors))
	for f := range extractors {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}
