package docpipe

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// maxContentStream bounds the decoded content read per page.
const maxContentStream = 16 << 20

// extractPDF reads the info dictionary and the text painted on every page.
// A PDF without a text layer is not an error; Layer tells the reviewer it
// needs OCR.
func extractPDF(path string, doc *Document) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return fmt.Errorf("pdfcpu read: %w", err)
	}

	doc.meta("xmpTPg:NPages", strconv.Itoa(ctx.PageCount))
	doc.meta("dc:creator", ctx.Author)
	doc.meta("dc:subject", ctx.Subject)
	doc.meta("Creation-Date", ctx.XRefTable.CreationDate)
	doc.meta("Last-Modified", ctx.ModDate)
	doc.meta("pdf:producer", ctx.Producer)

	layer := &TextLayer{Pages: ctx.PageCount, Images: hasImageXObjects(ctx)}
	pages := make([]string, 0, ctx.PageCount)
	var shown strings.Builder
	for nr := 1; nr <= ctx.PageCount; nr++ {
		raw := pageText(ctx, nr)
		shown.WriteString(raw)
		text := tidyText(raw)
		if text == "" {
			layer.EmptyPages++
			continue
		}
		layer.Chars += len([]rune(text))
		pages = append(pages, text)
	}
	doc.Text = strings.Join(pages, "\n\n")
	// Measured before tidying, which drops unprintable runes.
	layer.Printable = printableRatio(shown.String())
	doc.Layer = layer

	doc.Title = strings.TrimSpace(ctx.Title)
	if doc.Title == "" {
		doc.Title = titleLine(doc.Text)
	}
	return nil
}

// pageText returns the raw text shown on page nr, or "" when its content
// cannot be decoded.
func pageText(ctx *model.Context, nr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, nr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(r, maxContentStream))
	if err != nil {
		return ""
	}
	return showText(data)
}

// hasImageXObjects scans the cross-reference table for image streams.
func hasImageXObjects(ctx *model.Context) bool {
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if st, found := sd.Find("Subtype"); found {
			if name, ok := st.(types.Name); ok && name == "Image" {
				return true
			}
		}
	}
	return false
}
