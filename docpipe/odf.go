package docpipe

import (
	"encoding/xml"
	"strings"
)

const odfTextNS = "urn:oasis:names:tc:opendocument:xmlns:text:1.0"

// odfMeta is meta.xml of an OpenDocument package.
type odfMeta struct {
	Title          string `xml:"meta>title"`
	Subject        string `xml:"meta>subject"`
	Keywords       string `xml:"meta>keyword"`
	InitialCreator string `xml:"meta>initial-creator"`
	Creator        string `xml:"meta>creator"`
	CreationDate   string `xml:"meta>creation-date"`
	Date           string `xml:"meta>date"`
	Generator      string `xml:"meta>generator"`
	Stats          struct {
		Pages  string `xml:"page-count,attr"`
		Tables string `xml:"table-count,attr"`
	} `xml:"meta>document-statistic"`
}

// extractODF reads content.xml of a text, spreadsheet or presentation
// document. All three keep their text in text:p and text:h elements; the
// first heading is the fallback title.
func extractODF(path string, doc *Document) error {
	pkg, err := openPackage(path)
	if err != nil {
		return err
	}
	defer pkg.Close()

	heading := -1
	paras, err := pkg.paragraphs("content.xml", paraScanner{
		para: set("h", "p"),
		onStart: func(n int, el xml.StartElement) {
			if heading < 0 && el.Name.Local == "h" && el.Name.Space == odfTextNS {
				heading = n
			}
		},
	})
	if err != nil {
		return err
	}
	doc.Text = joinParagraphs(paras)
	if heading >= 0 && heading < len(paras) {
		doc.Title = paras[heading]
	}

	if pkg.has("meta.xml") {
		var m odfMeta
		if err := pkg.decode("meta.xml", &m); err != nil {
			return err
		}
		if t := strings.TrimSpace(m.Title); t != "" {
			doc.Title = t
		}
		doc.meta("meta:author", m.InitialCreator)
		doc.meta("last_modified_by", m.Creator)
		doc.meta("dc:subject", m.Subject)
		doc.meta("keywords", m.Keywords)
		doc.meta("meta:creation-date", m.CreationDate)
		doc.meta("dcterms:modified", m.Date)
		doc.meta("meta:page-count", m.Stats.Pages)
		doc.meta("table_count", m.Stats.Tables)
		doc.meta("Application-Name", m.Generator)
	}
	return nil
}
