package docpipe

import (
	"encoding/xml"
	"strings"
)

// officeProps covers docProps/core.xml and docProps/app.xml. Elements are
// matched by local name, so the Dublin Core and extended namespaces need
// no declaration.
type officeProps struct {
	Title          string `xml:"title"`
	Subject        string `xml:"subject"`
	Creator        string `xml:"creator"`
	LastModifiedBy string `xml:"lastModifiedBy"`
	Created        string `xml:"created"`
	Modified       string `xml:"modified"`
	Keywords       string `xml:"keywords"`
	Application    string `xml:"Application"`
	Company        string `xml:"Company"`
	Pages          string `xml:"Pages"`
}

// readOfficeProps reports the package properties. Missing parts are not
// an error; a corrupt core part is.
func readOfficeProps(pkg *officePackage, doc *Document) error {
	var core, app officeProps
	if pkg.has("docProps/core.xml") {
		if err := pkg.decode("docProps/core.xml", &core); err != nil {
			return err
		}
	}
	if pkg.has("docProps/app.xml") {
		// Extended properties are informational; a bad part is skipped.
		_ = pkg.decode("docProps/app.xml", &app)
	}
	if t := strings.TrimSpace(core.Title); t != "" {
		doc.Title = t
	}
	doc.meta("dc:creator", core.Creator)
	doc.meta("dc:subject", core.Subject)
	doc.meta("keywords", core.Keywords)
	doc.meta("dcterms:created", core.Created)
	doc.meta("dcterms:modified", core.Modified)
	doc.meta("last_modified_by", core.LastModifiedBy)
	doc.meta("xmpTPg:NPages", app.Pages)
	doc.meta("Application-Name", app.Application)
	doc.meta("company", app.Company)
	return nil
}

// extractDocx reads word/document.xml. Heading-styled paragraphs give the
// title when the properties do not; tracked changes and comments are
// counted because reviewers look for them.
func extractDocx(path string, doc *Document) error {
	pkg, err := openPackage(path)
	if err != nil {
		return err
	}
	defer pkg.Close()

	styles := map[int]string{}
	var revisions int
	paras, err := pkg.paragraphs("word/document.xml", paraScanner{
		para: set("p"),
		text: set("t"),
		onStart: func(n int, el xml.StartElement) {
			switch el.Name.Local {
			case "pStyle":
				styles[n] = xmlAttr(el, "val")
			case "ins", "del":
				revisions++
			}
		},
	})
	if err != nil {
		return err
	}
	doc.Text = joinParagraphs(paras)
	for i, p := range paras {
		if p != "" && isHeadingStyle(styles[i]) {
			doc.Title = p
			break
		}
	}
	doc.count("tracked_changes", revisions)
	doc.count("comment_count", pkg.countElements("word/comments.xml", "comment"))
	return readOfficeProps(pkg, doc)
}

// isHeadingStyle recognises title and heading paragraph styles, including
// the localised names Word writes into style ids.
func isHeadingStyle(style string) bool {
	s := strings.ToLower(style)
	if s == "title" {
		return true
	}
	for _, prefix := range []string{"heading", "titre", "überschrift", "kop"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// extractXlsx reads the shared string table, which holds the text of every
// string cell, and lists the sheet names. Numeric cells are not text.
func extractXlsx(path string, doc *Document) error {
	pkg, err := openPackage(path)
	if err != nil {
		return err
	}
	defer pkg.Close()

	var book struct {
		Sheets []struct {
			Name string `xml:"name,attr"`
		} `xml:"sheets>sheet"`
	}
	if err := pkg.decode("xl/workbook.xml", &book); err != nil {
		return err
	}
	names := make([]string, len(book.Sheets))
	for i, s := range book.Sheets {
		names[i] = s.Name
	}
	doc.count("sheet_count", len(names))
	doc.meta("sheet_names", strings.Join(names, "; "))

	if pkg.has("xl/sharedStrings.xml") {
		strs, err := pkg.paragraphs("xl/sharedStrings.xml", paraScanner{para: set("si"), text: set("t")})
		if err != nil {
			return err
		}
		doc.Text = joinParagraphs(strs)
	}
	doc.count("comment_count", countAll(pkg, pkg.numbered("xl/comments", ".xml"), "comment"))
	return readOfficeProps(pkg, doc)
}

// extractPptx reads the slides in order, then the speaker notes.
func extractPptx(path string, doc *Document) error {
	pkg, err := openPackage(path)
	if err != nil {
		return err
	}
	defer pkg.Close()

	slides := pkg.numbered("ppt/slides/slide", ".xml")
	sc := paraScanner{para: set("p"), text: set("t")}
	var parts []string
	for _, name := range slides {
		paras, err := pkg.paragraphs(name, sc)
		if err != nil {
			return err
		}
		if t := joinParagraphs(paras); t != "" {
			parts = append(parts, t)
		}
	}
	notes := pkg.numbered("ppt/notesSlides/notesSlide", ".xml")
	for _, name := range notes {
		paras, err := pkg.paragraphs(name, sc)
		if err != nil {
			return err
		}
		if t := joinParagraphs(paras); t != "" {
			parts = append(parts, t)
		}
	}
	doc.Text = strings.Join(parts, "\n\n")
	doc.Title = titleLine(doc.Text)
	doc.count("slide_count", len(slides))
	doc.count("notes_count", len(notes))
	return readOfficeProps(pkg, doc)
}

func countAll(pkg *officePackage, parts []string, local string) int {
	n := 0
	for _, name := range parts {
		n += pkg.countElements(name, local)
	}
	return n
}
