package docpipe

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
)

// maxPropsPart bounds property parts decoded in one piece.
const maxPropsPart = 1 << 20

var errMissingPart = errors.New("missing package part")

// officePackage is a zip-based document: OOXML or OpenDocument.
type officePackage struct {
	rc      *zip.ReadCloser
	members map[string]*zip.File
}

func openPackage(path string) (*officePackage, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	p := &officePackage{rc: rc, members: make(map[string]*zip.File, len(rc.File))}
	for _, f := range rc.File {
		p.members[f.Name] = f
	}
	return p, nil
}

func (p *officePackage) Close() error { return p.rc.Close() }

func (p *officePackage) has(name string) bool {
	_, ok := p.members[name]
	return ok
}

func (p *officePackage) open(name string) (io.ReadCloser, error) {
	f, ok := p.members[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errMissingPart, name)
	}
	return f.Open()
}

// paragraphs scans a part with sc.
func (p *officePackage) paragraphs(name string, sc paraScanner) ([]string, error) {
	rc, err := p.open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	paras, err := sc.scan(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return paras, nil
}

// decode unmarshals a small part into v.
func (p *officePackage) decode(name string, v any) error {
	rc, err := p.open(name)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := xml.NewDecoder(io.LimitReader(rc, maxPropsPart)).Decode(v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// countElements counts start elements with the given local name in a part,
// 0 when the part is absent or malformed.
func (p *officePackage) countElements(name, local string) int {
	rc, err := p.open(name)
	if err != nil {
		return 0
	}
	defer rc.Close()
	dec := newDepthDecoder(rc)
	n := 0
	for {
		tok, err := dec.next()
		if err != nil {
			return n
		}
		if el, ok := tok.(xml.StartElement); ok && el.Name.Local == local {
			n++
		}
	}
}

// numbered returns the members named prefix<N>suffix in numeric order, so
// slide10 follows slide9.
func (p *officePackage) numbered(prefix, suffix string) []string {
	type part struct {
		name string
		n    int
	}
	var parts []part
	for name := range p.members {
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
		if err != nil {
			continue
		}
		parts = append(parts, part{name, n})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })
	out := make([]string, len(parts))
	for i, pt := range parts {
		out[i] = pt.name
	}
	return out
}

// paraScanner collects the text of paragraph elements from an XML part.
// Tabs and line breaks become white space; paragraphs nested in text boxes
// fold into their enclosing paragraph.
type paraScanner struct {
	// para names the paragraph elements.
	para map[string]bool
	// text names the elements holding character data; nil accepts all
	// character data inside a paragraph.
	text map[string]bool
	// onStart sees every start element inside paragraph n, the paragraph
	// element included.
	onStart func(n int, el xml.StartElement)
}

func (s paraScanner) scan(r io.Reader) ([]string, error) {
	dec := newDepthDecoder(r)
	var (
		paras  []string
		cur    strings.Builder
		inPara int
		inText int
	)
	for {
		tok, err := dec.next()
		if done, err := stop(err); done {
			return paras, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			local := t.Name.Local
			if s.para[local] {
				if inPara == 0 {
					cur.Reset()
				}
				inPara++
			}
			if inPara == 0 {
				continue
			}
			switch {
			case local == "tab":
				cur.WriteByte('\t')
			case local == "br" || local == "cr" || local == "line-break":
				cur.WriteByte('\n')
			case local == "s" && t.Name.Space == odfTextNS:
				cur.WriteByte(' ')
			case s.text[local]:
				inText++
			}
			if s.onStart != nil {
				s.onStart(len(paras), t)
			}
		case xml.CharData:
			if inPara > 0 && (s.text == nil || inText > 0) {
				cur.Write(t)
			}
		case xml.EndElement:
			local := t.Name.Local
			switch {
			case s.para[local] && inPara > 0:
				inPara--
				if inPara == 0 {
					paras = append(paras, strings.TrimSpace(cur.String()))
				}
			case inText > 0 && s.text[local]:
				inText--
			}
		}
	}
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func xmlAttr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
