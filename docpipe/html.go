package docpipe

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// extractHTML reads an HTML file in its declared or sniffed charset. Text
// hidden by markup or inline style is left out of Text and counted under
// html_hidden_blocks, which reviewers search for.
func extractHTML(path string, doc *Document) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := charset.NewReader(f, "text/html")
	if err != nil {
		return err
	}
	root, err := html.Parse(r)
	if err != nil {
		return err
	}

	var v htmlVisitor
	v.visit(root)

	doc.Title = strings.TrimSpace(v.title)
	doc.Text = tidyText(v.text.String())
	doc.meta("author", v.meta["author"])
	doc.meta("description", v.meta["description"])
	doc.meta("keywords", v.meta["keywords"])
	doc.meta("html_generator", v.meta["generator"])
	doc.count("html_link_count", v.links)
	doc.count("html_hidden_blocks", v.hidden)
	return nil
}

type htmlVisitor struct {
	title  string
	meta   map[string]string
	text   strings.Builder
	links  int
	hidden int
}

func (v *htmlVisitor) visit(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		v.text.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		case atom.Title:
			if v.title == "" && n.FirstChild != nil {
				v.title = n.FirstChild.Data
			}
			return
		case atom.Meta:
			v.addMeta(n)
			return
		case atom.A:
			if attr(n, "href") != "" {
				v.links++
			}
		case atom.Br:
			v.text.WriteByte('\n')
		}
		if isHidden(n) {
			v.hidden++
			return
		}
	}

	block := n.Type == html.ElementNode && isBlock(n.DataAtom)
	if block {
		v.text.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		v.visit(c)
		if n.DataAtom == atom.Tr && c.Type == html.ElementNode {
			v.text.WriteByte('\t')
		}
	}
	if block {
		v.text.WriteByte('\n')
	}
}

func (v *htmlVisitor) addMeta(n *html.Node) {
	name := strings.ToLower(attr(n, "name"))
	content := strings.TrimSpace(attr(n, "content"))
	if name == "" || content == "" {
		return
	}
	if v.meta == nil {
		v.meta = map[string]string{}
	}
	if _, seen := v.meta[name]; !seen {
		v.meta[name] = content
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer,
		atom.Nav, atom.Aside, atom.Main, atom.Blockquote, atom.Pre,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Li, atom.Dl, atom.Dt, atom.Dd,
		atom.Table, atom.Tr, atom.Hr, atom.Form, atom.Fieldset:
		return true
	}
	return false
}

func attr(n *html.Node, key string) string {
	v, _ := findAttr(n, key)
	return v
}

// isHidden reports markup that keeps an element from being rendered:
// the hidden attribute, or an inline style that removes, shrinks, fades
// or moves it off screen.
func isHidden(n *html.Node) bool {
	if _, ok := findAttr(n, "hidden"); ok {
		return true
	}
	style := parseStyle(attr(n, "style"))
	switch {
	case style["display"] == "none",
		style["visibility"] == "hidden",
		isZero(style["font-size"]),
		isZero(style["opacity"]):
		return true
	}
	if p := style["position"]; p == "absolute" || p == "fixed" {
		for _, side := range []string{"left", "top"} {
			if v, ok := cssNumber(style[side]); ok && v <= -1000 {
				return true
			}
		}
	}
	return false
}

func findAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// parseStyle splits an inline style into lower-cased property values.
func parseStyle(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := map[string]string{}
	for _, decl := range strings.Split(s, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(strings.ToLower(val)), "!important"))
		out[strings.TrimSpace(strings.ToLower(prop))] = val
	}
	return out
}

func isZero(v string) bool {
	f, ok := cssNumber(v)
	return ok && f == 0
}

// cssNumber parses the leading number of a CSS length such as "-9999px".
func cssNumber(v string) (float64, bool) {
	end := 0
	for end < len(v) && (v[end] == '-' || v[end] == '+' || v[end] == '.' || (v[end] >= '0' && v[end] <= '9')) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(v[:end], 64)
	return f, err == nil
}
