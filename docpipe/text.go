package docpipe

import (
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

const maxTitleRunes = 200

// readText returns the file decoded to UTF-8, and the source encoding when
// it was not UTF-8. Valid UTF-8 is taken as is; otherwise a byte order mark
// decides (UTF-16), with windows-1252 as the fallback.
func readText(path string) (text, encoding string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	if utf8.Valid(data) {
		return strings.TrimPrefix(string(data), "\ufeff"), "", nil
	}
	enc, name, _ := charset.DetermineEncoding(data, "text/plain")
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "\ufffd"), "", nil
	}
	return strings.TrimPrefix(string(out), "\ufeff"), name, nil
}

func extractPlain(path string, doc *Document) error {
	raw, enc, err := readText(path)
	if err != nil {
		return err
	}
	doc.Text = tidyText(raw)
	doc.Title = titleLine(doc.Text)
	doc.meta("encoding", enc)
	textStats(doc)
	return nil
}

// extractMarkdown is extractPlain with ATX heading markers removed; the
// first heading becomes the title.
func extractMarkdown(path string, doc *Document) error {
	raw, enc, err := readText(path)
	if err != nil {
		return err
	}
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if text, ok := atxHeading(line); ok {
			lines[i] = text
			if doc.Title == "" {
				doc.Title = text
			}
		}
	}
	doc.Text = tidyText(strings.Join(lines, "\n"))
	if doc.Title == "" {
		doc.Title = titleLine(doc.Text)
	}
	doc.meta("encoding", enc)
	textStats(doc)
	return nil
}

// atxHeading returns the text of a "# heading" line.
func atxHeading(line string) (string, bool) {
	t := strings.TrimSpace(line)
	n := 0
	for n < len(t) && t[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || (n < len(t) && t[n] != ' ' && t[n] != '\t') {
		return "", false
	}
	text := strings.TrimSpace(strings.TrimRight(t[n:], "#"))
	return text, text != ""
}

func textStats(doc *Document) {
	if doc.Text == "" {
		return
	}
	doc.meta("line_count", strconv.Itoa(strings.Count(doc.Text, "\n")+1))
	doc.meta("word_count", strconv.Itoa(len(strings.Fields(doc.Text))))
}

// tidyText trims every line, collapses runs of blanks inside lines and
// keeps at most one empty line between paragraphs.
func tidyText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	blank := 0
	for _, line := range strings.Split(s, "\n") {
		line = collapseSpaces(line)
		if line == "" {
			blank++
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
			if blank > 0 {
				sb.WriteByte('\n')
			}
		}
		blank = 0
		sb.WriteString(line)
	}
	return sb.String()
}

func collapseSpaces(line string) string {
	var sb strings.Builder
	space := false
	for _, r := range line {
		if unicode.IsSpace(r) {
			space = sb.Len() > 0
			continue
		}
		if !unicode.IsPrint(r) {
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// titleLine is the first non-empty line, cut at maxTitleRunes.
func titleLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if utf8.RuneCountInString(line) > maxTitleRunes {
		line = string([]rune(line)[:maxTitleRunes])
	}
	return line
}

// joinParagraphs joins non-empty paragraphs with newlines.
func joinParagraphs(paras []string) string {
	var sb strings.Builder
	for _, p := range paras {
		if p == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p)
	}
	return sb.String()
}
