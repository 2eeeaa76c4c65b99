package docpipe

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Text extraction from page content streams. Operands are collected until
// their operator arrives, as the PDF imaging model does; only the text
// showing and positioning operators are interpreted.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokString
	tokNumber
	tokArrayOpen
	tokArrayClose
	tokOperator
	tokOther
)

type token struct {
	kind tokenKind
	text string // decoded string, operator keyword
	num  float64
}

type pdfLexer struct {
	data []byte
	pos  int
}

func isPDFSpace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isPDFDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (l *pdfLexer) next() token {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		switch {
		case isPDFSpace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
		case c == '(':
			l.pos++
			return token{kind: tokString, text: decodePDFText(l.literal())}
		case c == '<':
			if l.pos+1 < len(l.data) && l.data[l.pos+1] == '<' {
				l.pos += 2
				return token{kind: tokOther}
			}
			l.pos++
			return token{kind: tokString, text: decodePDFText(l.hex())}
		case c == '>':
			l.pos++
			if l.pos < len(l.data) && l.data[l.pos] == '>' {
				l.pos++
			}
			return token{kind: tokOther}
		case c == '[':
			l.pos++
			return token{kind: tokArrayOpen}
		case c == ']':
			l.pos++
			return token{kind: tokArrayClose}
		case c == '/':
			l.pos++
			l.regular()
			return token{kind: tokOther}
		case c == '{' || c == '}' || c == ')':
			l.pos++
			return token{kind: tokOther}
		default:
			word := l.regular()
			if f, err := strconv.ParseFloat(word, 64); err == nil {
				return token{kind: tokNumber, num: f}
			}
			return token{kind: tokOperator, text: word}
		}
	}
	return token{kind: tokEOF}
}

func (l *pdfLexer) regular() string {
	start := l.pos
	for l.pos < len(l.data) && !isPDFSpace(l.data[l.pos]) && !isPDFDelim(l.data[l.pos]) {
		l.pos++
	}
	if l.pos == start {
		l.pos++ // stray byte
	}
	return string(l.data[start:l.pos])
}

// literal reads a (string) body after the opening parenthesis. Parentheses
// nest; escapes follow the PDF reference.
func (l *pdfLexer) literal() []byte {
	var out []byte
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return out
			}
		case '\\':
			if l.pos >= len(l.data) {
				return out
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				c = '\n'
			case 'r':
				c = '\r'
			case 't':
				c = '\t'
			case 'b':
				c = '\b'
			case 'f':
				c = '\f'
			case '\r':
				if l.pos < len(l.data) && l.data[l.pos] == '\n' {
					l.pos++
				}
				continue
			case '\n':
				continue
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						v = v*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					c = byte(v)
				} else {
					c = e
				}
			}
		}
		out = append(out, c)
	}
	return out
}

// hex reads a <hex string> body after the opening bracket.
func (l *pdfLexer) hex() []byte {
	var out []byte
	var hi byte
	half := false
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		if c == '>' {
			break
		}
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v = c - 'A' + 10
		default:
			continue
		}
		if half {
			out = append(out, hi<<4|v)
		} else {
			hi = v
		}
		half = !half
	}
	if half {
		out = append(out, hi<<4)
	}
	return out
}

// skipInlineImage moves past inline image data, which ends at an EI
// keyword surrounded by white space.
func (l *pdfLexer) skipInlineImage() {
	i := bytes.Index(l.data[l.pos:], []byte("EI"))
	for i >= 0 {
		at := l.pos + i
		before := at == 0 || isPDFSpace(l.data[at-1])
		after := at+2 >= len(l.data) || isPDFSpace(l.data[at+2])
		if before && after {
			l.pos = at + 2
			return
		}
		next := bytes.Index(l.data[at+2:], []byte("EI"))
		if next < 0 {
			break
		}
		i = at + 2 + next - l.pos
	}
	l.pos = len(l.data)
}

// decodePDFText turns string bytes into text: UTF-16BE when marked by a
// byte order mark, PDFDocEncoding (close to Latin-1) otherwise.
func decodePDFText(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		u := make([]uint16, 0, len(b)/2)
		for i := 2; i+1 < len(b); i += 2 {
			u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(u))
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// kerningGap is the TJ adjustment, in thousandths of an em, past which a
// word break is assumed.
const kerningGap = -200

// showText returns the text painted by a content stream.
func showText(stream []byte) string {
	var (
		out      strings.Builder
		operands []token
		inArray  bool
	)
	lex := &pdfLexer{data: stream}
	for {
		tok := lex.next()
		switch tok.kind {
		case tokEOF:
			return out.String()
		case tokArrayOpen:
			inArray = true
			operands = operands[:0]
			continue
		case tokArrayClose:
			inArray = false
			continue
		case tokString, tokNumber:
			operands = append(operands, tok)
			continue
		case tokOther:
			if !inArray {
				operands = operands[:0]
			}
			continue
		}

		switch tok.text {
		case "Tj":
			writeStrings(&out, operands)
		case "'", "\"":
			out.WriteByte('\n')
			writeStrings(&out, operands)
		case "TJ":
			for i, op := range operands {
				if op.kind == tokString {
					out.WriteString(op.text)
				} else if op.num < kerningGap && i > 0 && i < len(operands)-1 {
					out.WriteByte(' ')
				}
			}
		case "Td", "TD":
			if len(operands) >= 2 && operands[len(operands)-1].num != 0 {
				out.WriteByte('\n')
			} else {
				out.WriteByte(' ')
			}
		case "T*", "ET":
			out.WriteByte('\n')
		case "ID":
			lex.skipInlineImage()
		}
		operands = operands[:0]
	}
}

func writeStrings(out *strings.Builder, ops []token) {
	for _, op := range ops {
		if op.kind == tokString {
			out.WriteString(op.text)
		}
	}
}
