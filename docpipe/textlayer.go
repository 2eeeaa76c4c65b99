package docpipe

import "unicode"

// TextLayer summarises the text a PDF carries, to tell born-digital
// documents from scans that need OCR before review.
type TextLayer struct {
	Pages      int     `json:"pages"`
	EmptyPages int     `json:"empty_pages"`
	Chars      int     `json:"chars"`
	Printable  float64 `json:"printable_ratio"`
	Images     bool    `json:"has_images"`
}

// CharsPerPage is the mean number of extracted characters per page.
func (l *TextLayer) CharsPerPage() float64 {
	if l.Pages == 0 {
		return 0
	}
	return float64(l.Chars) / float64(l.Pages)
}

// NeedsOCR reports a PDF with no text layer, a sparse one over images, or
// one that decodes mostly to garbage (unmapped CID fonts).
func (l *TextLayer) NeedsOCR() bool {
	switch {
	case l.Pages == 0:
		return false
	case l.Chars == 0:
		return true
	case l.Images && l.CharsPerPage() < 50:
		return true
	}
	return l.Printable < 0.85
}

// printableRatio is the share of runes in s that are printable text.
// Private-use code points and U+FFFD count as garbage.
func printableRatio(s string) float64 {
	total, good := 0, 0
	for _, r := range s {
		total++
		switch {
		case r == unicode.ReplacementChar, r >= 0xE000 && r <= 0xF8FF:
		case unicode.IsPrint(r), r == '\n', r == '\t':
			good++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(good) / float64(total)
}
