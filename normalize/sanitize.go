package normalize

import (
	"strings"
	"unicode/utf8"
)

// Sanitize makes s safe for one field of a delimited line: every non-ASCII
// character becomes '_', CR and LF become a space, and each occurrence of sep
// becomes a space. The result never contains a record or field break, and
// Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s, sep string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			if c == '\n' || c == '\r' {
				sb.WriteByte(' ')
			} else {
				sb.WriteByte(c)
			}
			i++
			continue
		}
		// One '_' per character; invalid bytes count as one character each.
		_, size := utf8.DecodeRuneInString(s[i:])
		sb.WriteByte('_')
		i += size
	}
	out := sb.String()
	if sep == "" || sep == " " {
		return out
	}
	// A multi-byte separator may be re-formed by the replacement spaces.
	for strings.Contains(out, sep) {
		out = strings.ReplaceAll(out, sep, " ")
	}
	return out
}
