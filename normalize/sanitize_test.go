package normalize

import (
	"math/rand"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, sep, want string
	}{
		{"plain", "\t", "plain"},
		{"a\tb", "\t", "a b"},
		{"line1\r\nline2\n", "\t", "line1  line2 "},
		{"café", "\t", "caf_"},
		{"日本", "\t", "__"},
		{"a,b,c", ",", "a b c"},
		{"a||b", "||", "a b"},
		{"a   b", "  ", "a b"},
		{"bad\xffbyte", "\t", "bad_byte"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in, tt.sep); got != tt.want {
			t.Errorf("Sanitize(%q, %q) = %q, want %q", tt.in, tt.sep, got, tt.want)
		}
	}
}

func TestSanitize_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("ab,;|\t\r\n é日 xyz")
	for _, sep := range []string{"\t", ",", "|", "||", ";,"} {
		for i := 0; i < 300; i++ {
			var sb strings.Builder
			for j := rng.Intn(40); j > 0; j-- {
				sb.WriteRune(alphabet[rng.Intn(len(alphabet))])
			}
			in := sb.String()
			once := Sanitize(in, sep)

			for k := 0; k < len(once); k++ {
				if once[k] >= 0x80 {
					t.Fatalf("non-ASCII byte in %q", once)
				}
			}
			if strings.ContainsAny(once, "\r\n") {
				t.Fatalf("line break in %q", once)
			}
			if strings.Contains(once, sep) {
				t.Fatalf("separator %q in %q", sep, once)
			}
			if twice := Sanitize(once, sep); twice != once {
				t.Fatalf("not idempotent: %q -> %q", once, twice)
			}
		}
	}
}
