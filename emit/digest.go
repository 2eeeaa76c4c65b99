package emit

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algo names the dedup digest.
type Algo string

const (
	AlgoMD5    Algo = "md5"
	AlgoBLAKE3 Algo = "blake3"
)

// KeyLen is the length of a dedup key in hex characters (128 bits).
const KeyLen = 32

// ParseAlgo accepts md5 or blake3; empty means md5.
func ParseAlgo(s string) (Algo, error) {
	switch a := Algo(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AlgoMD5, nil
	case AlgoMD5, AlgoBLAKE3:
		return a, nil
	default:
		return "", fmt.Errorf("emit: unknown digest %q (use md5 or blake3)", s)
	}
}

func newHash(a Algo) hash.Hash {
	if a == AlgoBLAKE3 {
		return blake3.New()
	}
	return md5.New()
}

func sum(h hash.Hash) string {
	// BLAKE3 is truncated so both algorithms yield KeyLen hex characters.
	return hex.EncodeToString(h.Sum(nil)[:KeyLen/2])
}

// DigestFile returns the dedup key of the file's bytes.
func DigestFile(path string, a Algo) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := newHash(a)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("emit: digest %s: %w", path, err)
	}
	return sum(h), nil
}

// DigestString returns the dedup key of s, used when no file is left to
// digest.
func DigestString(s string, a Algo) string {
	h := newHash(a)
	io.WriteString(h, s)
	return sum(h)
}
