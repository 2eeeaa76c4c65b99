// Package horosafe guards the engine against hostile container content.
// Member names come from archives and mail stores nobody vetted, so they
// are normalised before they touch the file system, and member payloads
// are read through a size bound.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal = errors.New("horosafe: path escapes its base")
	ErrTooLarge      = errors.New("horosafe: payload exceeds limit")
	ErrBadIdentifier = errors.New("horosafe: invalid identifier")
)

// maxIdentifier keeps scratch directory names well under NAME_MAX.
const maxIdentifier = 200

// SafePath joins base and rel, a slash or OS separated path relative to
// base. A rel that is absolute, holds a ".." segment or names a reserved
// device is rejected. An empty rel is base itself.
func SafePath(base, rel string) (string, error) {
	if rel == "" || rel == "." {
		return filepath.Clean(base), nil
	}
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return filepath.Join(base, local), nil
}

// CleanMember turns an archive member name into a relative slash path.
// Backslashes count as separators, leading slashes and drive letters are
// dropped, and a ".." segment is an error rather than silently resolved.
func CleanMember(name string) (string, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return "", fmt.Errorf("%w: NUL in %q", ErrPathTraversal, name)
	}
	name = strings.ReplaceAll(name, `\`, "/")
	if len(name) >= 2 && name[1] == ':' && isLetter(name[0]) {
		name = name[2:]
	}
	for seg := range strings.SplitSeq(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
		}
	}
	return strings.TrimLeft(path.Clean("/"+name), "/"), nil
}

// ValidateIdentifier accepts names made of ASCII letters, digits, '_',
// '-' and '.', the alphabet of unit and slot identifiers.
func ValidateIdentifier(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrBadIdentifier, id)
	case len(id) > maxIdentifier:
		return fmt.Errorf("%w: longer than %d bytes", ErrBadIdentifier, maxIdentifier)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !isLetter(c) && !(c >= '0' && c <= '9') && c != '_' && c != '-' && c != '.' {
			return fmt.Errorf("%w: byte %q in %q", ErrBadIdentifier, c, id)
		}
	}
	return nil
}

func isLetter(c byte) bool { return (c|0x20) >= 'a' && (c|0x20) <= 'z' }

// LimitReader reads r up to limit bytes and fails with ErrTooLarge when r
// holds more. Unlike io.LimitReader, truncation is never silent. A limit
// of 0 or less means no bound.
func LimitReader(r io.Reader, limit int64) io.Reader {
	if limit <= 0 {
		return r
	}
	return &boundedReader{r: r, remaining: limit}
}

type boundedReader struct {
	r         io.Reader
	remaining int64
	over      bool
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.over {
		return 0, ErrTooLarge
	}
	if b.remaining == 0 {
		// At the limit: probe one byte to tell a clean EOF from overflow.
		var probe [1]byte
		n, err := b.r.Read(probe[:])
		if n > 0 {
			b.over = true
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	return n, err
}
