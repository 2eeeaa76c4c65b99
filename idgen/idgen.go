// Package idgen generates the identifiers of an expansion run: processing
// units, scratch slots, render jobs, queue messages and audit rows. Callers
// hold a Generator so tests can swap in a deterministic one.
package idgen

import (
	"crypto/rand"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator returns a new identifier on every call.
type Generator func() string

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// unbiased is the largest multiple of 36 a byte can hold; bytes at or
// above it are dropped so every symbol is equally likely.
const unbiased = 256 - 256%len(base36)

// NanoID returns random base-36 identifiers of n characters. They are safe
// as file and directory names on every platform the engine runs on.
func NanoID(n int) Generator {
	return func() string {
		out := make([]byte, 0, n)
		var pool [32]byte
		for len(out) < n {
			rand.Read(pool[:])
			for _, b := range pool {
				if int(b) >= unbiased {
					continue
				}
				out = append(out, base36[int(b)%len(base36)])
				if len(out) == n {
					break
				}
			}
		}
		return string(out)
	}
}

// UUIDv7 returns time-ordered UUIDs, so rows keyed by them sort by
// creation.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Prefixed tags every identifier of gen, as in "unit_" or "render_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns a counter starting at 1, left-padded with zeros to
// width digits. Every call to Sequence starts its own counter.
func Sequence(width int) Generator {
	var n atomic.Uint64
	return func() string {
		s := strconv.FormatUint(n.Add(1), 10)
		if pad := width - len(s); pad > 0 {
			s = strings.Repeat("0", pad) + s
		}
		return s
	}
}

// Fixed replays ids in order, then repeats the last one. For tests.
func Fixed(ids ...string) Generator {
	var i atomic.Int64
	return func() string {
		n := int(i.Add(1)) - 1
		if n >= len(ids) {
			n = len(ids) - 1
		}
		return ids[n]
	}
}

// Default is the generator for rows that need global uniqueness.
var Default Generator = UUIDv7()
