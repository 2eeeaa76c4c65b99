// Package catalog holds the canonical metadata schema: every standard export
// field with the aliases under which extractors report it.
//
// A Catalog is built once at startup and is read-only afterwards, so a single
// instance is shared by every normalizer in the process.
//
// Usage:
//
//	cat := catalog.LoadOrEmpty("config/standard-metadata-names.yaml", logger)
//	canon, ok := cat.Canonical("dc:creator") // "Author", true
package catalog

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmptyEntry is returned when a catalog key has no names.
	ErrEmptyEntry = errors.New("catalog: entry has no canonical name")
	// ErrDuplicateCanonical is returned when two keys declare the same canonical name.
	ErrDuplicateCanonical = errors.New("catalog: duplicate canonical name")
	// ErrAmbiguousAlias is returned when one alias is claimed by two canonical names.
	ErrAmbiguousAlias = errors.New("catalog: alias maps to more than one canonical name")
	// ErrAliasCycle is returned when following aliases loops back on itself.
	ErrAliasCycle = errors.New("catalog: alias cycle")
	// ErrAliasChain is returned when an alias names another canonical field,
	// which would make alias resolution take more than one step.
	ErrAliasChain = errors.New("catalog: alias resolves to a field that is itself an alias")
)

// Catalog maps canonical field names to their aliases and back.
type Catalog struct {
	names   []string            // canonical names in key order
	aliases map[string][]string // canonical -> aliases (without itself)
	index   map[string]string   // alias -> canonical
}

// Empty returns a catalog with no fields. Normalizers built on it only carry
// ad hoc fields.
func Empty() *Catalog {
	return &Catalog{
		aliases: map[string][]string{},
		index:   map[string]string{},
	}
}

// New builds a catalog from key -> names entries. Keys are sorted to fix the
// field order; the first name of each entry is canonical and the remaining
// names are its aliases. The alias graph is validated: canonical names must
// be unique, each alias must resolve to exactly one canonical name, and no
// alias may lead to another alias.
func New(entries map[string][]string) (*Catalog, error) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := Empty()
	seen := make(map[string]string, len(keys))
	for _, k := range keys {
		names := entries[k]
		if len(names) == 0 || names[0] == "" {
			return nil, fmt.Errorf("%w: key %q", ErrEmptyEntry, k)
		}
		canon := names[0]
		if prev, dup := seen[canon]; dup {
			return nil, fmt.Errorf("%w: %q under keys %q and %q", ErrDuplicateCanonical, canon, prev, k)
		}
		seen[canon] = k
		c.names = append(c.names, canon)

		var list []string
		for _, alias := range names[1:] {
			if alias == "" || alias == canon {
				continue
			}
			if other, taken := c.index[alias]; taken {
				if other == canon {
					continue
				}
				return nil, fmt.Errorf("%w: %q claimed by %q and %q", ErrAmbiguousAlias, alias, other, canon)
			}
			c.index[alias] = canon
			list = append(list, alias)
		}
		c.aliases[canon] = list
	}

	if err := c.validateGraph(); err != nil {
		return nil, err
	}
	return c, nil
}

// validateGraph rejects cycles first, then any remaining multi-step chains,
// then names that are both canonical and an alias.
func (c *Catalog) validateGraph() error {
	for alias := range c.index {
		visited := map[string]bool{alias: true}
		cur := alias
		for {
			next, ok := c.index[cur]
			if !ok {
				break
			}
			if visited[next] {
				return fmt.Errorf("%w: starting at %q", ErrAliasCycle, alias)
			}
			visited[next] = true
			cur = next
		}
	}
	for alias, canon := range c.index {
		if _, ok := c.index[canon]; ok {
			return fmt.Errorf("%w: %q -> %q -> %q", ErrAliasChain, alias, canon, c.index[canon])
		}
	}
	for alias, canon := range c.index {
		if _, ok := c.aliases[alias]; ok {
			return fmt.Errorf("%w: %q is canonical and an alias of %q", ErrAmbiguousAlias, alias, canon)
		}
	}
	return nil
}

// Names returns the canonical names in field order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Len returns the number of canonical fields.
func (c *Catalog) Len() int { return len(c.names) }

// AliasCount returns the number of entries in the alias index.
func (c *Catalog) AliasCount() int { return len(c.index) }

// Canonical returns the canonical name an alias folds into.
func (c *Catalog) Canonical(alias string) (string, bool) {
	canon, ok := c.index[alias]
	return canon, ok
}

// IsCanonical reports whether name is a canonical field.
func (c *Catalog) IsCanonical(name string) bool {
	_, ok := c.aliases[name]
	return ok
}

// Aliases returns the aliases of a canonical field.
func (c *Catalog) Aliases(canon string) []string {
	list := c.aliases[canon]
	out := make([]string, len(list))
	copy(out, list)
	return out
}
