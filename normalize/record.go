// Package normalize accumulates one document's metadata into the canonical
// column layout of a catalog and renders it as delimited export lines.
//
// A Record keeps two parallel slices, headers and values, that always have
// the same length and order. The catalog's canonical fields occupy the first
// slots; any other field name reported by an extractor is appended after
// them. Setting a known alias also sets its canonical field, so both the raw
// and the canonical names stay retrievable.
//
// One Record is reused across the documents of a processing unit: Reinit
// clears values but keeps the header layout and the catalog.
package normalize

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/ediscovery/catalog"
)

// Mode selects which slots are exported.
type Mode int

const (
	// Standard exports only the catalog's canonical slots.
	Standard Mode = iota
	// All exports every slot, including ad hoc fields.
	All
)

func (m Mode) String() string {
	if m == All {
		return "all"
	}
	return "standard"
}

// ParseMode maps "standard" / "all" (case-insensitive) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return Standard, nil
	case "all":
		return All, nil
	default:
		return Standard, fmt.Errorf("normalize: unknown metadata mode %q (use standard or all)", s)
	}
}

// DefaultTextField is the extractor field carrying full document text.
const DefaultTextField = "text"

// Field is one name/value pair in extractor or record order.
type Field struct {
	Name  string `cbor:"1,keyasint" json:"name"`
	Value string `cbor:"2,keyasint" json:"value"`
}

// Fields is an ordered list of pairs.
type Fields []Field

// Get returns the value of the first field named name.
func (fs Fields) Get(name string) (string, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Map returns the pairs as a map; later duplicates win.
func (fs Fields) Map() map[string]string {
	m := make(map[string]string, len(fs))
	for _, f := range fs {
		m[f.Name] = f.Value
	}
	return m
}

// Options configures a Record.
type Options struct {
	// Separator joins exported fields. Default: tab.
	Separator string
	// IncludeText keeps the text field in the record. Default: false, to
	// bound record size.
	IncludeText bool
	// TextField names the field carrying extracted text. Default: "text".
	TextField string
}

func (o *Options) defaults() {
	if o.Separator == "" {
		o.Separator = "\t"
	}
	if o.TextField == "" {
		o.TextField = DefaultTextField
	}
}

// Record is the per-document field accumulator.
type Record struct {
	cat      *catalog.Catalog
	opts     Options
	headers  []string
	values   []string
	slot     map[string]int
	standard int
}

// New creates a Record with one empty slot per canonical field of cat.
func New(cat *catalog.Catalog, opts Options) *Record {
	if cat == nil {
		cat = catalog.Empty()
	}
	opts.defaults()
	r := &Record{
		cat:  cat,
		opts: opts,
		slot: make(map[string]int, cat.Len()),
	}
	for _, name := range cat.Names() {
		r.SetField(name, "")
	}
	r.standard = len(r.headers)
	return r
}

// SetField stores value under name: an existing slot is overwritten (last
// write wins), an unknown name gets a new slot at the tail. When name is an
// alias the canonical field is set to the same value.
func (r *Record) SetField(name, value string) {
	if i, ok := r.slot[name]; ok {
		r.values[i] = value
	} else {
		r.slot[name] = len(r.headers)
		r.headers = append(r.headers, name)
		r.values = append(r.values, value)
	}
	if canon, ok := r.cat.Canonical(name); ok {
		r.SetField(canon, value)
	}
}

// Ingest applies SetField to every pair reported for one document. The text
// field is dropped unless IncludeText is set.
func (r *Record) Ingest(fields Fields) {
	for _, f := range fields {
		if !r.opts.IncludeText && strings.EqualFold(f.Name, r.opts.TextField) {
			continue
		}
		r.SetField(f.Name, f.Value)
	}
}

// Get returns the current value stored under name.
func (r *Record) Get(name string) (string, bool) {
	i, ok := r.slot[name]
	if !ok {
		return "", false
	}
	return r.values[i], true
}

// Len returns the number of slots.
func (r *Record) Len() int { return len(r.headers) }

// StandardLen returns the number of catalog slots fixed at construction.
func (r *Record) StandardLen() int { return r.standard }

// Separator returns the configured field separator.
func (r *Record) Separator() string { return r.opts.Separator }

// Reinit clears every value, keeping headers and the catalog.
func (r *Record) Reinit() {
	for i := range r.values {
		r.values[i] = ""
	}
}

func (r *Record) width(mode Mode) int {
	if mode == All || r.standard > len(r.headers) {
		return len(r.headers)
	}
	return r.standard
}

// Headers returns the header names exported in mode.
func (r *Record) Headers(mode Mode) []string {
	out := make([]string, r.width(mode))
	copy(out, r.headers)
	return out
}

// Values returns the values exported in mode, aligned with Headers(mode).
func (r *Record) Values(mode Mode) []string {
	out := make([]string, r.width(mode))
	copy(out, r.values)
	return out
}

// Fields returns the exported slots as ordered pairs, unsanitized.
func (r *Record) Fields(mode Mode) Fields {
	n := r.width(mode)
	out := make(Fields, n)
	for i := 0; i < n; i++ {
		out[i] = Field{Name: r.headers[i], Value: r.values[i]}
	}
	return out
}

// Line renders the values of mode as one sanitized delimited line.
func (r *Record) Line(mode Mode) string {
	return r.join(r.values[:r.width(mode)])
}

// HeaderLine renders the headers of mode with the same ordering and
// separator as Line.
func (r *Record) HeaderLine(mode Mode) string {
	return r.join(r.headers[:r.width(mode)])
}

func (r *Record) join(items []string) string {
	var sb strings.Builder
	for i, s := range items {
		if i > 0 {
			sb.WriteString(r.opts.Separator)
		}
		sb.WriteString(Sanitize(s, r.opts.Separator))
	}
	return sb.String()
}
