package emit

import (
	"github.com/hazyhaar/ediscovery/normalize"
)

// Field names added by the sink.
const (
	FieldException    = "processing_exception"
	FieldOriginalPath = "original_path"
	FieldPDFImage     = "pdf_image"
)

// Record is one emitted result: a leaf document or a degraded stand-in.
type Record struct {
	Key      string           `cbor:"1,keyasint" json:"key"`
	Unit     string           `cbor:"2,keyasint,omitempty" json:"unit,omitempty"`
	Root     string           `cbor:"3,keyasint" json:"root"`
	Path     string           `cbor:"4,keyasint" json:"path"`
	Fields   normalize.Fields `cbor:"5,keyasint" json:"fields"`
	Degraded bool             `cbor:"6,keyasint,omitempty" json:"degraded,omitempty"`

	// Source is the staged file the key and rendering are computed from.
	// It does not leave the process.
	Source string `cbor:"-" json:"-"`
}

// Exception returns the processing exception of a degraded record.
func (r Record) Exception() string {
	v, _ := r.Fields.Get(FieldException)
	return v
}

// degrade turns r into a degraded record carrying only the error and the
// root path.
func degrade(r Record, msg string) Record {
	return Record{
		Key:      r.Key,
		Unit:     r.Unit,
		Root:     r.Root,
		Path:     r.Path,
		Degraded: true,
		Fields: normalize.Fields{
			{Name: FieldException, Value: msg},
			{Name: FieldOriginalPath, Value: r.Root},
		},
	}
}
