package emit

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): the same record
// always produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown keys so older consumers can read newer payloads.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("emit: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("emit: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes rec as a deterministic CBOR payload. Source is not
// encoded.
func Marshal(rec Record) ([]byte, error) {
	b, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("emit: marshal %s: %w", rec.Key, err)
	}
	return b, nil
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal(data []byte) (Record, error) {
	var rec Record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("emit: unmarshal: %w", err)
	}
	return rec, nil
}

// Diagnose returns the CBOR diagnostic notation of a payload.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
