package docpipe

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// maxXMLDepth bounds element nesting in document package parts.
const maxXMLDepth = 256

var errXMLTooDeep = fmt.Errorf("xml nesting depth exceeds %d", maxXMLDepth)

// depthDecoder is an xml.Decoder that fails once nesting passes maxXMLDepth.
type depthDecoder struct {
	*xml.Decoder
	depth int
}

func newDepthDecoder(r io.Reader) *depthDecoder {
	return &depthDecoder{Decoder: xml.NewDecoder(r)}
}

func (d *depthDecoder) next() (xml.Token, error) {
	tok, err := d.Token()
	if err != nil {
		return nil, err
	}
	switch tok.(type) {
	case xml.StartElement:
		d.depth++
		if d.depth > maxXMLDepth {
			return nil, errXMLTooDeep
		}
	case xml.EndElement:
		d.depth--
	}
	return tok, nil
}

// stop reports whether a decode loop should end, and the error to return.
// Malformed trailing XML ends the loop quietly; excessive nesting fails.
func stop(err error) (bool, error) {
	if errors.Is(err, errXMLTooDeep) {
		return true, err
	}
	return err != nil, nil
}
