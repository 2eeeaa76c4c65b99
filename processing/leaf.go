package processing

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/ediscovery/dispatch"
	"github.com/hazyhaar/ediscovery/emit"
	"github.com/hazyhaar/ediscovery/normalize"
)

// Field names set by the leaf handler, folded by the default catalog.
const (
	FieldCustodian = "custodian"
	FieldFileName  = "file_name"
	FieldDedupKey  = "dedup_key"
	FieldMIMEType  = "mime_type"
)

// leafHandler turns the leaves of one unit into records. It reuses one
// normalize.Record for the whole unit and is not safe for concurrent use,
// which matches the sequential walk.
type leafHandler struct {
	p         *Processor
	unit      string
	root      string
	custodian string
	rec       *normalize.Record
	sink      *emit.Sink
}

func newLeafHandler(p *Processor, unit, root string, sink *emit.Sink) *leafHandler {
	return &leafHandler{
		p:         p,
		unit:      unit,
		root:      root,
		custodian: Custodian(root),
		rec: normalize.New(p.cat, normalize.Options{
			Separator:   p.cfg.Metadata.Separator,
			IncludeText: p.cfg.Metadata.IncludeText,
		}),
		sink: sink,
	}
}

// HandleLeaf implements dispatch.LeafHandler. An extraction or digest
// failure is returned so the walker degrades the leaf.
func (h *leafHandler) HandleLeaf(ctx context.Context, leaf dispatch.Leaf) error {
	key, err := emit.DigestFile(leaf.File.Path, h.p.algo)
	if err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	doc, err := h.p.pipe.ExtractLeaf(ctx, leaf.File.Path, leaf.Signature.Magic)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	h.rec.Reinit()
	h.rec.Ingest(doc.Fields(normalize.DefaultTextField))
	h.rec.SetField(FieldDedupKey, key)
	h.rec.SetField(FieldFileName, path.Base(leaf.RelPath))
	h.rec.SetField(FieldCustodian, h.custodian)
	h.rec.SetField(emit.FieldOriginalPath, SourcePath(h.root, leaf.RelPath))
	if leaf.Signature.MIME != "" {
		h.rec.SetField(FieldMIMEType, leaf.Signature.MIME)
	}

	return h.sink.Emit(ctx, emit.Record{
		Key:    key,
		Unit:   h.unit,
		Root:   h.root,
		Path:   leaf.RelPath,
		Fields: h.rec.Fields(h.p.mode),
		Source: leaf.File.Path,
	})
}

// Custodian is the part of the root file name before the first underscore,
// or the whole base name without extension when there is none.
func Custodian(root string) string {
	base := filepath.Base(root)
	if i := strings.IndexByte(base, '_'); i > 0 {
		return base[:i]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SourcePath is the location of a leaf: the root path followed by the
// path inside it.
func SourcePath(root, rel string) string {
	root = filepath.ToSlash(root)
	if rel == "" || rel == path.Base(root) {
		return root
	}
	return root + "/" + rel
}
