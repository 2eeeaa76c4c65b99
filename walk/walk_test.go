package walk_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/hazyhaar/ediscovery/container"
	"github.com/hazyhaar/ediscovery/container/containertest"
	"github.com/hazyhaar/ediscovery/dispatch"
	"github.com/hazyhaar/ediscovery/emit"
	"github.com/hazyhaar/ediscovery/probe"
	"github.com/hazyhaar/ediscovery/stage"
	"github.com/hazyhaar/ediscovery/walk"
)

type harness struct {
	opener *container.Opener
	arena  *stage.Arena
	out    *emit.Memory
	sink   *emit.Sink
	walker *walk.Walker
	leaves []string
	// failLeaf makes the leaf handler fail for matching paths.
	failLeaf string
}

func newHarness(t *testing.T, opts walk.Options) *harness {
	t.Helper()
	h := &harness{opener: container.NewOpener(), out: &emit.Memory{}}
	arena, err := stage.NewArena(t.TempDir(), "unit-test", stage.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { arena.Close() })
	h.arena = arena
	h.sink = emit.NewSink(probe.CapabilityConcurrent, h.out)

	leaf := dispatch.LeafFunc(func(ctx context.Context, l dispatch.Leaf) error {
		h.leaves = append(h.leaves, l.RelPath)
		if h.failLeaf != "" && strings.Contains(l.RelPath, h.failLeaf) {
			return errors.New("extractor crashed")
		}
		return h.sink.Emit(ctx, emit.Record{Path: l.RelPath, Source: l.File.Path})
	})
	disp := dispatch.New(leaf, dispatch.WithOpener(h.opener))
	if opts.Unit == "" {
		opts.Unit = "unit-test"
	}
	h.walker = walk.New(h.opener, arena, disp, h.sink, opts)
	return h
}

func (h *harness) degraded() []emit.Record {
	var out []emit.Record
	for _, r := range h.out.Records() {
		if r.Degraded {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	if s := h.opener.Stats(); s.Active != 0 || s.Mounts != s.Unmounts {
		t.Errorf("mount leak: %+v", s)
	}
	if n := h.arena.Live(); n != 0 {
		t.Errorf("%d scratch slots left", n)
	}
}

func TestWalk_Depth3(t *testing.T) {
	data, want := containertest.Depth3(t)
	root := containertest.Write(t, t.TempDir(), "custodian_box.zip", data)
	h := newHarness(t, walk.Options{})

	res, err := h.walker.Walk(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(h.leaves)
	if strings.Join(h.leaves, "|") != strings.Join(want, "|") {
		t.Errorf("leaves = %v, want %v", h.leaves, want)
	}
	if res.Leaves != 2 || res.Nested != 2 || res.Errors != 0 || res.Degraded != 0 {
		t.Errorf("result = %+v", res)
	}
	// root zip, inner zip, mbox: one mount/unmount pair per level.
	if s := h.opener.Stats(); s.Mounts != 3 || s.Unmounts != 3 {
		t.Errorf("stats = %+v", s)
	}
	h.assertReleased(t)
	if len(h.out.Records()) != 2 {
		t.Errorf("records = %d", len(h.out.Records()))
	}
}

func TestWalk_CorruptMember(t *testing.T) {
	corrupt := []byte("PK\x03\x04 definitely not a zip archive")
	root := containertest.Write(t, t.TempDir(), "r.zip",
		containertest.ZipBytes(t, containertest.Member{Name: "nested/bad.zip", Data: corrupt}))
	h := newHarness(t, walk.Options{})

	res, err := h.walker.Walk(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	deg := h.degraded()
	if len(h.out.Records()) != 1 || len(deg) != 1 {
		t.Fatalf("records=%d degraded=%d", len(h.out.Records()), len(deg))
	}
	if deg[0].Root != root {
		t.Errorf("degraded root = %q", deg[0].Root)
	}
	if v, _ := deg[0].Fields.Get(emit.FieldOriginalPath); v != root {
		t.Errorf("original_path = %q, want %q", v, root)
	}
	if !strings.Contains(deg[0].Exception(), "nested/bad.zip") {
		t.Errorf("exception = %q", deg[0].Exception())
	}
	if len(h.leaves) != 0 || res.Aborted {
		t.Errorf("leaves=%v result=%+v", h.leaves, res)
	}
	h.assertReleased(t)
}

func TestWalk_CorruptMemberSiblingsContinue(t *testing.T) {
	root := containertest.Write(t, t.TempDir(), "r.zip", containertest.ZipBytes(t,
		containertest.File("a.txt", "alpha"),
		containertest.Member{Name: "bad.zip", Data: []byte("PK\x03\x04junk")},
		containertest.File("b.txt", "beta"),
	))
	h := newHarness(t, walk.Options{})
	res, err := h.walker.Walk(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if res.Leaves != 2 || res.Errors != 1 || len(h.degraded()) != 1 || len(h.out.Records()) != 3 {
		t.Errorf("result = %+v, records = %d", res, len(h.out.Records()))
	}
	h.assertReleased(t)
}

func TestWalk_RootMountFailure(t *testing.T) {
	root := containertest.Write(t, t.TempDir(), "broken.zip", []byte("PK\x03\x04 truncated"))
	h := newHarness(t, walk.Options{Distributed: true})

	res, err := h.walker.Walk(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted || len(h.out.Records()) != 1 || len(h.degraded()) != 1 {
		t.Errorf("result = %+v, records = %d", res, len(h.out.Records()))
	}
	if _, err := os.Stat(root); err != nil {
		t.Error("aborted root deleted")
	}
	h.assertReleased(t)
}

func TestWalk_MissingRoot(t *testing.T) {
	h := newHarness(t, walk.Options{})
	res, err := h.walker.Walk(context.Background(), filepath.Join(t.TempDir(), "nope.zip"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted || len(h.degraded()) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestWalk_EmptyRootStillEmits(t *testing.T) {
	root := containertest.Write(t, t.TempDir(), "empty.zip", containertest.ZipBytes(t))
	h := newHarness(t, walk.Options{})
	if _, err := h.walker.Walk(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	deg := h.degraded()
	if len(deg) != 1 || !strings.Contains(deg[0].Exception(), "no documents found") {
		t.Errorf("degraded = %+v", deg)
	}
}

func TestWalk_ZeroByteMemberSkipped(t *testing.T) {
	root := containertest.Write(t, t.TempDir(), "r.zip", containertest.ZipBytes(t,
		containertest.File("empty.zip", ""),
		containertest.File("doc.txt", "text"),
	))
	h := newHarness(t, walk.Options{})
	res, err := h.walker.Walk(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || res.Leaves != 1 || res.Errors != 0 {
		t.Errorf("result = %+v", res)
	}
	h.assertReleased(t)
}

func TestWalk_MaxDepth(t *testing.T) {
	data, _ := containertest.Depth3(t)
	root := containertest.Write(t, t.TempDir(), "r.zip", data)
	h := newHarness(t, walk.Options{MaxDepth: 1})

	res, err := h.walker.Walk(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	deg := h.degraded()
	if len(h.leaves) != 0 || len(deg) != 1 || !strings.Contains(deg[0].Exception(), "maximum nesting depth") {
		t.Errorf("leaves=%v degraded=%+v", h.leaves, deg)
	}
	if s := h.opener.Stats(); s.Mounts != 2 {
		t.Errorf("mounts = %d", s.Mounts)
	}
	if res.Errors != 1 {
		t.Errorf("result = %+v", res)
	}
	h.assertReleased(t)
}

func TestWalk_LeafFailureDegradesAndContinues(t *testing.T) {
	root := containertest.Write(t, t.TempDir(), "r.tar", containertest.TarBytes(t, container.FormatTar,
		containertest.File("one.txt", "1"),
		containertest.File("two.txt", "2"),
		containertest.File("three.txt", "3"),
	))
	h := newHarness(t, walk.Options{})
	h.failLeaf = "two"
	res, err := h.walker.Walk(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.leaves) != 3 || res.Errors != 1 || len(h.degraded()) != 1 || len(h.out.Records()) != 3 {
		t.Errorf("leaves=%v result=%+v records=%d", h.leaves, res, len(h.out.Records()))
	}
}

func TestWalk_DistributedDeletesRoot(t *testing.T) {
	dir := t.TempDir()
	data := containertest.ZipBytes(t, containertest.File("a.txt", "a"))
	local := containertest.Write(t, dir, "local.zip", data)
	dist := containertest.Write(t, dir, "dist.zip", data)

	if _, err := newHarness(t, walk.Options{}).walker.Walk(context.Background(), local); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(local); err != nil {
		t.Error("local mode removed the root")
	}

	res, err := newHarness(t, walk.Options{Distributed: true}).walker.Walk(context.Background(), dist)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dist); !os.IsNotExist(err) || !res.RootDeleted {
		t.Errorf("distributed root kept: %v %+v", err, res)
	}
}

func TestWalk_DirectoryRoot(t *testing.T) {
	dir := t.TempDir()
	containertest.Write(t, dir, "loose.txt", []byte("loose"))
	containertest.Write(t, dir, "sub/bundle.tar.gz", containertest.TarBytes(t, container.FormatTarGz,
		containertest.File("x/y.txt", "y")))
	h := newHarness(t, walk.Options{})
	res, err := h.walker.Walk(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(h.leaves)
	if strings.Join(h.leaves, "|") != "loose.txt|sub/bundle.tar.gz/x/y.txt" {
		t.Errorf("leaves = %v", h.leaves)
	}
	if res.Nested != 1 {
		t.Errorf("result = %+v", res)
	}
	h.assertReleased(t)
}

func TestWalk_DocumentRoot(t *testing.T) {
	root := containertest.Write(t, t.TempDir(), "memo.txt", []byte("just a memo"))
	h := newHarness(t, walk.Options{})
	res, err := h.walker.Walk(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if res.Leaves != 1 || len(h.leaves) != 1 || h.leaves[0] != "memo.txt" {
		t.Errorf("leaves=%v result=%+v", h.leaves, res)
	}
	if _, err := os.Stat(root); err != nil {
		t.Error("document root removed from disk")
	}
}

func TestWalk_Cancelled(t *testing.T) {
	data, _ := containertest.Depth3(t)
	root := containertest.Write(t, t.TempDir(), "r.zip", data)
	h := newHarness(t, walk.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.walker.Walk(ctx, root)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if !res.Aborted || len(h.degraded()) != 1 {
		t.Errorf("result = %+v degraded = %d", res, len(h.degraded()))
	}
	h.assertReleased(t)
}

func TestWalk_EveryRootEmits(t *testing.T) {
	dir := t.TempDir()
	depth3, _ := containertest.Depth3(t)
	roots := []string{
		containertest.Write(t, dir, "ok.zip", depth3),
		containertest.Write(t, dir, "corrupt.zip", []byte("PK\x03\x04??")),
		containertest.Write(t, dir, "empty.zip", containertest.ZipBytes(t)),
		containertest.Write(t, dir, "zero.bin", nil),
		containertest.Write(t, dir, "doc.txt", []byte("x")),
		filepath.Join(dir, "missing.zip"),
	}
	for _, root := range roots {
		h := newHarness(t, walk.Options{})
		if _, err := h.walker.Walk(context.Background(), root); err != nil {
			t.Fatalf("%s: %v", root, err)
		}
		if len(h.out.Records()) == 0 {
			t.Errorf("%s: no record emitted", filepath.Base(root))
		}
		h.assertReleased(t)
	}
}
