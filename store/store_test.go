package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/ediscovery/catalog"
	"github.com/hazyhaar/ediscovery/dbopen"
	"github.com/hazyhaar/ediscovery/emit"
	"github.com/hazyhaar/ediscovery/normalize"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(dbopen.OpenMemory(t), Options{})
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func leaf(key, root, path string, fields ...string) emit.Record {
	var fs normalize.Fields
	for i := 0; i+1 < len(fields); i += 2 {
		fs = append(fs, normalize.Field{Name: fields[i], Value: fields[i+1]})
	}
	return emit.Record{Key: key, Root: root, Path: path, Fields: fs}
}

func degradedRec(key, root, path, msg string) emit.Record {
	return emit.Record{Key: key, Root: root, Path: path, Degraded: true, Fields: normalize.Fields{
		{Name: emit.FieldException, Value: msg},
		{Name: emit.FieldOriginalPath, Value: root},
	}}
}

func TestWrite_CollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, rec := range []emit.Record{
		leaf("aaaa", "/in/a.zip", "x.txt"),
		leaf("aaaa", "/in/b.zip", "copy/x.txt"),
		leaf("bbbb", "/in/a.zip", "y.txt"),
	} {
		if err := s.Write(ctx, rec.Key, rec); err != nil {
			t.Fatal(err)
		}
		s.Progress()
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Documents != 2 || st.Duplicates != 1 || st.Degraded != 0 || st.Roots != 1 {
		t.Fatalf("stats = %+v", st)
	}
	locs, err := s.Locations(ctx, "aaaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 2 || locs[0].Path != "x.txt" || locs[1].Path != "copy/x.txt" {
		t.Fatalf("locations = %+v", locs)
	}
	if s.Progressed() != 3 || s.LastProgress().IsZero() {
		t.Errorf("progress = %d at %v", s.Progressed(), s.LastProgress())
	}
}

func TestWrite_SameLocationTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := leaf("aaaa", "/in/a.zip", "x.txt")
	for i := 0; i < 3; i++ {
		if err := s.Write(ctx, rec.Key, rec); err != nil {
			t.Fatal(err)
		}
	}
	st, _ := s.Stats(ctx)
	if st.Documents != 1 || st.Duplicates != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWrite_DegradedNeverCollapsed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, p := range []string{"bad1.zip", "bad2.zip"} {
		rec := degradedRec("rootkey", "/in/root.zip", p, "open "+p+": corrupt")
		if err := s.Write(ctx, rec.Key, rec); err != nil {
			t.Fatal(err)
		}
	}
	st, _ := s.Stats(ctx)
	if st.Degraded != 2 || st.Duplicates != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEach_RoundTripsRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	in := leaf("k1", "/in/a.zip", "memo.docx", "Title", "Memo", "dc:creator", "Jane")
	in.Unit = "unit-1"
	if err := s.Write(ctx, "k1", in); err != nil {
		t.Fatal(err)
	}
	var got []emit.Record
	if err := s.Each(ctx, func(r emit.Record) error { got = append(got, r); return nil }); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d", len(got))
	}
	if got[0].Unit != "unit-1" || got[0].Path != "memo.docx" {
		t.Errorf("record = %+v", got[0])
	}
	if v, _ := got[0].Fields.Get("dc:creator"); v != "Jane" {
		t.Errorf("dc:creator = %q", v)
	}
}

func TestExport_HeaderUnionAndAlignment(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cat, err := catalog.New(map[string][]string{
		"01": {"Title", "dc:title"},
		"02": {"Source Path", emit.FieldOriginalPath},
		"03": {"Processing Exception", emit.FieldException},
	})
	if err != nil {
		t.Fatal(err)
	}

	recs := []emit.Record{
		leaf("k1", "/in/a.zip", "a.txt", "dc:title", "First", "pages", "3"),
		leaf("k2", "/in/a.zip", "b.txt", "dc:title", "Sec\tond", "author", "Bob"),
		degradedRec("k3", "/in/a.zip", "c.zip", "bad archive"),
	}
	for _, r := range recs {
		if err := s.Write(ctx, r.Key, r); err != nil {
			t.Fatal(err)
		}
	}

	out := filepath.Join(t.TempDir(), "export", "load.tsv")
	n, err := s.Export(ctx, out, ExportOptions{Catalog: cat, Mode: normalize.All})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("lines = %d", n)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("file lines = %d:\n%s", len(lines), data)
	}
	header := strings.Split(lines[0], "\t")
	for _, l := range lines[1:] {
		if got := len(strings.Split(l, "\t")); got != len(header) {
			t.Errorf("line has %d columns, header %d: %q", got, len(header), l)
		}
	}
	if header[0] != "Title" || header[1] != "Source Path" || header[2] != "Processing Exception" {
		t.Errorf("standard header = %v", header[:3])
	}
	for _, want := range []string{"pages", "author"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("header missing ad hoc field %q", want)
		}
	}
	if !strings.HasPrefix(lines[1], "First\t") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if strings.Contains(lines[2], "Sec\tond") {
		t.Errorf("separator inside value survived: %q", lines[2])
	}
	deg := strings.Split(lines[3], "\t")
	if deg[1] != "/in/a.zip" || deg[2] != "bad archive" {
		t.Errorf("degraded line = %q", lines[3])
	}

	matches, _ := filepath.Glob(out + ".tmp-*")
	if len(matches) != 0 {
		t.Errorf("temporary files left: %v", matches)
	}
}

func TestExport_StandardMode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cat, _ := catalog.New(map[string][]string{"01": {"Title", "dc:title"}})
	rec := leaf("k1", "/r", "a", "dc:title", "T", "extra", "x")
	if err := s.Write(ctx, "k1", rec); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "load.csv")
	if _, err := s.Export(ctx, out, ExportOptions{Catalog: cat, Mode: normalize.Standard, Separator: ","}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "Title\nT\n" {
		t.Fatalf("export = %q", data)
	}
}

func TestExport_IncludeText(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := leaf("k1", "/r", "a.txt", "title", "T", "text", "full body")
	if err := s.Write(ctx, "k1", rec); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()

	for _, tt := range []struct {
		include bool
		want    string
	}{
		{false, "title\nT\n"},
		{true, "title\ttext\nT\tfull body\n"},
	} {
		out := filepath.Join(dir, fmt.Sprintf("load-%v.tsv", tt.include))
		opts := ExportOptions{Catalog: catalog.Empty(), Mode: normalize.All, IncludeText: tt.include}
		if _, err := s.Export(ctx, out, opts); err != nil {
			t.Fatal(err)
		}
		data, _ := os.ReadFile(out)
		if string(data) != tt.want {
			t.Errorf("IncludeText=%v: export = %q, want %q", tt.include, data, tt.want)
		}
	}
}

func TestOpen_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	s, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}
