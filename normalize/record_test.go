package normalize

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/hazyhaar/ediscovery/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(map[string][]string{
		"A": {"A", "A1", "A2"},
		"B": {"B", "B1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNew_StandardSlots(t *testing.T) {
	r := New(testCatalog(t), Options{})
	if r.Len() != 2 || r.StandardLen() != 2 {
		t.Fatalf("Len=%d StandardLen=%d, want 2/2", r.Len(), r.StandardLen())
	}
	if got := r.HeaderLine(Standard); got != "A\tB" {
		t.Errorf("HeaderLine = %q", got)
	}
	if got := r.Line(Standard); got != "\t" {
		t.Errorf("Line of empty record = %q", got)
	}
}

func TestSetField_AliasFoldsIntoCanonical(t *testing.T) {
	r := New(testCatalog(t), Options{})
	r.SetField("A1", "x")

	fields := r.Fields(All)
	got, ok := fields.Get("A")
	if !ok || got != "x" {
		t.Fatalf("canonical A = %q, %v; want x", got, ok)
	}
	raw, ok := r.Get("A1")
	if !ok || raw != "x" {
		t.Fatalf("raw A1 = %q, %v; want x", raw, ok)
	}
	if r.Line(Standard) != "x\t" {
		t.Errorf("Line(Standard) = %q", r.Line(Standard))
	}
}

func TestSetField_LastWriteWins(t *testing.T) {
	r := New(testCatalog(t), Options{})
	r.SetField("B", "first")
	r.SetField("B1", "second")
	if v, _ := r.Get("B"); v != "second" {
		t.Errorf("B = %q, want second", v)
	}
	r.SetField("B", "third")
	if v, _ := r.Get("B"); v != "third" {
		t.Errorf("B = %q, want third", v)
	}
	if v, _ := r.Get("B1"); v != "second" {
		t.Errorf("B1 = %q, want second (raw alias is independent)", v)
	}
}

func TestSetField_LengthsStayEqual(t *testing.T) {
	r := New(testCatalog(t), Options{})
	rng := rand.New(rand.NewSource(1))
	names := []string{"A", "A1", "A2", "B", "B1", "x", "y", "z"}
	for i := 0; i < 500; i++ {
		r.SetField(names[rng.Intn(len(names))], fmt.Sprint(i))
		if len(r.headers) != len(r.values) {
			t.Fatalf("after %d calls: %d headers, %d values", i+1, len(r.headers), len(r.values))
		}
	}
	if len(r.Headers(All)) != len(r.Values(All)) {
		t.Fatal("Headers(All) and Values(All) differ in length")
	}
}

func TestStandardNeverExceedsSchema(t *testing.T) {
	r := New(testCatalog(t), Options{})
	r.Ingest(Fields{{"extra1", "1"}, {"extra2", "2"}, {"A2", "a"}})

	if n := len(r.Headers(Standard)); n != 2 {
		t.Fatalf("standard headers = %d, want 2", n)
	}
	if n := strings.Count(r.Line(Standard), "\t"); n != 1 {
		t.Fatalf("standard line has %d separators, want 1", n)
	}
	if got := r.HeaderLine(All); got != "A\tB\textra1\textra2\tA2" {
		t.Errorf("HeaderLine(All) = %q", got)
	}
	if got := r.Line(All); got != "a\t\t1\t2\ta" {
		t.Errorf("Line(All) = %q", got)
	}
}

func TestIngest_TextField(t *testing.T) {
	fields := Fields{{"text", "full body"}, {"B1", "b"}}

	r := New(testCatalog(t), Options{})
	r.Ingest(fields)
	if _, ok := r.Get("text"); ok {
		t.Error("text must be dropped by default")
	}

	r = New(testCatalog(t), Options{IncludeText: true})
	r.Ingest(fields)
	if v, _ := r.Get("text"); v != "full body" {
		t.Errorf("text = %q with IncludeText", v)
	}
}

func TestReinit(t *testing.T) {
	r := New(testCatalog(t), Options{Separator: "|"})
	r.Ingest(Fields{{"A1", "a"}, {"adhoc", "v"}})
	before := r.HeaderLine(All)

	r.Reinit()
	if r.HeaderLine(All) != before {
		t.Errorf("headers changed: %q -> %q", before, r.HeaderLine(All))
	}
	if got := r.Line(All); got != "|||" {
		t.Errorf("Line after Reinit = %q", got)
	}
	if r.StandardLen() != 2 {
		t.Errorf("StandardLen = %d", r.StandardLen())
	}
}

func TestHeaderAndValueLinesAlign(t *testing.T) {
	r := New(testCatalog(t), Options{Separator: ","})
	r.Ingest(Fields{{"note", "a,b\nc"}, {"A", "é"}})
	for _, mode := range []Mode{Standard, All} {
		h := strings.Split(r.HeaderLine(mode), ",")
		v := strings.Split(r.Line(mode), ",")
		if len(h) != len(v) {
			t.Errorf("%s: %d headers vs %d values", mode, len(h), len(v))
		}
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": Standard, "standard": Standard, "ALL": All} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("some"); err == nil {
		t.Error("expected error")
	}
}

func TestEmptyCatalog(t *testing.T) {
	r := New(nil, Options{})
	r.SetField("x", "1")
	if r.Line(Standard) != "" || r.Line(All) != "1" {
		t.Errorf("Standard=%q All=%q", r.Line(Standard), r.Line(All))
	}
}
