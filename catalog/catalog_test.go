package catalog

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNew_AliasIndex(t *testing.T) {
	c, err := New(map[string][]string{
		"A": {"A", "A1", "A2"},
		"B": {"B", "B1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if c.AliasCount() != 3 {
		t.Errorf("AliasCount = %d, want 3", c.AliasCount())
	}
	for alias, want := range map[string]string{"A1": "A", "A2": "A", "B1": "B"} {
		got, ok := c.Canonical(alias)
		if !ok || got != want {
			t.Errorf("Canonical(%q) = %q, %v; want %q", alias, got, ok, want)
		}
	}
	if _, ok := c.Canonical("A"); ok {
		t.Error("canonical name must not appear in the alias index")
	}
}

func TestNew_KeyOrder(t *testing.T) {
	c, err := New(map[string][]string{
		"metadata_02": {"Second"},
		"metadata_10": {"Third"},
		"metadata_01": {"First"},
	})
	if err != nil {
		t.Fatal(err)
	}
	names := c.Names()
	want := []string{"First", "Second", "Third"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names = %v, want %v", names, want)
		}
	}
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string][]string
		want    error
	}{
		{"empty entry", map[string][]string{"k": {}}, ErrEmptyEntry},
		{"duplicate canonical", map[string][]string{"k1": {"A"}, "k2": {"A", "x"}}, ErrDuplicateCanonical},
		{"ambiguous alias", map[string][]string{"k1": {"A", "x"}, "k2": {"B", "x"}}, ErrAmbiguousAlias},
		{"cycle", map[string][]string{"k1": {"A", "B"}, "k2": {"B", "A"}}, ErrAliasCycle},
		{"chain", map[string][]string{"k1": {"A", "B"}, "k2": {"C", "A"}}, ErrAliasChain},
		{"canonical also alias", map[string][]string{"A": {"A", "B"}, "B": {"B"}}, ErrAmbiguousAlias},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.entries)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNew_SelfAliasIgnored(t *testing.T) {
	c, err := New(map[string][]string{"k": {"A", "A", "A1", "A1"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.AliasCount() != 1 {
		t.Fatalf("AliasCount = %d, want 1", c.AliasCount())
	}
	if got := c.Aliases("A"); len(got) != 1 || got[0] != "A1" {
		t.Fatalf("Aliases(A) = %v", got)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.Len() == 0 {
		t.Fatal("default catalog is empty")
	}
	if got, _ := c.Canonical("dc:creator"); got != "Author" {
		t.Errorf("Canonical(dc:creator) = %q, want Author", got)
	}
	if got, _ := c.Canonical("processing_exception"); got != "Processing Exception" {
		t.Errorf("Canonical(processing_exception) = %q", got)
	}
}

func TestLoad_Formats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"cat.yaml": "b: [B, B1]\na: [A, A1, A2]\n",
		"cat.jsonc": `{
			// comment
			"a": ["A", "A1", "A2"],
			"b": "B, B1",
		}`,
		"cat.properties": "# standard names\na = A, A1, A2\nb: B,B1\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		c, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if c.Len() != 2 || c.AliasCount() != 3 {
			t.Errorf("%s: Len=%d AliasCount=%d, want 2/3", name, c.Len(), c.AliasCount())
		}
		if names := c.Names(); names[0] != "A" || names[1] != "B" {
			t.Errorf("%s: Names = %v", name, names)
		}
	}
}

func TestLoadOrEmpty_Failure(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	c := LoadOrEmpty(filepath.Join(t.TempDir(), "missing.yaml"), logger)
	if c.Len() != 0 || c.AliasCount() != 0 {
		t.Fatalf("expected empty catalog, got %d fields", c.Len())
	}
	if !bytes.Contains(logs.Bytes(), []byte("metadata catalog unavailable")) {
		t.Errorf("failure not logged: %s", logs.String())
	}

	path := filepath.Join(t.TempDir(), "cycle.yaml")
	os.WriteFile(path, []byte("a: [A, B]\nb: [B, A]\n"), 0o644)
	if c := LoadOrEmpty(path, logger); c.Len() != 0 {
		t.Fatal("malformed catalog must fall back to empty")
	}
}
