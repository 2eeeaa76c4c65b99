package catalog

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

//go:embed default_metadata.yaml
var defaultMetadata []byte

// Default returns the built-in standard metadata catalog.
func Default() *Catalog {
	c, err := ParseYAML(defaultMetadata)
	if err != nil {
		panic("catalog: embedded default is invalid: " + err.Error())
	}
	return c
}

// Load reads a catalog file. The format follows the extension:
// .yaml/.yml, .json/.jsonc, or .properties (key = Canonical,alias,...).
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var c *Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		c, err = ParseYAML(data)
	case ".json", ".jsonc":
		c, err = ParseJSONC(data)
	case ".properties", ".conf", "":
		c, err = ParseProperties(data)
	default:
		return nil, fmt.Errorf("catalog: unsupported catalog format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return c, nil
}

// LoadOrEmpty loads the catalog at path. Any read, parse or validation
// failure is logged and an empty catalog is returned so processing can
// continue with ad hoc fields only. An empty path selects Default.
func LoadOrEmpty(path string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return Default()
	}
	c, err := Load(path)
	if err != nil {
		logger.Error("metadata catalog unavailable, continuing with empty schema", "path", path, "error", err)
		return Empty()
	}
	logger.Info("metadata catalog loaded", "path", path, "fields", c.Len(), "aliases", c.AliasCount())
	return c
}

// nameList accepts either a YAML scalar or a sequence of scalars.
type nameList []string

func (n *nameList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*n = splitNames(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*n = list
		return nil
	default:
		return fmt.Errorf("line %d: expected a name or a list of names", node.Line)
	}
}

// ParseYAML parses a mapping of key -> [Canonical, alias...].
func ParseYAML(data []byte) (*Catalog, error) {
	raw := map[string]nameList{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	entries := make(map[string][]string, len(raw))
	for k, v := range raw {
		entries[k] = v
	}
	return New(entries)
}

// ParseJSONC parses a JSON object with comments and trailing commas allowed.
// Values are either a string ("Canonical,alias") or an array of strings.
func ParseJSONC(data []byte) (*Catalog, error) {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, err
	}
	entries := make(map[string][]string, len(raw))
	for k, v := range raw {
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			entries[k] = list
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, fmt.Errorf("key %q: expected string or array of strings", k)
		}
		entries[k] = splitNames(s)
	}
	return New(entries)
}

// ParseProperties parses Java-style properties lines: "key = a, b, c" or
// "key: a,b". Lines starting with # or ! are comments.
func ParseProperties(data []byte) (*Catalog, error) {
	entries := map[string][]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		sep := strings.IndexAny(line, "=:")
		if sep < 0 {
			return nil, fmt.Errorf("line %d: missing '=' separator", lineNo)
		}
		key := strings.TrimSpace(line[:sep])
		entries[key] = splitNames(line[sep+1:])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return New(entries)
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
