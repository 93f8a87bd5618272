package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a technique knowledge base
type File struct {
	Version    string      `yaml:"version"`
	Tactics    []Tactic    `yaml:"tactics"`
	Techniques []Technique `yaml:"techniques"`
}

// LoadFile loads a catalog from a YAML knowledge base file.
// When the file omits the tactic table the default tactics are used.
func LoadFile(path string) (*Catalog, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported catalog file extension: %s", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	return Parse(data)
}

// Parse builds a catalog from YAML bytes
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	if f.Version == "" {
		return nil, &ValidationError{Field: "version", Message: "catalog version is required"}
	}

	tactics := f.Tactics
	if len(tactics) == 0 {
		tactics = DefaultTactics
	}

	c, err := New(f.Version, tactics, f.Techniques)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", f.Version, err)
	}
	return c, nil
}
