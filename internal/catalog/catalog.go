package catalog

import (
	"fmt"
	"regexp"
)

// Tactic is an adversary's high-level goal
type Tactic struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Technique is a specific method used to achieve a tactic
type Technique struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	TacticID string   `yaml:"tactic" json:"tactic"`
	Patterns []string `yaml:"patterns" json:"patterns"`
}

// Pattern is a compiled technique pattern that remembers its source text
type Pattern struct {
	Source string
	re     *regexp.Regexp
}

// MatchString reports whether text contains a match of the pattern
func (p Pattern) MatchString(text string) bool {
	return p.re.MatchString(text)
}

// Entry is a technique together with its compiled patterns and owning tactic
type Entry struct {
	Technique Technique
	Tactic    Tactic
	Patterns  []Pattern
}

// Catalog is an immutable table of tactics and techniques.
// It is safe for concurrent use once constructed.
type Catalog struct {
	version string
	tactics []Tactic
	byID    map[string]Tactic
	entries []Entry
}

// ValidationError represents a catalog validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// New builds a catalog from tactic and technique tables. Technique order is
// preserved and determines matching order. An empty technique table is valid.
func New(version string, tactics []Tactic, techniques []Technique) (*Catalog, error) {
	c := &Catalog{
		version: version,
		tactics: make([]Tactic, 0, len(tactics)),
		byID:    make(map[string]Tactic, len(tactics)),
		entries: make([]Entry, 0, len(techniques)),
	}

	for i, tactic := range tactics {
		if tactic.ID == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("tactics[%d].id", i), Message: "tactic ID is required"}
		}
		if _, exists := c.byID[tactic.ID]; exists {
			return nil, &ValidationError{Field: fmt.Sprintf("tactics[%d].id", i), Message: "duplicate tactic " + tactic.ID}
		}
		c.byID[tactic.ID] = tactic
		c.tactics = append(c.tactics, tactic)
	}

	seen := make(map[string]bool, len(techniques))
	for i, technique := range techniques {
		field := fmt.Sprintf("techniques[%d]", i)
		if technique.ID == "" {
			return nil, &ValidationError{Field: field + ".id", Message: "technique ID is required"}
		}
		if seen[technique.ID] {
			return nil, &ValidationError{Field: field + ".id", Message: "duplicate technique " + technique.ID}
		}
		seen[technique.ID] = true

		tactic, ok := c.byID[technique.TacticID]
		if !ok {
			return nil, &ValidationError{Field: field + ".tactic", Message: "unknown tactic " + technique.TacticID}
		}

		entry := Entry{
			Technique: technique,
			Tactic:    tactic,
			Patterns:  make([]Pattern, 0, len(technique.Patterns)),
		}
		entry.Technique.Patterns = append([]string(nil), technique.Patterns...)

		for j, src := range technique.Patterns {
			re, err := regexp.Compile("(?i)" + src)
			if err != nil {
				return nil, &ValidationError{
					Field:   fmt.Sprintf("%s.patterns[%d]", field, j),
					Message: fmt.Sprintf("invalid pattern %q: %v", src, err),
				}
			}
			entry.Patterns = append(entry.Patterns, Pattern{Source: src, re: re})
		}

		c.entries = append(c.entries, entry)
	}

	return c, nil
}

// Version returns the knowledge base version the catalog was built from
func (c *Catalog) Version() string {
	return c.version
}

// Tactics returns a copy of the tactic table
func (c *Catalog) Tactics() []Tactic {
	return append([]Tactic(nil), c.tactics...)
}

// Tactic looks up a tactic by ID
func (c *Catalog) Tactic(id string) (Tactic, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// Entries returns the techniques in matching order.
// The returned slice must not be modified.
func (c *Catalog) Entries() []Entry {
	return c.entries
}

// Techniques returns a copy of the technique table in catalog order
func (c *Catalog) Techniques() []Technique {
	out := make([]Technique, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Technique)
	}
	return out
}

// DistinctTactics returns how many tactics own at least one technique
func (c *Catalog) DistinctTactics() int {
	owned := make(map[string]bool)
	for _, e := range c.entries {
		owned[e.Tactic.ID] = true
	}
	return len(owned)
}
