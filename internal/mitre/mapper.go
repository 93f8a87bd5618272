package mitre

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bashSunny101/VulnServer/internal/catalog"
	"github.com/bashSunny101/VulnServer/internal/model"
)

// NoActivityNarrative is rendered for an empty attack chain
const NoActivityNarrative = "No significant attack activity detected."

// maxEvidenceRunes bounds the payload text carried on a chain step
const maxEvidenceRunes = 100

// TechniqueMatch records a technique matched on a single event
type TechniqueMatch struct {
	TechniqueID    string `json:"technique_id"`
	TechniqueName  string `json:"technique_name"`
	TacticID       string `json:"tactic_id"`
	TacticName     string `json:"tactic_name"`
	MatchedPattern string `json:"matched_pattern"`
}

// Mapping is the result of mapping one event
type Mapping struct {
	Tactics    []string         `json:"tactics"`
	Techniques []string         `json:"techniques"`
	Details    []TechniqueMatch `json:"technique_details"`
}

// ChainStep is the first observation of a tactic in an event sequence
type ChainStep struct {
	TacticID    string    `json:"tactic_id"`
	Tactic      string    `json:"tactic"`
	TechniqueID string    `json:"technique_id"`
	Technique   string    `json:"technique"`
	Timestamp   time.Time `json:"timestamp"`
	Evidence    string    `json:"evidence,omitempty"`
}

// Mapper maps events onto a technique catalog.
// It holds no mutable state and is safe for concurrent use.
type Mapper struct {
	catalog *catalog.Catalog
}

// NewMapper creates a mapper over the given catalog
func NewMapper(c *catalog.Catalog) *Mapper {
	return &Mapper{catalog: c}
}

// Catalog returns the catalog the mapper matches against
func (m *Mapper) Catalog() *catalog.Catalog {
	return m.catalog
}

// MapEvent matches the event's identifier, command and alert text against
// every technique in catalog order. A technique is recorded at most once,
// on its first matching pattern; a tactic is recorded once per event.
func (m *Mapper) MapEvent(ev *model.Event) Mapping {
	mapped := Mapping{
		Tactics:    []string{},
		Techniques: []string{},
		Details:    []TechniqueMatch{},
	}
	if ev == nil || m.catalog == nil {
		return mapped
	}

	text := strings.ToLower(ev.EventID + " " + ev.Input + " " + ev.AlertMsg)
	seenTactics := make(map[string]bool)

	for _, entry := range m.catalog.Entries() {
		for _, pattern := range entry.Patterns {
			if !pattern.MatchString(text) {
				continue
			}

			mapped.Techniques = append(mapped.Techniques, entry.Technique.ID)
			if !seenTactics[entry.Tactic.ID] {
				seenTactics[entry.Tactic.ID] = true
				mapped.Tactics = append(mapped.Tactics, entry.Tactic.ID)
			}
			mapped.Details = append(mapped.Details, TechniqueMatch{
				TechniqueID:    entry.Technique.ID,
				TechniqueName:  entry.Technique.Name,
				TacticID:       entry.Tactic.ID,
				TacticName:     entry.Tactic.Name,
				MatchedPattern: pattern.Source,
			})
			break
		}
	}

	return mapped
}

// Tag adds the techniques ev matches to ev.MitreTechniques, after any it
// already carries, and returns the mapping
func (m *Mapper) Tag(ev *model.Event) Mapping {
	mapping := m.MapEvent(ev)
	if ev != nil {
		ev.MitreTechniques = mergeTechniques(ev.MitreTechniques, mapping.Techniques)
	}
	return mapping
}

func mergeTechniques(existing, matched []string) []string {
	merged := make([]string, 0, len(existing)+len(matched))
	seen := make(map[string]bool)
	for _, list := range [][]string{existing, matched} {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, id)
		}
	}
	return merged
}

// BuildAttackChain orders events by timestamp and emits one step per newly
// observed tactic. Events without a timestamp sort as earliest; ties keep
// input order.
func (m *Mapper) BuildAttackChain(events []model.Event) []ChainStep {
	chain := []ChainStep{}
	if len(events) == 0 {
		return chain
	}

	sorted := make([]model.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	seenTactics := make(map[string]bool)
	for i := range sorted {
		ev := &sorted[i]
		mapping := m.MapEvent(ev)

		for _, detail := range mapping.Details {
			if seenTactics[detail.TacticID] {
				continue
			}
			seenTactics[detail.TacticID] = true

			chain = append(chain, ChainStep{
				TacticID:    detail.TacticID,
				Tactic:      detail.TacticName,
				TechniqueID: detail.TechniqueID,
				Technique:   detail.TechniqueName,
				Timestamp:   ev.Timestamp,
				Evidence:    truncate(ev.Evidence(), maxEvidenceRunes),
			})
		}
	}

	return chain
}

// RenderNarrative renders a numbered, human-readable attack progression
func RenderNarrative(chain []ChainStep) string {
	if len(chain) == 0 {
		return NoActivityNarrative
	}

	var b strings.Builder
	b.WriteString("Attack progression:")
	for i, step := range chain {
		fmt.Fprintf(&b, "\n%d. %s via %s (%s)", i+1, step.Tactic, step.Technique, step.TechniqueID)
		if step.Evidence != "" {
			fmt.Fprintf(&b, "\n   Evidence: %s", step.Evidence)
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
