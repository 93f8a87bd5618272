package correlation

import (
	"sort"
	"strings"

	"github.com/bashSunny101/VulnServer/internal/model"
)

// Kill-chain phase names reported by the default rules
const (
	PhaseReconnaissance     = "Reconnaissance"
	PhaseExploitation       = "Exploitation"
	PhaseInstallation       = "Installation"
	PhaseCommandAndControl  = "Command & Control"
	PhaseActionsOnObjective = "Actions on Objectives"
)

// PhasePolicy derives the ordered kill-chain phases seen in an event list
type PhasePolicy interface {
	Phases(events []model.Event) []string
}

// PhaseRule marks Phase when an event's identifier matches one of EventIDs
// and, if InputContains is set, its command text contains one of those
// fragments. An identifier matches itself and any dotted extension of it,
// so "dionaea.download" covers "dionaea.download.complete".
type PhaseRule struct {
	Phase         string   `yaml:"phase" json:"phase"`
	EventIDs      []string `yaml:"event_ids" json:"event_ids"`
	InputContains []string `yaml:"input_contains,omitempty" json:"input_contains,omitempty"`
}

// PhaseRules is the rule-table PhasePolicy
type PhaseRules []PhaseRule

// DefaultPhaseRules returns the kill-chain markers for the Cowrie and
// Dionaea event vocabularies
func DefaultPhaseRules() PhaseRules {
	return PhaseRules{
		{
			Phase:    PhaseReconnaissance,
			EventIDs: []string{"cowrie.client.version"},
		},
		{
			Phase:    PhaseExploitation,
			EventIDs: []string{"cowrie.login.success"},
		},
		{
			Phase:    PhaseInstallation,
			EventIDs: []string{"cowrie.session.file_download", "dionaea.download"},
		},
		{
			Phase:         PhaseCommandAndControl,
			EventIDs:      []string{"cowrie.command.input"},
			InputContains: []string{"wget", "curl", "nc ", "bash -i"},
		},
		{
			Phase:         PhaseActionsOnObjective,
			EventIDs:      []string{"cowrie.command.input"},
			InputContains: []string{"cat /etc/passwd", "uname", "whoami"},
		},
	}
}

// Phases scans events in timestamp order and records each phase the first
// time it is observed. Events without a timestamp cannot be placed on the
// timeline and are skipped.
func (rules PhaseRules) Phases(events []model.Event) []string {
	phases := []string{}

	ordered := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.HasTimestamp() {
			ordered = append(ordered, ev)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	seen := make(map[string]bool)
	for i := range ordered {
		for _, rule := range rules {
			if seen[rule.Phase] || !rule.matches(&ordered[i]) {
				continue
			}
			seen[rule.Phase] = true
			phases = append(phases, rule.Phase)
		}
	}

	return phases
}

func (r PhaseRule) matches(ev *model.Event) bool {
	eventID := strings.ToLower(ev.EventID)

	idMatch := false
	for _, id := range r.EventIDs {
		id = strings.ToLower(id)
		if eventID == id || strings.HasPrefix(eventID, id+".") {
			idMatch = true
			break
		}
	}
	if !idMatch {
		return false
	}

	if len(r.InputContains) == 0 {
		return true
	}

	command := strings.ToLower(ev.Input)
	for _, fragment := range r.InputContains {
		if strings.Contains(command, strings.ToLower(fragment)) {
			return true
		}
	}
	return false
}
