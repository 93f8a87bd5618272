package correlation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds are the tunable constants of the correlation heuristics
type Thresholds struct {
	// PageSize caps the events fetched per sensor source
	PageSize int `yaml:"page_size"`
	// DefaultWindow is the trailing range used when a caller passes none
	DefaultWindow time.Duration `yaml:"default_window"`
	// ProfileWindow is the trailing range an attacker profile covers
	ProfileWindow time.Duration `yaml:"profile_window"`
	// PersistenceThreshold is the event count an IP must exceed to be persistent
	PersistenceThreshold int `yaml:"persistence_threshold"`
	// AutomationVariance is the inter-arrival variance, in seconds squared,
	// below which timing is considered scripted
	AutomationVariance float64 `yaml:"automation_variance"`
	// CoordinatedIPThreshold is the distinct IP count a window must exceed
	CoordinatedIPThreshold int `yaml:"coordinated_ip_threshold"`
	// CoordinatedWindow is the default coordinated-attack window
	CoordinatedWindow time.Duration `yaml:"coordinated_window"`
}

// DefaultThresholds returns the production correlation thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		PageSize:               1000,
		DefaultWindow:          24 * time.Hour,
		ProfileWindow:          30 * 24 * time.Hour,
		PersistenceThreshold:   10,
		AutomationVariance:     1.0,
		CoordinatedIPThreshold: 5,
		CoordinatedWindow:      15 * time.Minute,
	}
}

// Validate checks that every threshold is usable
func (t Thresholds) Validate() error {
	switch {
	case t.PageSize <= 0:
		return &ValidationError{Field: "page_size", Message: "must be positive"}
	case t.DefaultWindow <= 0:
		return &ValidationError{Field: "default_window", Message: "must be positive"}
	case t.ProfileWindow <= 0:
		return &ValidationError{Field: "profile_window", Message: "must be positive"}
	case t.PersistenceThreshold < 0:
		return &ValidationError{Field: "persistence_threshold", Message: "must not be negative"}
	case t.AutomationVariance < 0:
		return &ValidationError{Field: "automation_variance", Message: "must not be negative"}
	case t.CoordinatedIPThreshold < 0:
		return &ValidationError{Field: "coordinated_ip_threshold", Message: "must not be negative"}
	case t.CoordinatedWindow <= 0:
		return &ValidationError{Field: "coordinated_window", Message: "must be positive"}
	}
	return nil
}

// ValidationError represents an invalid correlation policy entry
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// File is the on-disk correlation policy
type File struct {
	Thresholds Thresholds `yaml:"thresholds"`
	Phases     PhaseRules `yaml:"phases"`
}

// LoadFile reads a YAML correlation policy. Thresholds missing from the file
// keep their defaults; a phases list replaces the default rules.
func LoadFile(path string) (*File, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported correlation policy extension: %s", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read correlation policy: %w", err)
	}

	file := &File{Thresholds: DefaultThresholds()}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to parse correlation policy YAML: %w", err)
	}

	if err := file.Thresholds.Validate(); err != nil {
		return nil, err
	}

	if len(file.Phases) == 0 {
		file.Phases = DefaultPhaseRules()
	}
	for i, rule := range file.Phases {
		if rule.Phase == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("phases[%d].phase", i), Message: "phase name is required"}
		}
		if len(rule.EventIDs) == 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("phases[%d].event_ids", i), Message: "at least one event id is required"}
		}
	}

	return file, nil
}
