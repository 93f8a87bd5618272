package model

import (
	"strings"
	"time"
)

// Source identifies the sensor that produced an event
type Source string

const (
	// SourceCowrie is the SSH/Telnet interaction honeypot
	SourceCowrie Source = "cowrie"
	// SourceDionaea is the malware-capture honeypot
	SourceDionaea Source = "dionaea"
	// SourceSnort is the network intrusion detector
	SourceSnort Source = "snort"
)

// AllSources lists every sensor in the order results are reported
var AllSources = []Source{SourceCowrie, SourceDionaea, SourceSnort}

// Valid reports whether s is a known sensor source
func (s Source) Valid() bool {
	switch s {
	case SourceCowrie, SourceDionaea, SourceSnort:
		return true
	}
	return false
}

// ParseSource converts a string into a Source, case-insensitively
func ParseSource(value string) (Source, bool) {
	s := Source(strings.ToLower(strings.TrimSpace(value)))
	return s, s.Valid()
}

// Geo holds geolocation enrichment for the source IP
type Geo struct {
	CountryCode string `json:"country_code,omitempty"`
	CountryName string `json:"country_name,omitempty"`
}

// Reputation holds IP reputation enrichment
type Reputation struct {
	InBlocklist          bool `json:"in_blocklist,omitempty"`
	AbuseConfidenceScore int  `json:"abuse_confidence_score,omitempty"`
}

// Event represents one security event reported by a sensor.
// Events are produced externally and treated as read-only.
type Event struct {
	Source         Source     `json:"source"`
	EventID        string     `json:"eventid"`
	SrcIP          string     `json:"src_ip"`
	Timestamp      time.Time  `json:"timestamp"`
	Session        string     `json:"session,omitempty"`
	Input          string     `json:"input,omitempty"`
	AlertMsg       string     `json:"alert_msg,omitempty"`
	Protocol       string     `json:"protocol,omitempty"`
	ConnectionType string     `json:"connection_type,omitempty"`
	Priority       int        `json:"priority,omitempty"`
	Geo            Geo        `json:"geo"`
	Reputation     Reputation `json:"reputation"`
	IsBot          bool       `json:"is_bot,omitempty"`
	AttackSpeed    string     `json:"attack_speed,omitempty"`
	IsPersistent   bool       `json:"is_persistent,omitempty"`

	// MitreTechniques holds technique IDs already matched on this event
	MitreTechniques []string `json:"mitre_techniques,omitempty"`
}

// HasTimestamp reports whether the event carries a usable timestamp
func (e *Event) HasTimestamp() bool {
	return !e.Timestamp.IsZero()
}

// Evidence returns the payload text used as evidence for the event
func (e *Event) Evidence() string {
	if e.Input != "" {
		return e.Input
	}
	return e.AlertMsg
}

// TimeRange is an inclusive time interval
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Trailing returns the range ending at now and spanning d
func Trailing(now time.Time, d time.Duration) TimeRange {
	end := now.UTC()
	return TimeRange{Start: end.Add(-d), End: end}
}

// Contains reports whether t falls inside the range
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Duration returns the length of the range
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}
