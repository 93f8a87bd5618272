package model

import "time"

// AlertLevel is the routing level of an alert
type AlertLevel string

const (
	AlertMedium   AlertLevel = "MEDIUM"
	AlertHigh     AlertLevel = "HIGH"
	AlertCritical AlertLevel = "CRITICAL"
)

// Rank orders alert levels from 1 (MEDIUM) to 3 (CRITICAL); unknown levels rank 0
func (l AlertLevel) Rank() int {
	switch l {
	case AlertMedium:
		return 1
	case AlertHigh:
		return 2
	case AlertCritical:
		return 3
	}
	return 0
}

// Alert is a notification raised for a high-scoring event
type Alert struct {
	ID              string     `json:"id"`
	Level           AlertLevel `json:"severity"`
	Channels        []string   `json:"channels"`
	AttackerIP      string     `json:"attacker_ip"`
	Country         string     `json:"country"`
	EventID         string     `json:"event_id"`
	AttackType      string     `json:"attack_type"`
	ThreatScore     int        `json:"threat_score"`
	Honeypot        Source     `json:"honeypot"`
	Details         string     `json:"details"`
	MitreTechniques []string   `json:"mitre_techniques"`
	Timestamp       time.Time  `json:"timestamp"`
	CreatedAt       time.Time  `json:"created_at"`
}
