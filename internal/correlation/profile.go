package correlation

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/bashSunny101/VulnServer/internal/mitre"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/bashSunny101/VulnServer/internal/scoring"
)

// RiskLevel is the combined threat level of an attacker profile
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Action is the response recommended for an attacker
type Action string

const (
	ActionMonitor        Action = "monitor"
	ActionMonitorClosely Action = "monitor_closely"
	ActionBlock          Action = "block"
)

// Intelligence holds the behavioural verdicts of a profile
type Intelligence struct {
	IsPersistent        bool   `json:"is_persistent"`
	IsAutomated         bool   `json:"is_automated"`
	SophisticationLevel string `json:"sophistication_level"`

	// TimingVariance is the population variance of Cowrie inter-arrival
	// times in seconds squared; nil when fewer than two events were timed
	TimingVariance *float64 `json:"timing_variance,omitempty"`
}

// Behavior describes what the attacker did
type Behavior struct {
	TargetedServices []string          `json:"targeted_services"`
	EventsPerHour    float64           `json:"attack_frequency"`
	Techniques       []string          `json:"techniques"`
	AttackPhases     []string          `json:"attack_phases"`
	AttackChain      []mitre.ChainStep `json:"attack_chain,omitempty"`
	Narrative        string            `json:"narrative,omitempty"`
}

// RiskAssessment is the verdict and the recommended response
type RiskAssessment struct {
	ThreatLevel       RiskLevel        `json:"threat_level"`
	RecommendedAction Action           `json:"recommended_action"`
	PeakThreatScore   int              `json:"peak_threat_score"`
	PeakSeverity      scoring.Severity `json:"peak_severity,omitempty"`
}

// Profile is the long-horizon behavioural summary of one IP
type Profile struct {
	IP             string          `json:"ip_address"`
	TimeRange      model.TimeRange `json:"time_range"`
	TotalEvents    int             `json:"total_events"`
	FirstSeen      *time.Time      `json:"first_seen"`
	LastSeen       *time.Time      `json:"last_seen"`
	Intelligence   Intelligence    `json:"intelligence"`
	Behavior       Behavior        `json:"behavior"`
	RiskAssessment RiskAssessment  `json:"risk_assessment"`
	FailedSources  []model.Source  `json:"failed_sources,omitempty"`
}

// BuildAttackerProfile correlates ip over the profile window and derives
// persistence, automation and a combined risk verdict. When a scorer or
// mapper is configured the profile also carries peak threat, observed
// techniques and the attack chain.
func (e *Engine) BuildAttackerProfile(ctx context.Context, ip string) (*Profile, error) {
	tr := model.Trailing(e.now(), e.thresholds.ProfileWindow)

	correlation, err := e.CorrelateByIP(ctx, ip, &tr)
	if err != nil {
		return nil, err
	}

	profile := &Profile{
		IP:            ip,
		TimeRange:     correlation.TimeRange,
		TotalEvents:   correlation.Summary.TotalEvents,
		FirstSeen:     correlation.Summary.FirstSeen,
		LastSeen:      correlation.Summary.LastSeen,
		FailedSources: correlation.FailedSources,
		Intelligence: Intelligence{
			SophisticationLevel: "low",
		},
		Behavior: Behavior{
			TargetedServices: correlation.Summary.TargetedServices,
			AttackPhases:     correlation.Summary.AttackPhases,
			Techniques:       []string{},
		},
	}

	profile.Intelligence.IsPersistent = profile.TotalEvents > e.thresholds.PersistenceThreshold

	if variance, ok := interArrivalVariance(correlation.Events[model.SourceCowrie]); ok {
		profile.Intelligence.TimingVariance = &variance
		profile.Intelligence.IsAutomated = variance < e.thresholds.AutomationVariance
	}

	profile.Behavior.EventsPerHour = eventsPerHour(profile.TotalEvents, profile.FirstSeen, profile.LastSeen)

	merged := correlation.Merged()
	if e.mapper != nil {
		profile.Behavior.Techniques = e.observedTechniques(merged)
		profile.Behavior.AttackChain = e.mapper.BuildAttackChain(merged)
		profile.Behavior.Narrative = mitre.RenderNarrative(profile.Behavior.AttackChain)
	}
	if e.scorer != nil {
		e.assessPeak(profile, merged)
	}

	profile.RiskAssessment.ThreatLevel, profile.RiskAssessment.RecommendedAction =
		AssessRisk(profile.Intelligence.IsPersistent, profile.Intelligence.IsAutomated)

	e.logger.Info("Built attacker profile",
		"ip", ip,
		"total_events", profile.TotalEvents,
		"persistent", profile.Intelligence.IsPersistent,
		"automated", profile.Intelligence.IsAutomated,
		"threat_level", profile.RiskAssessment.ThreatLevel)

	return profile, nil
}

// AssessRisk combines the persistence and automation verdicts. Automation
// alone does not raise the level.
func AssessRisk(persistent, automated bool) (RiskLevel, Action) {
	switch {
	case persistent && automated:
		return RiskHigh, ActionBlock
	case persistent:
		return RiskMedium, ActionMonitorClosely
	default:
		return RiskLow, ActionMonitor
	}
}

// interArrivalVariance returns the population variance, in seconds squared,
// of the gaps between consecutive timestamped events. It needs at least two
// timestamped events.
func interArrivalVariance(events []model.Event) (float64, bool) {
	var stamps []time.Time
	for _, ev := range events {
		if ev.HasTimestamp() {
			stamps = append(stamps, ev.Timestamp)
		}
	}
	if len(stamps) < 2 {
		return 0, false
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	deltas := make([]float64, 0, len(stamps)-1)
	sum := 0.0
	for i := 1; i < len(stamps); i++ {
		d := stamps[i].Sub(stamps[i-1]).Seconds()
		deltas = append(deltas, d)
		sum += d
	}

	mean := sum / float64(len(deltas))
	variance := 0.0
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	return variance / float64(len(deltas)), true
}

// eventsPerHour spreads total over the observed span, counting any span
// shorter than an hour as one hour
func eventsPerHour(total int, first, last *time.Time) float64 {
	if total == 0 || first == nil || last == nil {
		return 0
	}
	hours := math.Max(last.Sub(*first).Hours(), 1)
	return math.Round(float64(total)/hours*100) / 100
}

func (e *Engine) observedTechniques(events []model.Event) []string {
	techniques := []string{}
	seen := make(map[string]bool)

	for i := range events {
		for _, id := range e.mapper.MapEvent(&events[i]).Techniques {
			if seen[id] {
				continue
			}
			seen[id] = true
			techniques = append(techniques, id)
		}
	}
	return techniques
}

// assessPeak scores every event and keeps the highest threat score and the
// highest sophistication sub-score
func (e *Engine) assessPeak(p *Profile, events []model.Event) {
	peakSophistication := 0

	for i := range events {
		result := e.scorer.CalculateScore(&events[i])
		if result.ThreatScore > p.RiskAssessment.PeakThreatScore || p.RiskAssessment.PeakSeverity == "" {
			p.RiskAssessment.PeakThreatScore = result.ThreatScore
			p.RiskAssessment.PeakSeverity = result.Severity
		}
		peakSophistication = max(peakSophistication, result.Breakdown.SophisticationScore)
	}

	p.Intelligence.SophisticationLevel = sophisticationLevel(peakSophistication)
}

func sophisticationLevel(score int) string {
	switch {
	case score >= 20:
		return "high"
	case score >= 10:
		return "medium"
	default:
		return "low"
	}
}
