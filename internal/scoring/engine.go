package scoring

import (
	"math"
	"strings"

	"github.com/bashSunny101/VulnServer/internal/model"
)

// Severity is the ordinal label derived from a threat score
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical); unknown labels rank 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// UnknownAttackType is assigned to events no classification rule matches
const UnknownAttackType = "unknown"

// Breakdown is the auditable record of how a score was reached
type Breakdown struct {
	AttackTypeScore     int     `json:"attack_type_score"`
	SophisticationScore int     `json:"sophistication_score"`
	SuccessMultiplier   float64 `json:"success_multiplier"`
	IPReputationScore   int     `json:"ip_reputation_score"`
	GeoRiskScore        int     `json:"geo_risk_score"`
	TemporalScore       int     `json:"temporal_score"`
	FinalScore          int     `json:"final_score"`
}

// Result is the outcome of scoring one event
type Result struct {
	ThreatScore     int       `json:"threat_score"`
	Severity        Severity  `json:"severity"`
	AttackType      string    `json:"attack_type"`
	Breakdown       Breakdown `json:"breakdown"`
	Recommendations []string  `json:"recommendations"`
}

// Engine computes threat scores from a compiled policy.
// It is stateless after construction and safe for concurrent use.
type Engine struct {
	policy   *Policy
	compiled *compiledPolicy
}

// NewEngine compiles the policy and returns a scoring engine
func NewEngine(policy *Policy) (*Engine, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	compiled, err := compile(policy)
	if err != nil {
		return nil, err
	}
	return &Engine{policy: policy, compiled: compiled}, nil
}

// NewDefaultEngine returns an engine over DefaultPolicy
func NewDefaultEngine() *Engine {
	e, err := NewEngine(DefaultPolicy())
	if err != nil {
		panic("scoring: invalid default policy: " + err.Error())
	}
	return e
}

// CalculateScore scores a single event.
//
//	final = clamp(0, 100, round((attack_type + sophistication) * multiplier
//	                            + reputation + geo + temporal))
func (e *Engine) CalculateScore(ev *model.Event) Result {
	if ev == nil {
		ev = &model.Event{}
	}

	attackType := e.ClassifyAttackType(ev)

	b := Breakdown{
		AttackTypeScore:     e.AttackTypeScore(attackType),
		SophisticationScore: e.SophisticationScore(ev),
		SuccessMultiplier:   1.0,
		IPReputationScore:   e.IPReputationScore(ev),
		GeoRiskScore:        e.GeoRiskScore(ev),
		TemporalScore:       e.TemporalScore(ev),
	}
	if e.IsSuccessful(ev) {
		b.SuccessMultiplier = e.policy.SuccessMultiplier
	}

	base := float64(b.AttackTypeScore+b.SophisticationScore) * b.SuccessMultiplier
	bonus := float64(b.IPReputationScore + b.GeoRiskScore + b.TemporalScore)
	b.FinalScore = clamp(int(math.Round(base+bonus)), 0, 100)

	return Result{
		ThreatScore:     b.FinalScore,
		Severity:        SeverityFor(b.FinalScore),
		AttackType:      attackType,
		Breakdown:       b,
		Recommendations: e.GenerateRecommendations(b.FinalScore, attackType),
	}
}

// ClassifyAttackType applies the ordered classification rules; the first
// match wins
func (e *Engine) ClassifyAttackType(ev *model.Event) string {
	eventID := strings.ToLower(ev.EventID)

	for _, rule := range e.policy.EventRules {
		if rule.Contains != "" && strings.Contains(eventID, strings.ToLower(rule.Contains)) {
			return rule.AttackType
		}
	}

	if e.policy.CommandEventID != "" && strings.Contains(eventID, strings.ToLower(e.policy.CommandEventID)) {
		command := strings.ToLower(ev.Input)
		for _, rule := range e.compiled.commandRules {
			if rule.re.MatchString(command) {
				return rule.attackType
			}
		}
		return e.policy.DefaultCommandType
	}

	if attackType, ok := e.policy.ConnectionTypeRules[strings.ToLower(ev.ConnectionType)]; ok {
		return attackType
	}

	alert := strings.ToLower(ev.AlertMsg)
	for _, rule := range e.policy.AlertRules {
		if rule.Contains != "" && strings.Contains(alert, strings.ToLower(rule.Contains)) {
			return rule.AttackType
		}
	}

	return UnknownAttackType
}

// AttackTypeScore looks up the base score for an attack type
func (e *Engine) AttackTypeScore(attackType string) int {
	if score, ok := e.policy.AttackTypeScores[attackType]; ok {
		return score
	}
	return e.policy.DefaultAttackScore
}

// SophisticationScore sums the tooling signals found in the command text
func (e *Engine) SophisticationScore(ev *model.Event) int {
	command := strings.ToLower(ev.Input)
	score := 0

	if command != "" {
		for _, signal := range e.compiled.signals {
			if signal.re.MatchString(command) {
				score += signal.points
			}
		}
	}

	if len(ev.MitreTechniques) > e.policy.TechniqueCountThreshold {
		score += e.policy.TechniqueCountPoints
	}

	return min(score, e.policy.SophisticationCap)
}

// IsSuccessful reports whether the event indicates a completed compromise
func (e *Engine) IsSuccessful(ev *model.Event) bool {
	eventID := strings.ToLower(ev.EventID)
	for _, marker := range e.policy.SuccessEventMarkers {
		if marker != "" && strings.Contains(eventID, strings.ToLower(marker)) {
			return true
		}
	}
	return e.policy.SuccessPriority > 0 && ev.Priority == e.policy.SuccessPriority
}

// IPReputationScore sums the reputation enrichment signals
func (e *Engine) IPReputationScore(ev *model.Event) int {
	score := 0

	if ev.Reputation.InBlocklist {
		score += e.policy.BlocklistPoints
	}

	for _, tier := range e.compiled.abuseTiers {
		if ev.Reputation.AbuseConfidenceScore > tier.Above {
			score += tier.Points
			break
		}
	}

	if ev.IsBot {
		score += e.policy.BotPoints
	}

	return min(score, e.policy.ReputationCap)
}

// GeoRiskScore looks up the event's country in the high-risk table
func (e *Engine) GeoRiskScore(ev *model.Event) int {
	code := strings.ToUpper(strings.TrimSpace(ev.Geo.CountryCode))
	if code == "" {
		return 0
	}
	return e.policy.HighRiskCountries[code]
}

// TemporalScore sums the timing signals. Events without a timestamp get no
// off-hours points.
func (e *Engine) TemporalScore(ev *model.Event) int {
	score := 0

	if strings.EqualFold(ev.AttackSpeed, "rapid") {
		score += e.policy.RapidPoints
	}

	if ev.IsPersistent {
		score += e.policy.PersistentPoints
	}

	if ev.HasTimestamp() {
		hour := ev.Timestamp.UTC().Hour()
		if hour >= e.policy.OffHoursStart && hour < e.policy.OffHoursEnd {
			score += e.policy.OffHoursPoints
		}
	}

	return min(score, e.policy.TemporalCap)
}

// SeverityFor maps a final score to its severity label
func SeverityFor(score int) Severity {
	switch {
	case score >= 76:
		return SeverityCritical
	case score >= 51:
		return SeverityHigh
	case score >= 26:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// GenerateRecommendations returns severity-tiered actions followed by
// attack-type specific ones
func (e *Engine) GenerateRecommendations(score int, attackType string) []string {
	var recommendations []string

	switch SeverityFor(score) {
	case SeverityCritical:
		recommendations = append(recommendations,
			"IMMEDIATE ACTION REQUIRED",
			"Block source IP at firewall",
			"Initiate incident response procedure",
			"Preserve logs and artifacts for forensics",
			"Notify security team and management",
		)
	case SeverityHigh:
		recommendations = append(recommendations,
			"Block source IP",
			"Monitor for related activity",
			"Update IDS signatures",
			"Review and patch targeted services",
		)
	case SeverityMedium:
		recommendations = append(recommendations,
			"Add to watchlist",
			"Monitor for escalation",
			"Review authentication logs",
		)
	default:
		recommendations = append(recommendations,
			"Log for intelligence",
			"No immediate action required",
		)
	}

	if contains(e.policy.MalwareAttackTypes, attackType) {
		recommendations = append(recommendations,
			"Submit malware sample to VirusTotal",
			"Update antivirus signatures",
		)
	}

	if contains(e.policy.CredentialAttackTypes, attackType) {
		recommendations = append(recommendations,
			"Force password reset for affected accounts",
			"Enable MFA if not already active",
		)
	}

	return recommendations
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
