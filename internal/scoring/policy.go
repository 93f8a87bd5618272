package scoring

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TextRule maps a case-insensitive substring of an event field to an attack type
type TextRule struct {
	Contains   string `yaml:"contains" json:"contains"`
	AttackType string `yaml:"attack_type" json:"attack_type"`
}

// PatternRule maps a command regex to an attack type
type PatternRule struct {
	Pattern    string `yaml:"pattern" json:"pattern"`
	AttackType string `yaml:"attack_type" json:"attack_type"`
}

// Signal adds Points when Pattern matches the command text
type Signal struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Points  int    `yaml:"points" json:"points"`
}

// Policy holds every lookup table and weight the scoring engine uses.
// It is plain data; NewEngine compiles it and never modifies it afterwards.
type Policy struct {
	AttackTypeScores   map[string]int `yaml:"attack_type_scores" json:"attack_type_scores"`
	DefaultAttackScore int            `yaml:"default_attack_score" json:"default_attack_score"`

	// Classification rules, evaluated in order; the first match wins
	EventRules          []TextRule        `yaml:"event_rules" json:"event_rules"`
	CommandEventID      string            `yaml:"command_event_id" json:"command_event_id"`
	CommandRules        []PatternRule     `yaml:"command_rules" json:"command_rules"`
	DefaultCommandType  string            `yaml:"default_command_type" json:"default_command_type"`
	ConnectionTypeRules map[string]string `yaml:"connection_type_rules" json:"connection_type_rules"`
	AlertRules          []TextRule        `yaml:"alert_rules" json:"alert_rules"`

	SophisticationSignals   []Signal `yaml:"sophistication_signals" json:"sophistication_signals"`
	TechniqueCountThreshold int      `yaml:"technique_count_threshold" json:"technique_count_threshold"`
	TechniqueCountPoints    int      `yaml:"technique_count_points" json:"technique_count_points"`
	SophisticationCap       int      `yaml:"sophistication_cap" json:"sophistication_cap"`

	SuccessEventMarkers []string `yaml:"success_event_markers" json:"success_event_markers"`
	SuccessPriority     int      `yaml:"success_priority" json:"success_priority"`
	SuccessMultiplier   float64  `yaml:"success_multiplier" json:"success_multiplier"`

	BlocklistPoints int         `yaml:"blocklist_points" json:"blocklist_points"`
	AbuseTiers      []AbuseTier `yaml:"abuse_tiers" json:"abuse_tiers"`
	BotPoints       int         `yaml:"bot_points" json:"bot_points"`
	ReputationCap   int         `yaml:"reputation_cap" json:"reputation_cap"`

	HighRiskCountries map[string]int `yaml:"high_risk_countries" json:"high_risk_countries"`

	RapidPoints      int `yaml:"rapid_points" json:"rapid_points"`
	PersistentPoints int `yaml:"persistent_points" json:"persistent_points"`
	OffHoursPoints   int `yaml:"off_hours_points" json:"off_hours_points"`
	OffHoursStart    int `yaml:"off_hours_start" json:"off_hours_start"`
	OffHoursEnd      int `yaml:"off_hours_end" json:"off_hours_end"`
	TemporalCap      int `yaml:"temporal_cap" json:"temporal_cap"`

	MalwareAttackTypes    []string `yaml:"malware_attack_types" json:"malware_attack_types"`
	CredentialAttackTypes []string `yaml:"credential_attack_types" json:"credential_attack_types"`
}

// AbuseTier awards Points when the abuse confidence score exceeds Above.
// Tiers are checked from the highest Above down and only the first matching
// tier counts, whatever order they are listed in.
type AbuseTier struct {
	Above  int `yaml:"above" json:"above"`
	Points int `yaml:"points" json:"points"`
}

// DefaultPolicy returns the production scoring tables
func DefaultPolicy() *Policy {
	return &Policy{
		AttackTypeScores: map[string]int{
			// Reconnaissance
			"port_scan":      5,
			"service_enum":   8,
			"vuln_scan":      10,
			"reconnaissance": 10,

			// Initial access
			"brute_force_attempt": 15,
			"brute_force_failed":  15,
			"brute_force_success": 40,
			"exploit_attempt":     30,
			"exploit_success":     60,

			// Execution
			"command_execution": 25,
			"script_execution":  30,
			"scripting":         30,
			"make_executable":   25,
			"interactive_shell": 65,
			"reverse_shell":     70,
			"malware_download":  30,
			"malware_execution": 70,

			// Persistence
			"persistence":      45,
			"backdoor_install": 65,
			"scheduled_task":   45,
			"service_creation": 50,

			// Privilege escalation
			"sudo_attempt": 35,
			"root_access":  55,

			// Defense evasion
			"defense_evasion":   35,
			"obfuscation":       35,
			"anti_forensics":    40,
			"log_deletion":      40,
			"process_injection": 60,

			// Credential access
			"credential_theft": 60,
			"ssh_key_theft":    55,
			"password_dump":    70,
			"key_logging":      65,

			// Discovery
			"network_discovery": 20,
			"system_info":       15,

			// Lateral movement
			"remote_service": 50,
			"ssh_tunneling":  55,

			// Collection
			"data_staged": 60,
			"screenshot":  40,

			// Command and control
			"c2_connection":     75,
			"encrypted_channel": 70,

			// Exfiltration
			"data_exfil":    85,
			"dns_tunneling": 80,

			// Impact
			"ransomware":         95,
			"crypto_mining":      50,
			"resource_hijacking": 45,
		},
		DefaultAttackScore: 10,

		EventRules: []TextRule{
			{Contains: "login.failed", AttackType: "brute_force_failed"},
			{Contains: "login.success", AttackType: "brute_force_success"},
			{Contains: "file_download", AttackType: "malware_download"},
		},
		CommandEventID: "command.input",
		CommandRules: []PatternRule{
			{Pattern: `(wget|curl)\s+http`, AttackType: "malware_download"},
			{Pattern: `chmod\s+\+x`, AttackType: "make_executable"},
			{Pattern: `(nc|netcat).*-e`, AttackType: "reverse_shell"},
			{Pattern: `bash\s+-i`, AttackType: "interactive_shell"},
			{Pattern: `/etc/(passwd|shadow)`, AttackType: "credential_theft"},
			{Pattern: `(cat|grep).*\.ssh`, AttackType: "ssh_key_theft"},
			{Pattern: `crontab`, AttackType: "persistence"},
			{Pattern: `(kill|pkill).*log`, AttackType: "anti_forensics"},
			{Pattern: `\b(uname|whoami|id)\b`, AttackType: "reconnaissance"},
			{Pattern: `iptables|firewall`, AttackType: "defense_evasion"},
			{Pattern: `(python|perl|ruby).*-c`, AttackType: "scripting"},
			{Pattern: `base64.*decode`, AttackType: "obfuscation"},
		},
		DefaultCommandType: "command_execution",
		ConnectionTypeRules: map[string]string{
			"smb": "exploit_attempt",
		},
		AlertRules: []TextRule{
			{Contains: "brute force", AttackType: "brute_force_attempt"},
			{Contains: "port scan", AttackType: "port_scan"},
			{Contains: "exploit", AttackType: "exploit_attempt"},
		},

		SophisticationSignals: []Signal{
			{Name: "obfuscation", Pattern: `base64|xxd|hex`, Points: 15},
			{Name: "custom_binary", Pattern: `\./[a-z0-9]+`, Points: 10},
			{Name: "encryption", Pattern: `openssl|gpg|aes`, Points: 12},
			{Name: "anti_forensics", Pattern: `shred|wipe|srm`, Points: 20},
		},
		TechniqueCountThreshold: 3,
		TechniqueCountPoints:    15,
		SophisticationCap:       30,

		SuccessEventMarkers: []string{"login.success", "command.input", "file_download", "download.complete"},
		SuccessPriority:     1,
		SuccessMultiplier:   1.5,

		BlocklistPoints: 20,
		AbuseTiers: []AbuseTier{
			{Above: 75, Points: 15},
			{Above: 50, Points: 10},
			{Above: 25, Points: 5},
		},
		BotPoints:     10,
		ReputationCap: 25,

		HighRiskCountries: map[string]int{
			"CN": 15,
			"RU": 15,
			"KP": 20,
			"IR": 18,
			"VN": 10,
			"BR": 8,
		},

		RapidPoints:      10,
		PersistentPoints: 15,
		OffHoursPoints:   5,
		OffHoursStart:    0,
		OffHoursEnd:      6,
		TemporalCap:      20,

		MalwareAttackTypes:    []string{"malware_download", "malware_execution"},
		CredentialAttackTypes: []string{"brute_force_success", "credential_theft"},
	}
}

// LoadPolicy reads a YAML policy file on top of the default policy.
// Maps in the file are merged into the defaults; lists replace them.
func LoadPolicy(path string) (*Policy, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported policy file extension: %s", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}

	if _, err := compile(policy); err != nil {
		return nil, err
	}
	return policy, nil
}

// ValidationError represents an invalid policy entry
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

type compiledPattern struct {
	re         *regexp.Regexp
	attackType string
	points     int
}

type compiledPolicy struct {
	commandRules []compiledPattern
	signals      []compiledPattern
	abuseTiers   []AbuseTier
}

func compile(p *Policy) (*compiledPolicy, error) {
	if p.SuccessMultiplier < 1.0 {
		return nil, &ValidationError{Field: "success_multiplier", Message: "must be at least 1.0"}
	}
	if p.OffHoursStart < 0 || p.OffHoursEnd > 24 || p.OffHoursStart > p.OffHoursEnd {
		return nil, &ValidationError{Field: "off_hours_start", Message: "off-hours window must lie within 0..24"}
	}

	cp := &compiledPolicy{}
	for i, rule := range p.CommandRules {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("command_rules[%d].pattern", i), Message: err.Error()}
		}
		cp.commandRules = append(cp.commandRules, compiledPattern{re: re, attackType: rule.AttackType})
	}
	for i, signal := range p.SophisticationSignals {
		re, err := regexp.Compile("(?i)" + signal.Pattern)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("sophistication_signals[%d].pattern", i), Message: err.Error()}
		}
		cp.signals = append(cp.signals, compiledPattern{re: re, points: signal.Points})
	}

	cp.abuseTiers = append([]AbuseTier(nil), p.AbuseTiers...)
	sort.SliceStable(cp.abuseTiers, func(i, j int) bool {
		return cp.abuseTiers[i].Above > cp.abuseTiers[j].Above
	})
	return cp, nil
}
