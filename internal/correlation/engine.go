package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bashSunny101/VulnServer/internal/metrics"
	"github.com/bashSunny101/VulnServer/internal/mitre"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/bashSunny101/VulnServer/internal/scoring"
)

// Summary aggregates one IP's activity across every sensor
type Summary struct {
	TotalEvents      int        `json:"total_events"`
	CowrieEvents     int        `json:"cowrie_events"`
	DionaeaEvents    int        `json:"dionaea_events"`
	SnortAlerts      int        `json:"snort_alerts"`
	FirstSeen        *time.Time `json:"first_seen"`
	LastSeen         *time.Time `json:"last_seen"`
	TargetedServices []string   `json:"targeted_services"`
	AttackPhases     []string   `json:"attack_phases"`
}

// Result is the multi-source timeline of one IP
type Result struct {
	IP        string                         `json:"ip_address"`
	TimeRange model.TimeRange                `json:"time_range"`
	Summary   Summary                        `json:"summary"`
	Events    map[model.Source][]model.Event `json:"events"`

	// FailedSources lists sensors whose query failed and contributed nothing
	FailedSources []model.Source `json:"failed_sources,omitempty"`
}

// Empty reports whether no sensor returned any event for the IP
func (r *Result) Empty() bool {
	return r.Summary.TotalEvents == 0
}

// Merged returns every event of the result, sensor by sensor
func (r *Result) Merged() []model.Event {
	merged := make([]model.Event, 0, r.Summary.TotalEvents)
	for _, src := range model.AllSources {
		merged = append(merged, r.Events[src]...)
	}
	return merged
}

// Finding reports a coordinated-attack heuristic that fired
type Finding struct {
	Pattern     string    `json:"pattern"`
	Confidence  string    `json:"confidence"`
	IPCount     int       `json:"ip_count"`
	TimeWindow  string    `json:"time_window"`
	Description string    `json:"description"`
	SourceIPs   []string  `json:"source_ips,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Engine correlates events across sensors for a single IP and across IPs
// for a time window. It keeps no state between calls.
type Engine struct {
	store      EventStore
	logger     *slog.Logger
	now        func() time.Time
	thresholds Thresholds
	phases     PhasePolicy
	scorer     *scoring.Engine
	mapper     *mitre.Mapper
	metrics    *metrics.Metrics
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine's logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithThresholds replaces the default thresholds
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) {
		e.thresholds = t
	}
}

// WithPhasePolicy replaces the default kill-chain phase rules
func WithPhasePolicy(p PhasePolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.phases = p
		}
	}
}

// WithScorer lets attacker profiles report peak threat and sophistication
func WithScorer(s *scoring.Engine) Option {
	return func(e *Engine) {
		e.scorer = s
	}
}

// WithMapper lets attacker profiles report techniques and an attack chain
func WithMapper(m *mitre.Mapper) Option {
	return func(e *Engine) {
		e.mapper = m
	}
}

// WithMetrics records correlation metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates a correlation engine over store
func NewEngine(store EventStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}

	e := &Engine{
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
		thresholds: DefaultThresholds(),
		phases:     DefaultPhaseRules(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.thresholds.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Thresholds returns the thresholds in effect
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// CorrelateByIP gathers everything ip did in tr across all sensors. A nil tr
// means the trailing default window. The per-sensor queries run
// concurrently; a failing sensor is logged, contributes no events and is
// listed in FailedSources. The only error returned is the caller's context
// error.
func (e *Engine) CorrelateByIP(ctx context.Context, ip string, tr *model.TimeRange) (*Result, error) {
	var window model.TimeRange
	if tr == nil {
		window = model.Trailing(e.now(), e.thresholds.DefaultWindow)
	} else {
		window = *tr
	}

	lists := make([][]model.Event, len(model.AllSources))
	errs := make([]error, len(model.AllSources))

	var wg sync.WaitGroup
	for i, src := range model.AllSources {
		wg.Add(1)
		go func(i int, src model.Source) {
			defer wg.Done()
			lists[i], errs[i] = e.store.Query(ctx, Query{
				Sources: []model.Source{src},
				IP:      ip,
				Range:   window,
				Limit:   e.thresholds.PageSize,
			})
		}(i, src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{
		IP:        ip,
		TimeRange: window,
		Events:    make(map[model.Source][]model.Event, len(model.AllSources)),
	}

	for i, src := range model.AllSources {
		if errs[i] != nil {
			e.logger.Warn("Source query failed", "source", src, "ip", ip, "error", errs[i])
			e.metrics.IncSourceQueryError(string(src))
			result.FailedSources = append(result.FailedSources, src)
			lists[i] = nil
		}
		if lists[i] == nil {
			lists[i] = []model.Event{}
		}
		result.Events[src] = lists[i]
	}

	result.Summary = e.summarize(result)
	e.metrics.IncCorrelations()

	e.logger.Debug("Correlated IP",
		"ip", ip,
		"total_events", result.Summary.TotalEvents,
		"failed_sources", len(result.FailedSources))

	return result, nil
}

func (e *Engine) summarize(r *Result) Summary {
	s := Summary{
		CowrieEvents:     len(r.Events[model.SourceCowrie]),
		DionaeaEvents:    len(r.Events[model.SourceDionaea]),
		SnortAlerts:      len(r.Events[model.SourceSnort]),
		TargetedServices: []string{},
	}
	s.TotalEvents = s.CowrieEvents + s.DionaeaEvents + s.SnortAlerts

	merged := r.Merged()
	for i := range merged {
		ev := &merged[i]
		if !ev.HasTimestamp() {
			continue
		}
		ts := ev.Timestamp
		if s.FirstSeen == nil || ts.Before(*s.FirstSeen) {
			s.FirstSeen = &ts
		}
		if s.LastSeen == nil || ts.After(*s.LastSeen) {
			s.LastSeen = &ts
		}
	}

	s.TargetedServices = targetedServices(r.Events)
	s.AttackPhases = e.phases.Phases(merged)
	if s.AttackPhases == nil {
		s.AttackPhases = []string{}
	}

	return s
}

// targetedServices collects the Cowrie protocols and Dionaea connection
// types, deduplicated in first-seen order
func targetedServices(events map[model.Source][]model.Event) []string {
	services := []string{}
	seen := make(map[string]bool)

	add := func(service string) {
		if service == "" || seen[service] {
			return
		}
		seen[service] = true
		services = append(services, service)
	}

	for _, ev := range events[model.SourceCowrie] {
		add(ev.Protocol)
	}
	for _, ev := range events[model.SourceDionaea] {
		add(ev.ConnectionType)
	}

	return services
}

// DetectCoordinatedAttacks counts the distinct source IPs active in the
// trailing window and reports a "multiple_sources" finding when the count
// exceeds the configured threshold. It is a volume heuristic, not a
// clustering of related attackers. A non-positive window uses the default.
func (e *Engine) DetectCoordinatedAttacks(ctx context.Context, window time.Duration) ([]Finding, error) {
	if window <= 0 {
		window = e.thresholds.CoordinatedWindow
	}
	now := e.now().UTC()
	tr := model.Trailing(now, window)

	ips, err := e.distinctSourceIPs(ctx, tr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.logger.Warn("Coordinated attack query failed", "window", window.String(), "error", err)
		return []Finding{}, nil
	}

	findings := []Finding{}
	if len(ips) > e.thresholds.CoordinatedIPThreshold {
		findings = append(findings, Finding{
			Pattern:     "multiple_sources",
			Confidence:  "medium",
			IPCount:     len(ips),
			TimeWindow:  window.String(),
			Description: fmt.Sprintf("%d different IPs attacking in %s", len(ips), window),
			SourceIPs:   ips,
			DetectedAt:  now,
		})
		e.metrics.IncCoordinatedFindings()
		e.logger.Info("Coordinated attack detected", "ip_count", len(ips), "window", window.String())
	}

	return findings, nil
}

func (e *Engine) distinctSourceIPs(ctx context.Context, tr model.TimeRange) ([]string, error) {
	if counter, ok := e.store.(SourceIPCounter); ok {
		return counter.DistinctSourceIPs(ctx, tr)
	}

	events, err := e.store.Query(ctx, Query{Sources: model.AllSources, Range: tr})
	if err != nil {
		return nil, err
	}

	ips := []string{}
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.SrcIP == "" || seen[ev.SrcIP] {
			continue
		}
		seen[ev.SrcIP] = true
		ips = append(ips, ev.SrcIP)
	}
	return ips, nil
}
