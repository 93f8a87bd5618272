package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bashSunny101/VulnServer/internal/metrics"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/bashSunny101/VulnServer/internal/scoring"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Delivery channels
const (
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
)

// Notifier delivers an alert on one channel
type Notifier interface {
	Notify(ctx context.Context, channel string, alert *model.Alert) error
}

// Route sends alerts for scores at or above MinScore to Channels
type Route struct {
	MinScore int              `yaml:"min_score" json:"min_score"`
	Level    model.AlertLevel `yaml:"level" json:"level"`
	Channels []string         `yaml:"channels" json:"channels"`
}

// DefaultRoutes returns the routing table, highest threshold first
func DefaultRoutes() []Route {
	return []Route{
		{MinScore: 90, Level: model.AlertCritical, Channels: []string{ChannelEmail, ChannelTelegram, ChannelSlack}},
		{MinScore: 76, Level: model.AlertHigh, Channels: []string{ChannelEmail, ChannelTelegram}},
		{MinScore: 51, Level: model.AlertMedium, Channels: []string{ChannelEmail}},
	}
}

// ScoredEvent is an event together with its threat score
type ScoredEvent struct {
	Event model.Event    `json:"event"`
	Score scoring.Result `json:"score"`
}

// Decision records what the router did with an event
type Decision struct {
	Alert        *model.Alert `json:"alert,omitempty"`
	Deduplicated bool         `json:"deduplicated"`
}

// Routed reports whether an alert was raised
func (d Decision) Routed() bool {
	return d.Alert != nil
}

// RouterConfig configures a Router
type RouterConfig struct {
	Routes []Route
	// Window is how long an alert for the same IP and event id is suppressed
	Window time.Duration
	// DedupeSize bounds the number of remembered alert keys
	DedupeSize int
}

// DefaultRouterConfig returns the production routing configuration
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Routes:     DefaultRoutes(),
		Window:     5 * time.Minute,
		DedupeSize: 10000,
	}
}

// Router picks alert channels by threat score and suppresses repeats of the
// same source IP and event id inside the dedupe window. Suppression is
// best-effort and local to the process.
type Router struct {
	routes   []Route
	window   time.Duration
	recent   *expirable.LRU[string, time.Time]
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter creates a router delivering through notifier
func NewRouter(cfg RouterConfig, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) (*Router, error) {
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("dedupe window must be positive")
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultRouterConfig().DedupeSize
	}
	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		routes:   cfg.Routes,
		window:   cfg.Window,
		recent:   expirable.NewLRU[string, time.Time](cfg.DedupeSize, nil, cfg.Window),
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// DedupeKey identifies repeats of one event kind from one source IP
func DedupeKey(ev *model.Event) string {
	ip := ev.SrcIP
	if ip == "" {
		ip = "unknown"
	}
	return ip + "_" + ev.EventID
}

// RouteFor returns the route matching score, or false when the score is too
// low to alert on
func (r *Router) RouteFor(score int) (Route, bool) {
	for _, route := range r.routes {
		if score >= route.MinScore {
			return route, true
		}
	}
	return Route{}, false
}

// Route raises an alert for se when its score warrants one and no alert
// for the same key was raised inside the window. Delivery to each channel
// is attempted concurrently; delivery failures are returned joined but do
// not undo the decision. When ctx is cancelled during delivery no alert is
// raised and the dedupe key is released, so a retry is not suppressed.
func (r *Router) Route(ctx context.Context, se ScoredEvent) (Decision, error) {
	key := DedupeKey(&se.Event)
	if _, ok := r.recent.Get(key); ok {
		r.metrics.IncAlertsDeduped()
		r.logger.Debug("Alert suppressed", "key", key)
		return Decision{Deduplicated: true}, nil
	}

	route, ok := r.RouteFor(se.Score.ThreatScore)
	if !ok {
		return Decision{}, nil
	}

	alert := r.formatAlert(se, route)
	r.recent.Add(key, alert.CreatedAt)

	err := r.deliver(ctx, alert)
	if err != nil && ctx.Err() != nil {
		r.recent.Remove(key)
		r.logger.Warn("Alert delivery abandoned", "alert_id", alert.ID, "key", key, "error", ctx.Err())
		return Decision{}, err
	}
	r.metrics.IncAlertsRouted(string(route.Level))

	r.logger.Info("Alert routed",
		"alert_id", alert.ID,
		"level", alert.Level,
		"attacker_ip", alert.AttackerIP,
		"threat_score", alert.ThreatScore,
		"channels", alert.Channels)

	return Decision{Alert: alert}, err
}

func (r *Router) deliver(ctx context.Context, alert *model.Alert) error {
	errs := make([]error, len(alert.Channels))

	var wg sync.WaitGroup
	for i, channel := range alert.Channels {
		wg.Add(1)
		go func(i int, channel string) {
			defer wg.Done()
			if err := r.notifier.Notify(ctx, channel, alert); err != nil {
				r.metrics.IncNotifyError(channel)
				r.logger.Warn("Alert delivery failed", "alert_id", alert.ID, "channel", channel, "error", err)
				errs[i] = fmt.Errorf("%s: %w", channel, err)
			}
		}(i, channel)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (r *Router) formatAlert(se ScoredEvent, route Route) *model.Alert {
	ev := &se.Event
	now := r.now().UTC()

	timestamp := now
	if ev.HasTimestamp() {
		timestamp = ev.Timestamp
	}

	attackerIP := ev.SrcIP
	if attackerIP == "" {
		attackerIP = "unknown"
	}

	country := ev.Geo.CountryName
	if country == "" {
		country = "Unknown"
	}

	honeypot := ev.Source
	if honeypot == "" {
		honeypot = "unknown"
	}

	details := ev.Evidence()
	if details == "" {
		details = "No details available"
	}

	techniques := ev.MitreTechniques
	if techniques == nil {
		techniques = []string{}
	}

	channels := make([]string, len(route.Channels))
	copy(channels, route.Channels)

	return &model.Alert{
		ID:              uuid.New().String(),
		Level:           route.Level,
		Channels:        channels,
		AttackerIP:      attackerIP,
		Country:         country,
		EventID:         ev.EventID,
		AttackType:      se.Score.AttackType,
		ThreatScore:     se.Score.ThreatScore,
		Honeypot:        honeypot,
		Details:         details,
		MitreTechniques: techniques,
		Timestamp:       timestamp,
		CreatedAt:       now,
	}
}
