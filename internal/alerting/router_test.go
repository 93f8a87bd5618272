package alerting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bashSunny101/VulnServer/internal/metrics"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/bashSunny101/VulnServer/internal/scoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentAlert struct {
	channel string
	alert   *model.Alert
}

// recordingNotifier remembers every delivery and fails listed channels
type recordingNotifier struct {
	mu      sync.Mutex
	sent    []sentAlert
	failing map[string]error
}

func (n *recordingNotifier) Notify(ctx context.Context, channel string, alert *model.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := n.failing[channel]; ok {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentAlert{channel: channel, alert: alert})
	return nil
}

func (n *recordingNotifier) channels() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var channels []string
	for _, s := range n.sent {
		channels = append(channels, s.channel)
	}
	sort.Strings(channels)
	return channels
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, notifier Notifier, m *metrics.Metrics) *Router {
	t.Helper()
	router, err := NewRouter(DefaultRouterConfig(), notifier, m, discardLogger())
	require.NoError(t, err)
	return router
}

func scored(ip, eventID string, score int) ScoredEvent {
	return ScoredEvent{
		Event: model.Event{Source: model.SourceCowrie, SrcIP: ip, EventID: eventID},
		Score: scoring.Result{ThreatScore: score, Severity: scoring.SeverityFor(score), AttackType: "brute_force_success"},
	}
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter(DefaultRouterConfig(), nil, nil, nil)
	assert.Error(t, err)

	cfg := DefaultRouterConfig()
	cfg.Window = 0
	_, err = NewRouter(cfg, &recordingNotifier{}, nil, nil)
	assert.Error(t, err)
}

func TestRouter_RoutesBySeverity(t *testing.T) {
	tests := []struct {
		score    int
		level    model.AlertLevel
		channels []string
	}{
		{100, model.AlertCritical, []string{"email", "slack", "telegram"}},
		{90, model.AlertCritical, []string{"email", "slack", "telegram"}},
		{89, model.AlertHigh, []string{"email", "telegram"}},
		{76, model.AlertHigh, []string{"email", "telegram"}},
		{75, model.AlertMedium, []string{"email"}},
		{51, model.AlertMedium, []string{"email"}},
		{50, "", nil},
		{0, "", nil},
	}

	for _, tt := range tests {
		notifier := &recordingNotifier{}
		router := newTestRouter(t, notifier, nil)

		decision, err := router.Route(context.Background(), scored("1.2.3.4", "cowrie.login.success", tt.score))
		require.NoError(t, err)
		assert.False(t, decision.Deduplicated)

		if tt.level == "" {
			assert.False(t, decision.Routed(), "score %d", tt.score)
			assert.Empty(t, notifier.channels())
			continue
		}

		require.True(t, decision.Routed(), "score %d", tt.score)
		assert.Equal(t, tt.level, decision.Alert.Level)
		assert.Equal(t, tt.channels, notifier.channels())
	}
}

func TestRouter_FormatsAlert(t *testing.T) {
	notifier := &recordingNotifier{}
	router := newTestRouter(t, notifier, nil)
	router.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

	se := ScoredEvent{
		Event: model.Event{
			Source:          model.SourceCowrie,
			SrcIP:           "1.2.3.4",
			EventID:         "cowrie.command.input",
			Input:           "wget http://x/y",
			Geo:             model.Geo{CountryCode: "RU", CountryName: "Russia"},
			MitreTechniques: []string{"T1105"},
			Timestamp:       time.Date(2024, 1, 1, 11, 59, 0, 0, time.UTC),
		},
		Score: scoring.Result{ThreatScore: 80, AttackType: "malware_download"},
	}

	decision, err := router.Route(context.Background(), se)
	require.NoError(t, err)
	alert := decision.Alert
	require.NotNil(t, alert)

	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, "1.2.3.4", alert.AttackerIP)
	assert.Equal(t, "Russia", alert.Country)
	assert.Equal(t, "malware_download", alert.AttackType)
	assert.Equal(t, "cowrie.command.input", alert.EventID)
	assert.Equal(t, 80, alert.ThreatScore)
	assert.Equal(t, model.SourceCowrie, alert.Honeypot)
	assert.Equal(t, "wget http://x/y", alert.Details)
	assert.Equal(t, []string{"T1105"}, alert.MitreTechniques)
	assert.Equal(t, se.Event.Timestamp, alert.Timestamp)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), alert.CreatedAt)

	// defaults for a bare event
	decision, err = router.Route(context.Background(), ScoredEvent{Score: scoring.Result{ThreatScore: 95}})
	require.NoError(t, err)
	alert = decision.Alert
	require.NotNil(t, alert)
	assert.Equal(t, "unknown", alert.AttackerIP)
	assert.Equal(t, "Unknown", alert.Country)
	assert.Equal(t, model.Source("unknown"), alert.Honeypot)
	assert.Equal(t, "No details available", alert.Details)
	assert.NotNil(t, alert.MitreTechniques)
	assert.Equal(t, alert.CreatedAt, alert.Timestamp)
}

func TestRouter_Deduplicates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	notifier := &recordingNotifier{}
	router := newTestRouter(t, notifier, m)
	ctx := context.Background()

	first, err := router.Route(ctx, scored("1.2.3.4", "cowrie.login.success", 80))
	require.NoError(t, err)
	assert.True(t, first.Routed())

	second, err := router.Route(ctx, scored("1.2.3.4", "cowrie.login.success", 95))
	require.NoError(t, err)
	assert.False(t, second.Routed())
	assert.True(t, second.Deduplicated)

	// a different event id or IP is a different key
	other, err := router.Route(ctx, scored("1.2.3.4", "cowrie.command.input", 80))
	require.NoError(t, err)
	assert.True(t, other.Routed())

	other, err = router.Route(ctx, scored("5.6.7.8", "cowrie.login.success", 80))
	require.NoError(t, err)
	assert.True(t, other.Routed())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsDedupedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AlertsRoutedTotal.WithLabelValues("HIGH")))
}

func TestRouter_LowScoreDoesNotSuppress(t *testing.T) {
	router := newTestRouter(t, &recordingNotifier{}, nil)
	ctx := context.Background()

	low, err := router.Route(ctx, scored("1.2.3.4", "cowrie.login.success", 20))
	require.NoError(t, err)
	assert.False(t, low.Routed())

	high, err := router.Route(ctx, scored("1.2.3.4", "cowrie.login.success", 80))
	require.NoError(t, err)
	assert.True(t, high.Routed())
}

func TestRouter_WindowExpires(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.Window = 50 * time.Millisecond
	router, err := NewRouter(cfg, &recordingNotifier{}, nil, discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := router.Route(ctx, scored("1.2.3.4", "cowrie.login.success", 80))
	require.NoError(t, err)
	assert.True(t, first.Routed())

	time.Sleep(150 * time.Millisecond)

	again, err := router.Route(ctx, scored("1.2.3.4", "cowrie.login.success", 80))
	require.NoError(t, err)
	assert.True(t, again.Routed())
}

func TestRouter_DeliveryFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	notifier := &recordingNotifier{failing: map[string]error{ChannelSlack: errors.New("webhook down")}}
	router := newTestRouter(t, notifier, m)

	decision, err := router.Route(context.Background(), scored("1.2.3.4", "cowrie.login.success", 95))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack")

	// the alert still counts and the other channels still deliver
	assert.True(t, decision.Routed())
	assert.Equal(t, []string{"email", "telegram"}, notifier.channels())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotifyErrorsTotal.WithLabelValues("slack")))
}

func TestRouter_CancelledDeliveryReleasesKey(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	notifier := &recordingNotifier{}
	router := newTestRouter(t, notifier, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	abandoned, err := router.Route(ctx, scored("1.2.3.4", "cowrie.login.success", 80))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, abandoned.Routed())
	assert.Empty(t, notifier.channels())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AlertsRoutedTotal.WithLabelValues("HIGH")))

	retry, err := router.Route(context.Background(), scored("1.2.3.4", "cowrie.login.success", 80))
	require.NoError(t, err)
	assert.False(t, retry.Deduplicated)
	assert.True(t, retry.Routed())
	assert.Equal(t, []string{"email", "telegram"}, notifier.channels())
}

func TestRouter_CustomRoutes(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.Routes = []Route{{MinScore: 10, Level: model.AlertMedium, Channels: []string{"webhook"}}}
	notifier := &recordingNotifier{}
	router, err := NewRouter(cfg, notifier, nil, discardLogger())
	require.NoError(t, err)

	route, ok := router.RouteFor(15)
	require.True(t, ok)
	assert.Equal(t, []string{"webhook"}, route.Channels)

	_, ok = router.RouteFor(9)
	assert.False(t, ok)
}

func TestDedupeKey(t *testing.T) {
	assert.Equal(t, "1.2.3.4_cowrie.login.success", DedupeKey(&model.Event{SrcIP: "1.2.3.4", EventID: "cowrie.login.success"}))
	assert.Equal(t, "unknown_", DedupeKey(&model.Event{}))
}
