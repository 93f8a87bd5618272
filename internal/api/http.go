package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bashSunny101/VulnServer/internal/correlation"
	"github.com/bashSunny101/VulnServer/internal/metrics"
	"github.com/bashSunny101/VulnServer/internal/mitre"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/bashSunny101/VulnServer/internal/scoring"
	"github.com/bashSunny101/VulnServer/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds request bodies accepted by the POST endpoints
const maxBodyBytes = 4 << 20

// HealthChecker is implemented by backing stores that can be pinged
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HTTPAPI provides HTTP endpoints for the analyzer service
type HTTPAPI struct {
	mapper     *mitre.Mapper
	scorer     *scoring.Engine
	correlator *correlation.Engine
	alerts     *store.AlertStore
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	natsConn   *nats.Conn
	storeCheck HealthChecker
	logger     *slog.Logger
}

// NewHTTPAPI creates a new HTTP API instance. natsConn and storeCheck may be
// nil when the service runs without NATS or with the in-memory store.
func NewHTTPAPI(mapper *mitre.Mapper, scorer *scoring.Engine, correlator *correlation.Engine, alerts *store.AlertStore, m *metrics.Metrics, gatherer prometheus.Gatherer, natsConn *nats.Conn, storeCheck HealthChecker, logger *slog.Logger) *HTTPAPI {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAPI{
		mapper:     mapper,
		scorer:     scorer,
		correlator: correlator,
		alerts:     alerts,
		metrics:    m,
		gatherer:   gatherer,
		natsConn:   natsConn,
		storeCheck: storeCheck,
		logger:     logger,
	}
}

// SetupRoutes configures HTTP routes
func (api *HTTPAPI) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/score", api.handleScore)
	mux.HandleFunc("/map", api.handleMap)
	mux.HandleFunc("/chain", api.handleChain)
	mux.HandleFunc("/correlate", api.handleCorrelate)
	mux.HandleFunc("/profile", api.handleProfile)
	mux.HandleFunc("/coordinated", api.handleCoordinated)
	mux.HandleFunc("/alerts", api.handleAlerts)
	mux.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", api.handleHealth)
	mux.HandleFunc("/readyz", api.handleReady)
}

// handleScore handles POST /score with a single event body. The event is
// tagged with its techniques first so it scores as it would on ingest.
func (api *HTTPAPI) handleScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev model.Event
	if err := decodeBody(r, &ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	mapping := api.mapper.Tag(&ev)
	for _, detail := range mapping.Details {
		api.metrics.IncTechniqueMatch(detail.TacticID)
	}

	result := api.scorer.CalculateScore(&ev)
	api.metrics.IncEventsScored(string(result.Severity))

	writeJSON(w, http.StatusOK, result)
}

// handleMap handles POST /map with a single event body
func (api *HTTPAPI) handleMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev model.Event
	if err := decodeBody(r, &ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	mapping := api.mapper.MapEvent(&ev)
	for _, detail := range mapping.Details {
		api.metrics.IncTechniqueMatch(detail.TacticID)
	}

	writeJSON(w, http.StatusOK, mapping)
}

// handleChain handles POST /chain with a JSON array of events
func (api *HTTPAPI) handleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var events []model.Event
	if err := decodeBody(r, &events); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chain := api.mapper.BuildAttackChain(events)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain":     chain,
		"steps":     len(chain),
		"narrative": mitre.RenderNarrative(chain),
	})
}

// handleCorrelate handles GET /correlate?ip=&start=&end=
func (api *HTTPAPI) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	ip := strings.TrimSpace(query.Get("ip"))
	if ip == "" {
		http.Error(w, "ip is required", http.StatusBadRequest)
		return
	}

	tr, err := parseTimeRange(query.Get("start"), query.Get("end"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := api.correlator.CorrelateByIP(r.Context(), ip, tr)
	if err != nil {
		api.logger.Warn("Correlation aborted", "ip", ip, "error", err)
		http.Error(w, "Correlation aborted", http.StatusServiceUnavailable)
		return
	}
	if result.Empty() {
		http.Error(w, fmt.Sprintf("no events found for %s", ip), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleProfile handles GET /profile?ip=
func (api *HTTPAPI) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := strings.TrimSpace(r.URL.Query().Get("ip"))
	if ip == "" {
		http.Error(w, "ip is required", http.StatusBadRequest)
		return
	}

	profile, err := api.correlator.BuildAttackerProfile(r.Context(), ip)
	if err != nil {
		api.logger.Warn("Profile aborted", "ip", ip, "error", err)
		http.Error(w, "Profile aborted", http.StatusServiceUnavailable)
		return
	}
	if profile.TotalEvents == 0 {
		http.Error(w, fmt.Sprintf("no events found for %s", ip), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// handleCoordinated handles GET /coordinated?window=
func (api *HTTPAPI) handleCoordinated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var window time.Duration
	if value := r.URL.Query().Get("window"); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			http.Error(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		window = d
	}

	findings, err := api.correlator.DetectCoordinatedAttacks(r.Context(), window)
	if err != nil {
		http.Error(w, "Detection aborted", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"findings":  findings,
		"count":     len(findings),
		"timestamp": time.Now().UTC(),
	})
}

// handleAlerts handles GET /alerts with optional ip, level and limit
func (api *HTTPAPI) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	ip := query.Get("ip")
	level := model.AlertLevel(strings.ToUpper(query.Get("level")))
	limitStr := query.Get("limit")

	if level != "" && level.Rank() == 0 {
		http.Error(w, "level must be MEDIUM, HIGH or CRITICAL", http.StatusBadRequest)
		return
	}

	var alerts []*model.Alert
	switch {
	case ip != "":
		alerts = api.alerts.ByIP(ip)
	case level != "":
		alerts = api.alerts.ByLevel(level)
	default:
		alerts = api.alerts.List()
	}
	if ip != "" && level != "" {
		filtered := alerts[:0]
		for _, a := range alerts {
			if a.Level.Rank() >= level.Rank() {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}

	// Newest alerts are at the tail
	if limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit < len(alerts) {
			alerts = alerts[len(alerts)-limit:]
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":    alerts,
		"count":     len(alerts),
		"timestamp": time.Now().UTC(),
	})
}

// handleHealth handles GET /healthz
func (api *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := api.alerts.Stats()
	if total, ok := stats["total_alerts"].(int); ok {
		api.metrics.SetAlertsInStore(float64(total))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"stats":     stats,
		"catalog":   api.mapper.Catalog().Version(),
	})
}

// handleReady handles GET /readyz
func (api *HTTPAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready := true
	response := map[string]interface{}{
		"timestamp": time.Now().UTC(),
	}

	if api.natsConn != nil {
		natsConnected := api.natsConn.IsConnected()
		api.metrics.SetNatsConnected(natsConnected)
		response["nats_connected"] = natsConnected
		ready = ready && natsConnected
	}

	if api.storeCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := api.storeCheck.Health(ctx)
		cancel()
		response["store_healthy"] = err == nil
		if err != nil {
			api.logger.Warn("Event store health check failed", "error", err)
			ready = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}
	response["status"] = status

	writeJSON(w, statusCode, response)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// parseTimeRange reads RFC 3339 bounds. Both empty means the engine's
// default window; a single bound leaves the other side open.
func parseTimeRange(start, end string) (*model.TimeRange, error) {
	if start == "" && end == "" {
		return nil, nil
	}

	tr := &model.TimeRange{}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return nil, fmt.Errorf("invalid start: %w", err)
		}
		tr.Start = t.UTC()
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, fmt.Errorf("invalid end: %w", err)
		}
		tr.End = t.UTC()
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return nil, errors.New("end must not be before start")
	}
	return tr, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
