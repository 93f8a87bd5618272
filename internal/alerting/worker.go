package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bashSunny101/VulnServer/internal/metrics"
	"github.com/bashSunny101/VulnServer/internal/mitre"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/bashSunny101/VulnServer/internal/scoring"
	"github.com/bashSunny101/VulnServer/internal/store"
	"github.com/bashSunny101/VulnServer/internal/validate"
	"github.com/nats-io/nats.go"
)

// DefaultEventSubject is the subject sensors publish normalised events on
const DefaultEventSubject = "events.honeypot"

// EventSink persists ingested events
type EventSink interface {
	Append(ctx context.Context, events ...model.Event) error
}

// Worker consumes honeypot events from NATS, tags them with techniques,
// scores them, persists them and routes alerts
type Worker struct {
	nc      *nats.Conn
	subject string
	queue   string
	mapper  *mitre.Mapper
	scorer  *scoring.Engine
	router  *Router
	alerts  *store.AlertStore
	sink    EventSink
	metrics *metrics.Metrics
	logger  *slog.Logger

	sub *nats.Subscription
}

// NewWorker creates a worker. sink and alerts may be nil.
func NewWorker(nc *nats.Conn, subject, queue string, mapper *mitre.Mapper, scorer *scoring.Engine, router *Router, alerts *store.AlertStore, sink EventSink, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if subject == "" {
		subject = DefaultEventSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		nc:      nc,
		subject: subject,
		queue:   queue,
		mapper:  mapper,
		scorer:  scorer,
		router:  router,
		alerts:  alerts,
		sink:    sink,
		metrics: m,
		logger:  logger,
	}
}

// Subscribe listens for events until ctx is cancelled, then drains.
// Messages still buffered when ctx is cancelled are processed to completion.
func (w *Worker) Subscribe(ctx context.Context) error {
	w.logger.Info("Subscribing to events", "subject", w.subject, "queue", w.queue)

	procCtx, procCancel := processingContext(ctx)
	defer procCancel()

	sub, err := w.nc.QueueSubscribe(w.subject, w.queue, w.messageHandler(procCtx))
	if err != nil {
		w.logger.Error("Failed to subscribe to events", "error", err)
		return err
	}
	w.sub = sub
	w.metrics.SetNatsConnected(w.nc.IsConnected())

	<-ctx.Done()

	w.logger.Info("Starting graceful shutdown")
	if err := w.sub.Drain(); err != nil {
		w.logger.Error("Error draining subscription", "error", err)
		return err
	}
	if !waitDrained(w.sub, nats.DefaultDrainTimeout) {
		w.logger.Warn("Subscription drain timed out", "timeout", nats.DefaultDrainTimeout)
	}
	w.logger.Info("Graceful shutdown completed")
	return nil
}

// processingContext returns the context message handlers run on. It keeps
// the values of parent but not its cancellation, so messages delivered
// during Drain still complete.
func processingContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(context.WithoutCancel(parent))
}

func (w *Worker) messageHandler(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	}
}

// waitDrained blocks until sub has finished draining or timeout elapses
func waitDrained(sub *nats.Subscription, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for sub.IsValid() {
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
	return true
}

func (w *Worker) handleMessage(ctx context.Context, msg *nats.Msg) {
	startTime := time.Now()
	w.logger.Debug("Received event", "subject", msg.Subject, "data_length", len(msg.Data))

	event, err := ParseEvent(msg.Data)
	if err != nil {
		w.logger.Error("Failed to parse event", "error", err)
		w.metrics.IncEventsInvalid()
		return
	}

	if _, _, err := w.Process(ctx, event); err != nil {
		w.logger.Warn("Event processed with errors", "src_ip", event.SrcIP, "eventid", event.EventID, "error", err)
	}

	w.metrics.IncEventsProcessed()
	w.metrics.ObserveEventProcessingDuration(time.Since(startTime).Seconds())
}

// Process tags ev with the techniques it matches, scores it, stores it and
// routes an alert. Storage and delivery failures are returned but never
// prevent the remaining steps.
func (w *Worker) Process(ctx context.Context, ev *model.Event) (ScoredEvent, Decision, error) {
	if w.mapper != nil {
		mapping := w.mapper.Tag(ev)
		for _, detail := range mapping.Details {
			w.metrics.IncTechniqueMatch(detail.TacticID)
		}
	}

	scored := ScoredEvent{Event: *ev, Score: w.scorer.CalculateScore(ev)}
	w.metrics.IncEventsScored(string(scored.Score.Severity))

	var errs []error
	if w.sink != nil {
		if err := w.sink.Append(ctx, *ev); err != nil {
			errs = append(errs, fmt.Errorf("store event: %w", err))
		}
	}

	decision, err := w.router.Route(ctx, scored)
	if err != nil {
		errs = append(errs, fmt.Errorf("deliver alert: %w", err))
	}
	if decision.Routed() && w.alerts != nil {
		w.alerts.Add(decision.Alert)
		w.metrics.SetAlertsInStore(float64(w.alerts.Len()))
	}

	return scored, decision, errors.Join(errs...)
}

// ParseEvent validates data against the event schema and decodes it. A
// missing source is inferred from the event id prefix, or from the presence
// of an IDS alert message.
func ParseEvent(data []byte) (*model.Event, error) {
	if err := validate.Event(data); err != nil {
		return nil, err
	}

	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
	}

	if ev.Source == "" {
		ev.Source = inferSource(&ev)
	}
	src, ok := model.ParseSource(string(ev.Source))
	if !ok {
		return nil, fmt.Errorf("unknown event source %q", ev.Source)
	}
	ev.Source = src

	if ev.HasTimestamp() {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	return &ev, nil
}

func inferSource(ev *model.Event) model.Source {
	eventID := strings.ToLower(ev.EventID)
	for _, src := range model.AllSources {
		if strings.HasPrefix(eventID, string(src)+".") {
			return src
		}
	}
	if ev.AlertMsg != "" {
		return model.SourceSnort
	}
	return ""
}
