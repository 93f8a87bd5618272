package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/nats-io/nats.go"
)

// AlertSubjectPrefix prefixes the per-channel alert subjects
const AlertSubjectPrefix = "alerts."

// Publisher is the subset of *nats.Conn used to publish alerts
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSNotifier publishes alerts on alerts.<channel>. Channel gateways
// (SMTP, Telegram, Slack) subscribe to their own subject.
type NATSNotifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewNATSNotifier creates a notifier publishing through publisher
func NewNATSNotifier(publisher Publisher, logger *slog.Logger) *NATSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{
		publisher: publisher,
		logger:    logger,
	}
}

// Notify publishes alert for channel
func (n *NATSNotifier) Notify(ctx context.Context, channel string, alert *model.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.publisher == nil {
		return fmt.Errorf("NATS connection not available")
	}
	if conn, ok := n.publisher.(*nats.Conn); ok && (conn == nil || !conn.IsConnected()) {
		return fmt.Errorf("NATS connection not available")
	}

	alertJSON, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-alert-id", alert.ID)
	headers.Set("x-alert-level", string(alert.Level))
	headers.Set("x-attacker-ip", alert.AttackerIP)
	headers.Set("x-threat-score", strconv.Itoa(alert.ThreatScore))
	headers.Set("x-priority", channelPriority(channel, alert.Level))
	headers.Set("x-timestamp", alert.CreatedAt.Format(time.RFC3339))

	msg := &nats.Msg{
		Subject: AlertSubjectPrefix + channel,
		Data:    alertJSON,
		Header:  headers,
	}

	if err := n.publisher.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	n.logger.Debug("Published alert",
		"alert_id", alert.ID,
		"level", alert.Level,
		"subject", msg.Subject)

	return nil
}

// channelPriority is the delivery hint a gateway applies: email urgency
// follows the level, Slack gets a colour for critical alerts
func channelPriority(channel string, level model.AlertLevel) string {
	switch channel {
	case ChannelEmail:
		switch level {
		case model.AlertCritical:
			return "urgent"
		case model.AlertHigh:
			return "high"
		}
		return "normal"
	case ChannelSlack:
		if level == model.AlertCritical {
			return "danger"
		}
		return "warning"
	}
	return "normal"
}
