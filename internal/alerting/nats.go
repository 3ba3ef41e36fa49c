package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn used by NATSNotifier.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes alert JSON on <prefix>.<monitor>.<severity>.
type NATSNotifier struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// DialNATSNotifier connects to url and returns a sink publishing under prefix.
func DialNATSNotifier(url, prefix string, logger zerolog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url, nats.Name("metricwatch"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := NewNATSNotifier(conn, prefix, logger)
	n.conn = conn
	return n, nil
}

// NewNATSNotifier wraps an existing publisher.
func NewNATSNotifier(pub Publisher, prefix string, logger zerolog.Logger) *NATSNotifier {
	if prefix == "" {
		prefix = "metricwatch.alerts"
	}
	return &NATSNotifier{
		pub:    pub,
		prefix: prefix,
		logger: logger.With().Str("component", "alert_nats").Logger(),
	}
}

// Subject returns the subject an alert is published on.
func (n *NATSNotifier) Subject(alert Alert) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, alert.Monitor, alert.Severity)
}

// Notify publishes the alert.
func (n *NATSNotifier) Notify(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	if err := n.pub.Publish(n.Subject(alert), data); err != nil {
		return fmt.Errorf("publish nats: %w", err)
	}
	return nil
}

// Close drains the owned connection, if any.
func (n *NATSNotifier) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn().Err(err).Msg("nats drain failed")
	}
	n.conn.Close()
}

var _ Notifier = (*NATSNotifier)(nil)
