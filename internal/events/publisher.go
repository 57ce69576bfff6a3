package events

import (
	model "auction-engine/internal/models"
	"auction-engine/utils"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

//go:generate mockgen -source=publisher.go -destination=mock_publisher.go -package=events

// Publisher delivers outbox events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, ev model.OutboxEvent) error
}

const (
	connectWait   = 5 * time.Second
	flushWait     = 5 * time.Second
	maxReconnects = -1
	reconnectWait = 2 * time.Second
)

// NewNATSConnection connects to NATS with reconnect handling that logs through utils
func NewNATSConnection(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(connectWait),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			fields := map[string]any{"url": nc.ConnectedUrlRedacted()}
			if err != nil {
				fields["error"] = err.Error()
			}
			utils.Warn("NATS disconnected", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			utils.Info("NATS reconnected", map[string]any{"url": nc.ConnectedUrlRedacted()})
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			utils.Info("NATS connection closed", nil)
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes each event on "<prefix>.<type>" with the event id
// as the Nats-Msg-Id header, so consumers can drop redeliveries
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an open connection
func NewNATSPublisher(conn *nats.Conn, prefix string) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("NATS connection cannot be nil")
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject an event type is published on
func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

// Publish sends ev and waits for the server to acknowledge the flush
func (p *NATSPublisher) Publish(ctx context.Context, ev model.OutboxEvent) error {
	msg := nats.NewMsg(Subject(p.prefix, ev.Type))
	msg.Header.Set(nats.MsgIdHdr, ev.EventID)
	msg.Data = ev.Payload

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event %s to NATS subject %s: %w", ev.EventID, msg.Subject, err)
	}
	// FlushWithContext rejects contexts without a deadline
	flushCtx, cancel := context.WithTimeout(ctx, flushWait)
	defer cancel()
	if err := p.conn.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("failed to flush event %s to NATS: %w", ev.EventID, err)
	}
	return nil
}

// LogPublisher writes events to the log. Used when no NATS URL is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, ev model.OutboxEvent) error {
	utils.Info("Event published", map[string]any{
		"event_id":     ev.EventID,
		"event_type":   ev.Type,
		"aggregate_id": ev.AggregateID,
		"payload":      string(ev.Payload),
	})
	return nil
}
