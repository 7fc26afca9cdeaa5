package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher pushes lifecycle events to a message bus for downstream
// consumers (tournament brackets, ledgers). The websocket fan-out does not
// go through here; missing a bus publish never blocks a broadcast.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NoopPublisher drops events. Used when no bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event *Event) error { return nil }

// NATSPublisher publishes events to NATS subjects
// "<prefix>.session.<event_type>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, event *Event) error {
	subject := fmt.Sprintf("%s.session.%s", p.prefix, event.Type)

	envelope := map[string]interface{}{
		"eventId":   event.ID,
		"eventType": string(event.Type),
		"sessionId": event.SessionID,
		"timestamp": event.Timestamp,
		"payload":   json.RawMessage(event.Data),
	}
	messageBytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	if err := p.nc.Publish(subject, messageBytes); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", event.ID).
		Msg("event published to bus")
	return nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
