package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes processing events to a JetStream subject so downstream
// observability consumers can aggregate them across pipeline runs.
type NATSSink struct {
	js      nats.JetStreamContext
	subject string
	logger  *slog.Logger
}

// NATSSinkOption configures a NATSSink.
type NATSSinkOption func(*NATSSink)

// WithNATSLogger sets the logger for the sink.
func WithNATSLogger(logger *slog.Logger) NATSSinkOption {
	return func(s *NATSSink) {
		s.logger = logger
	}
}

// NewNATSSink creates a sink publishing to the given subject.
func NewNATSSink(nc *nats.Conn, subject string, opts ...NATSSinkOption) (*NATSSink, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection required")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	s := &NATSSink{
		js:      js,
		subject: subject,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Record implements Sink.
func (s *NATSSink) Record(ctx context.Context, ev Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := s.js.Publish(s.subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	s.logger.Debug("Published processing event",
		"subject", s.subject,
		"item_id", ev.ItemID,
		"outcome", string(ev.Outcome))
	return nil
}
