// Package messagebus publishes improvement lifecycle events on NATS
// JetStream so other services can follow the pipeline.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of every subject this bus publishes on.
const SubjectPrefix = "holly.improvements"

// Subject returns the subject for an event type, e.g. "holly.improvements.merged".
// Characters NATS treats as wildcards or separators are replaced.
func Subject(eventType string) string {
	clean := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(eventType)
	if clean == "" {
		clean = "unknown"
	}
	return SubjectPrefix + "." + clean
}

// Config holds NATS configuration.
type Config struct {
	URL        string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName string        // JetStream stream name (default: "HOLLY")
	Timeout    time.Duration // Connection timeout
	MaxAge     time.Duration // How long events are retained
}

// Bus publishes and subscribes through JetStream.
type Bus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	url        string
	logger     *slog.Logger
}

// Connect dials NATS and makes sure the stream exists.
func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "HOLLY"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("holly"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &Bus{conn: nc, js: js, streamName: cfg.StreamName, url: cfg.URL, logger: logger}
	if err := b.ensureStream(cfg.MaxAge); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	logger.Info("connected to NATS", "url", cfg.URL, "stream", cfg.StreamName)
	return b, nil
}

// ensureStream creates or updates the stream. LimitsPolicy lets any number
// of consumers read the same events.
func (b *Bus) ensureStream(maxAge time.Duration) error {
	streamConfig := &nats.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    maxAge,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		b.logger.Info("created JetStream stream", "stream", b.streamName)
		return nil
	}
	if _, err := b.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Publish marshals v as JSON and publishes it durably on subject.
func (b *Bus) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers new messages on subject to handler until ctx is done.
// Messages are acknowledged after the handler returns.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler func(subject string, data []byte)) error {
	sub, err := b.js.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
		_ = m.Ack()
	}, nats.DeliverNew(), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}
	return nil
}

// Health returns an error when the connection or stream is unusable.
func (b *Bus) Health() error {
	if b.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", b.streamName, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (b *Bus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
