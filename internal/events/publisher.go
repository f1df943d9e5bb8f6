// Package events delivers sync lifecycle events to JetStream for the
// downstream consumers (search indexing, AI summarizers, UI refresh).
// Events go through the store's outbox so a crash between write and
// publish never loses or duplicates one.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/helmview/mailmirror/internal/store"
)

const streamName = "MAIL_EVENTS"

// Publisher wraps a JetStream connection.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and gets a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the MAIL_EVENTS stream if it is missing.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(streamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"user.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish sends one event with a dedup id.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Dispatcher drains the store outbox into JetStream.
type Dispatcher struct {
	store     *store.Store
	publisher *Publisher
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st *store.Store, publisher *Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: st, publisher: publisher, logger: logger.Named("events")}
}

// Run blocks, publishing outbox entries until ctx is cancelled. Failed
// publishes are retried with a flat backoff; JetStream dedup on msg id
// keeps retries idempotent.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			d.logger.Warn("failed to dequeue outbox", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.logger.Warn("failed to publish event", zap.Int64("id", msg.ID), zap.Error(err))
				if err := d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second); err != nil {
					d.logger.Error("failed to mark outbox retry", zap.Int64("id", msg.ID), zap.Error(err))
				}
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.logger.Error("failed to mark event published", zap.Int64("id", msg.ID), zap.Error(err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
