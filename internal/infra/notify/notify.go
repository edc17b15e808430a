// Package notify publishes recoverability domain events to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/vietddude/redrive/internal/core/domain"
)

// Publisher defines the interface for emitting domain events
type Publisher interface {
	// Publish sends a single event
	Publish(ctx context.Context, event *domain.Event) error

	// Close releases publisher resources
	Close() error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: slog.Default().With("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event *domain.Event) error {
	p.log.Info("Event",
		"type", event.EventType,
		"unique_message_id", event.UniqueMessageID,
		"batch_id", event.BatchID,
		"status", event.Status,
		"reason", event.Reason,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// NATSPublisher publishes events as JSON on <prefix>.<event_type> subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(nc *nats.Conn, subjectPrefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: subjectPrefix}
}

func (p *NATSPublisher) Publish(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := nats.NewMsg(p.prefix + "." + string(event.EventType))
	msg.Data = data
	msg.Header.Set("Event-Id", event.ID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending events. The connection is owned by the caller.
func (p *NATSPublisher) Close() error {
	return p.nc.Flush()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, event *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// OfType returns recorded events of one type.
func (r *Recorder) OfType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range r.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans an event out to several publishers, joining their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event *domain.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
