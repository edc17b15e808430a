// Package ingest consumes the error and audit queues and feeds the ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/transport"
	"github.com/vietddude/redrive/internal/monitoring/metrics"
	"github.com/vietddude/redrive/internal/recoverability/ledger"
)

// Recorder receives the outcomes observed on the queues.
type Recorder interface {
	RecordFailedAttempt(ctx context.Context, fa ledger.FailedAttempt) error
	RecordSuccessfulRetry(ctx context.Context, uniqueMessageID string) error
}

// PumpSource creates pumps over a queue.
type PumpSource interface {
	NewPump(queue string) (transport.Pump, error)
}

// Config holds ingestion settings.
type Config struct {
	ErrorQueue string
	// AuditQueue is optional. Without it successful retries are never observed.
	AuditQueue string
}

// Ingester runs one pump per consumed queue.
type Ingester struct {
	recorder Recorder
	source   PumpSource
	cfg      Config
	log      *slog.Logger

	mu    sync.Mutex
	pumps []transport.Pump
}

func NewIngester(recorder Recorder, source PumpSource, cfg Config) *Ingester {
	return &Ingester{
		recorder: recorder,
		source:   source,
		cfg:      cfg,
		log:      slog.Default().With("component", "ingest"),
	}
}

// Start begins consuming. It returns once every pump is running.
func (i *Ingester) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.pumps) > 0 {
		return transport.ErrAlreadyStarted
	}

	queues := []struct {
		name    string
		handler transport.Handler
	}{
		{i.cfg.ErrorQueue, i.HandleFailure},
		{i.cfg.AuditQueue, i.HandleAudit},
	}
	for _, q := range queues {
		if q.name == "" {
			continue
		}
		pump, err := i.source.NewPump(q.name)
		if err != nil {
			i.stopLocked(ctx)
			return fmt.Errorf("failed to create pump for %s: %w", q.name, err)
		}
		if err := pump.Start(ctx, q.handler); err != nil {
			i.stopLocked(ctx)
			return fmt.Errorf("failed to start pump for %s: %w", q.name, err)
		}
		i.pumps = append(i.pumps, pump)
		i.log.Info("Consuming queue", "queue", q.name)
	}
	return nil
}

// Stop stops every pump, waiting for in-flight messages.
func (i *Ingester) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopLocked(ctx)
}

func (i *Ingester) stopLocked(ctx context.Context) error {
	var errs []error
	for _, p := range i.pumps {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	i.pumps = nil
	return errors.Join(errs...)
}

// HandleFailure records one error queue message. Malformed messages are
// dropped; storage errors are returned so the message is redelivered.
func (i *Ingester) HandleFailure(ctx context.Context, msg *transport.Message) error {
	fa, err := ParseFailure(msg)
	if err != nil {
		i.drop(i.cfg.ErrorQueue, "malformed", msg, err)
		return nil
	}

	if err := i.recorder.RecordFailedAttempt(ctx, fa); err != nil {
		if errors.Is(err, ledger.ErrInvalidAttempt) {
			i.drop(i.cfg.ErrorQueue, "invalid_attempt", msg, err)
			return nil
		}
		i.log.Warn("Failed to record failed attempt, releasing",
			"message_id", fa.Attempt.MessageID,
			"error", err,
		)
		return err
	}
	return nil
}

// HandleAudit resolves records whose retried copy was processed successfully.
// Audit messages that are not retries are acknowledged untouched.
func (i *Ingester) HandleAudit(ctx context.Context, msg *transport.Message) error {
	id := msg.Headers[domain.HeaderRetryUniqueMessageID]
	if id == "" {
		return nil
	}
	if err := i.recorder.RecordSuccessfulRetry(ctx, id); err != nil {
		i.log.Warn("Failed to record successful retry, releasing", "unique_message_id", id, "error", err)
		return err
	}
	return nil
}

func (i *Ingester) drop(queue, reason string, msg *transport.Message, err error) {
	metrics.IngestDropped.WithLabelValues(queue, reason).Inc()
	i.log.Error("Dropping message",
		"queue", queue,
		"reason", reason,
		"transport_id", msg.ID,
		"error", err,
	)
}
