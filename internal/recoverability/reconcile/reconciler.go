// Package reconcile returns abandoned retries to operators.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/monitoring/metrics"
)

// StagingLister lists staging records.
type StagingLister interface {
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.RetryStagingRecord, error)
}

// Reverter moves a message out of RetryIssued.
type Reverter interface {
	RevertRetry(ctx context.Context, uniqueMessageID string) (bool, error)
}

// Config holds reconciler settings.
type Config struct {
	// StaleAfter is how long a retry may stay in flight. Zero disables the reconciler.
	StaleAfter time.Duration
	// Interval between passes. Derived from StaleAfter when zero.
	Interval time.Duration
}

// Reconciler reverts retries whose staging record outlived StaleAfter, for
// example because the redelivered copy was lost or never audited.
type Reconciler struct {
	cfg      Config
	staging  StagingLister
	reverter Reverter
	log      *slog.Logger
	now      func() time.Time
}

func NewReconciler(cfg Config, staging StagingLister, reverter Reverter) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = max(min(cfg.StaleAfter/10, time.Hour), time.Minute)
	}
	return &Reconciler{
		cfg:      cfg,
		staging:  staging,
		reverter: reverter,
		log:      slog.Default().With("component", "reconciler"),
		now:      time.Now,
	}
}

// Start runs passes until ctx is done. It returns immediately when disabled.
func (r *Reconciler) Start(ctx context.Context) {
	if r.cfg.StaleAfter <= 0 {
		return
	}
	r.log.Info("Reconciler started", "stale_after", r.cfg.StaleAfter, "interval", r.cfg.Interval)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs a single pass and returns the number of messages reverted.
func (r *Reconciler) Reconcile(ctx context.Context) int {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	stale, err := r.staging.ListOlderThan(ctx, cutoff)
	if err != nil {
		r.log.Error("Failed to list stale retries", "error", err)
		return 0
	}

	reverted := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.reverter.RevertRetry(ctx, rec.UniqueMessageID)
		if err != nil {
			r.log.Warn("Failed to revert stale retry", "unique_message_id", rec.UniqueMessageID, "error", err)
			continue
		}
		if ok {
			reverted++
			r.log.Info("Reverted stale retry",
				"unique_message_id", rec.UniqueMessageID,
				"destination", rec.Destination,
				"batch_id", rec.BatchID,
				"staged_at", rec.CreatedAt,
			)
		}
	}
	if reverted > 0 {
		metrics.RetriesReconciled.Add(float64(reverted))
	}
	return reverted
}
