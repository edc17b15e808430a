// Package drain drives a shared queue to completion for one logical batch.
//
// A run consumes matching messages until either the expected number has been
// handled or no matching message arrived within the idle window. Whatever
// triggers completion, and however many triggers race, the underlying pump is
// stopped exactly once.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/redrive/internal/infra/transport"
	"github.com/vietddude/redrive/internal/monitoring/metrics"
)

// ErrAlreadyRunning is returned when Run is called while a run is in progress.
var ErrAlreadyRunning = errors.New("drain already running")

// DefaultIdleTimeout is the idle window used when none is configured.
const DefaultIdleTimeout = 45 * time.Second

// Predicate selects the messages that belong to a run.
type Predicate func(msg *transport.Message) bool

// Handler processes a matching message.
type Handler func(ctx context.Context, msg *transport.Message) error

// FailureHandler receives messages whose Handler returned an error.
type FailureHandler func(ctx context.Context, msg *transport.Message, err error)

// PumpSource creates pumps over a queue.
type PumpSource interface {
	NewPump(queue string) (transport.Pump, error)
}

// StopReason tells why a run completed.
type StopReason string

const (
	ReasonTargetReached StopReason = "target_reached"
	ReasonIdle          StopReason = "idle"
	ReasonStopped       StopReason = "stopped"
	ReasonCancelled     StopReason = "cancelled"
)

// Config holds drain settings.
type Config struct {
	// Queue is the staging queue drained by every run.
	Queue string
	// IdleTimeout ends a run when no matching message arrived for this long.
	// With a target count it bounds how long a run waits for stragglers.
	IdleTimeout time.Duration
	// StopTimeout bounds how long stopping waits for in-flight handlers.
	StopTimeout time.Duration
}

// Result summarizes a completed run.
type Result struct {
	Handled  int64
	Failed   int64
	Reason   StopReason
	Duration time.Duration
}

// Drain runs batches over one queue. Runs are sequential; use one Drain per
// concurrent batch.
type Drain struct {
	source    PumpSource
	handler   Handler
	onFailure FailureHandler
	cfg       Config
	log       *slog.Logger

	running  atomic.Bool
	stopping atomic.Bool
	handled  atomic.Int64
	failed   atomic.Int64

	mu       sync.Mutex
	stopCh   chan struct{}
	activity chan struct{}
	reason   StopReason
}

// New creates a drain. onFailure may be nil.
func New(source PumpSource, handler Handler, onFailure FailureHandler, cfg Config) *Drain {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	d := &Drain{
		source:    source,
		handler:   handler,
		onFailure: onFailure,
		cfg:       cfg,
		log:       slog.Default().With("component", "drain", "queue", cfg.Queue),
	}
	// Not accepting until a run begins.
	d.stopping.Store(true)
	return d
}

// Run blocks until the run completes, Stop is called or ctx is done.
// targetCount 0 means the run ends on idle only.
func (d *Drain) Run(ctx context.Context, predicate Predicate, targetCount int) (Result, error) {
	if targetCount < 0 {
		return Result{}, fmt.Errorf("invalid target count %d", targetCount)
	}
	if !d.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer d.running.Store(false)

	start := time.Now()
	d.mu.Lock()
	d.stopCh = make(chan struct{})
	d.activity = make(chan struct{}, 1)
	d.reason = ""
	d.mu.Unlock()
	d.handled.Store(0)
	d.failed.Store(0)
	d.stopping.Store(false)

	pump, err := d.source.NewPump(d.cfg.Queue)
	if err != nil {
		d.stopping.Store(true)
		return Result{}, fmt.Errorf("failed to create pump: %w", err)
	}

	target := int64(targetCount)
	if err := pump.Start(ctx, d.handle(predicate, target)); err != nil {
		d.stopping.Store(true)
		return Result{}, fmt.Errorf("failed to start pump: %w", err)
	}
	d.log.Debug("Drain started", "target", targetCount, "idle_timeout", d.cfg.IdleTimeout)

	d.wait(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.StopTimeout)
	defer cancel()
	stopErr := pump.Stop(stopCtx)

	d.mu.Lock()
	reason := d.reason
	d.mu.Unlock()

	res := Result{
		Handled:  d.handled.Load(),
		Failed:   d.failed.Load(),
		Reason:   reason,
		Duration: time.Since(start),
	}
	metrics.DrainRuns.WithLabelValues(string(reason)).Inc()
	metrics.DrainDuration.Observe(res.Duration.Seconds())
	d.log.Info("Drain completed",
		"reason", reason,
		"handled", res.Handled,
		"failed", res.Failed,
		"duration", res.Duration,
	)

	if stopErr != nil {
		return res, fmt.Errorf("failed to stop pump: %w", stopErr)
	}
	return res, nil
}

func (d *Drain) wait(ctx context.Context) {
	d.mu.Lock()
	stopCh, activity := d.stopCh, d.activity
	d.mu.Unlock()

	idle := time.NewTimer(d.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-activity:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.cfg.IdleTimeout)
		case <-idle.C:
			d.requestStop(ReasonIdle)
		case <-ctx.Done():
			d.requestStop(ReasonCancelled)
		}
	}
}

// requestStop records the first trigger and wakes the run. Later triggers are no-ops.
func (d *Drain) requestStop(reason StopReason) bool {
	if !d.stopping.CompareAndSwap(false, true) {
		return false
	}
	d.mu.Lock()
	d.reason = reason
	close(d.stopCh)
	d.mu.Unlock()
	return true
}

// Stop ends the current run. It is idempotent, safe to call from a handler and
// a no-op when no run is in progress.
func (d *Drain) Stop() {
	d.requestStop(ReasonStopped)
}

// Handled returns the number of matching messages handled by the current or last run.
func (d *Drain) Handled() int64 {
	return d.handled.Load()
}

func (d *Drain) handle(predicate Predicate, target int64) transport.Handler {
	return func(ctx context.Context, msg *transport.Message) error {
		// No new message is accepted once stopping begins.
		if d.stopping.Load() {
			return transport.ErrRelease
		}
		if predicate != nil && !predicate(msg) {
			return transport.ErrRelease
		}

		if err := d.invoke(ctx, msg); err != nil {
			d.failed.Add(1)
			d.fail(ctx, msg, err)
		}

		n := d.handled.Add(1)
		select {
		case d.activity <- struct{}{}:
		default:
		}
		if target > 0 && n == target {
			d.requestStop(ReasonTargetReached)
		}
		return nil
	}
}

func (d *Drain) invoke(ctx context.Context, msg *transport.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler(ctx, msg)
}

func (d *Drain) fail(ctx context.Context, msg *transport.Message, cause error) {
	if d.onFailure == nil {
		d.log.Warn("Message handling failed", "message_id", msg.ID, "error", cause)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Failure handler panicked", "message_id", msg.ID, "panic", r)
		}
	}()
	d.onFailure(ctx, msg, cause)
}
