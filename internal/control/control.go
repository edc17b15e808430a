// Package control wires the configured backends into a running recoverability
// engine.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vietddude/redrive/internal/core/config"
	redisclient "github.com/vietddude/redrive/internal/infra/redis"
	"github.com/vietddude/redrive/internal/infra/notify"
	"github.com/vietddude/redrive/internal/infra/storage"
	"github.com/vietddude/redrive/internal/infra/storage/memory"
	"github.com/vietddude/redrive/internal/infra/storage/postgres"
	"github.com/vietddude/redrive/internal/infra/transport"
	transportmem "github.com/vietddude/redrive/internal/infra/transport/memory"
	"github.com/vietddude/redrive/internal/infra/transport/natsjs"
	"github.com/vietddude/redrive/internal/monitoring/health"
	"github.com/vietddude/redrive/internal/monitoring/metrics"
	"github.com/vietddude/redrive/internal/recoverability/classifier"
	"github.com/vietddude/redrive/internal/recoverability/ingest"
	"github.com/vietddude/redrive/internal/recoverability/ledger"
	"github.com/vietddude/redrive/internal/recoverability/reconcile"
	"github.com/vietddude/redrive/internal/recoverability/redelivery"
	"github.com/vietddude/redrive/internal/recoverability/retry"
)

// App is the assembled engine. Commands that only read or mutate records can
// use it without calling Start.
type App struct {
	cfg config.AppConfig
	log *slog.Logger

	db     *postgres.DB
	redis  *redisclient.Client
	nats   *natsjs.Transport
	broker *transportmem.Broker

	transport transport.Transport
	publisher notify.Publisher
	messages  storage.FailedMessageRepository

	ledger       *ledger.Ledger
	retry        *retry.Service
	ingester     *ingest.Ingester
	reconciler   *reconcile.Reconciler
	healthMon    *health.Monitor
	healthServer *health.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type backends struct {
	messages storage.FailedMessageRepository
	groups   storage.FailureGroupRepository
	bodies   storage.BodyStore
	staging  storage.StagingRepository
}

// New connects the configured backends and builds every component. Postgres
// migrations are applied before the repositories are used.
func New(ctx context.Context, cfg config.AppConfig) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: slog.Default().With("component", "control")}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	checks := make(map[string]health.Check)

	b, err := a.openStorage(ctx, checks)
	if err != nil {
		return nil, err
	}
	if err := a.openTransport(ctx, checks); err != nil {
		return nil, err
	}

	if cfg.Notify.Driver == "nats" {
		a.publisher = notify.NewNATSPublisher(a.nats.Conn(), cfg.Notify.SubjectPrefix)
	} else {
		a.publisher = notify.NewLogPublisher()
	}

	classifiers := classifier.Default().OnError(func(name string, err error) {
		metrics.ClassificationErrors.WithLabelValues(name).Inc()
	})
	a.messages = b.messages
	a.ledger = ledger.New(ledger.Config{
		Messages:    b.messages,
		Groups:      b.groups,
		Bodies:      b.bodies,
		Staging:     b.staging,
		Classifiers: classifiers,
		Publisher:   a.publisher,
	})

	a.retry = retry.NewService(
		a.ledger,
		a.transport,
		a.transport,
		redelivery.NewReturner(a.transport, b.bodies),
		redelivery.NewFailureCompensator(a.ledger, a.publisher),
		a.publisher,
		retry.Config{
			StagingQueue:      cfg.Queues.Staging,
			RedeliveryEnabled: cfg.Recoverability.RedeliveryEnabled,
			IdleTimeout:       cfg.Recoverability.IdleTimeout,
		},
	)
	a.ingester = ingest.NewIngester(a.ledger, a.transport, ingest.Config{
		ErrorQueue: cfg.Queues.Error,
		AuditQueue: cfg.Queues.Audit,
	})
	a.reconciler = reconcile.NewReconciler(reconcile.Config{
		StaleAfter: cfg.Recoverability.Reconcile.StaleAfter,
		Interval:   cfg.Recoverability.Reconcile.Interval,
	}, b.staging, a.ledger)

	a.healthMon = health.NewMonitor(b.messages, cfg.Health, checks)
	if cfg.Server.Port > 0 {
		a.healthServer = health.NewServer(a.healthMon, cfg.Server.Port)
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context, checks map[string]health.Check) (backends, error) {
	cfg := a.cfg
	store := memory.NewMemoryStorage()
	b := backends{
		messages: memory.NewFailedMessageRepo(store),
		groups:   memory.NewGroupRepo(store),
		bodies:   memory.NewBodyStore(store),
		staging:  memory.NewStagingRepo(store),
	}

	if cfg.Storage.Driver == "postgres" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return b, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.db = db
		if err := db.Migrate(ctx); err != nil {
			return b, err
		}
		b.messages = postgres.NewFailedMessageRepo(db)
		b.groups = postgres.NewGroupRepo(db)
		checks["storage"] = db.Health
		a.log.Info("Using PostgreSQL storage")
	} else {
		checks["storage"] = store.Health
		a.log.Warn("Using in-memory storage, records are lost on restart")
	}

	if cfg.Storage.Bodies == "redis" || cfg.Storage.Staging == "redis" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return b, err
		}
		a.redis = client
		checks["redis"] = client.Health
	}

	switch cfg.Storage.Bodies {
	case "postgres":
		b.bodies = postgres.NewBodyStore(a.db)
	case "redis":
		b.bodies = redisclient.NewBodyStore(a.redis, cfg.Redis.BodyTTL)
	}
	switch cfg.Storage.Staging {
	case "postgres":
		b.staging = postgres.NewStagingRepo(a.db)
	case "redis":
		b.staging = redisclient.NewStagingRepo(a.redis)
	}
	a.log.Info("Storage ready",
		"records", cfg.Storage.Driver,
		"bodies", cfg.Storage.Bodies,
		"staging", cfg.Storage.Staging,
	)
	return b, nil
}

func (a *App) openTransport(ctx context.Context, checks map[string]health.Check) error {
	cfg := a.cfg
	if cfg.Transport.Driver == "nats" || cfg.Notify.Driver == "nats" {
		t, err := natsjs.Connect(cfg.NATS)
		if err != nil {
			return err
		}
		a.nats = t
		checks["nats"] = t.Health
	}

	if cfg.Transport.Driver == "nats" {
		a.transport = a.nats
	} else {
		a.broker = transportmem.NewBroker(transportmem.Options{Concurrency: 4, ReleaseDelay: time.Second})
		a.transport = a.broker
		checks["transport"] = a.broker.Health
	}

	for _, q := range []string{cfg.Queues.Error, cfg.Queues.Audit, cfg.Queues.Staging} {
		if q == "" {
			continue
		}
		if err := a.transport.Declare(ctx, q); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}
	return nil
}

// Start begins ingestion, the reconciler and the health server.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.healthServer != nil {
		go func() {
			if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Health server failed", "error", err)
			}
		}()
	}

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if err := a.ingester.Start(ctx); err != nil {
		a.cancel()
		return fmt.Errorf("failed to start ingestion: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reconciler.Start(ctx)
	}()

	a.log.Info("Engine started",
		"error_queue", a.cfg.Queues.Error,
		"audit_queue", a.cfg.Queues.Audit,
		"redelivery_enabled", a.cfg.Recoverability.RedeliveryEnabled,
	)
	return nil
}

// Stop drains in-flight messages and releases every backend.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping engine...")

	var errs []error
	if err := a.ingester.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop ingestion: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.healthServer != nil {
		if err := a.healthServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop health server: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases backends of an App that was never started.
func (a *App) Close() error {
	return a.close()
}

func (a *App) close() error {
	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close nats: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Ledger() *ledger.Ledger            { return a.ledger }
func (a *App) Retry() *retry.Service             { return a.retry }
func (a *App) Transport() transport.Transport    { return a.transport }
func (a *App) Health() *health.Monitor           { return a.healthMon }
func (a *App) Reconciler() *reconcile.Reconciler { return a.reconciler }
