package config

import (
	"time"

	redisclient "github.com/vietddude/redrive/internal/infra/redis"
	"github.com/vietddude/redrive/internal/infra/storage/postgres"
	"github.com/vietddude/redrive/internal/infra/transport/natsjs"
	"github.com/vietddude/redrive/internal/monitoring/health"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Database       postgres.Config      `yaml:"database"`
	Redis          redisclient.Config   `yaml:"redis"`
	Transport      TransportConfig      `yaml:"transport"`
	NATS           natsjs.Config        `yaml:"nats"`
	Queues         QueueConfig          `yaml:"queues"`
	Notify         NotifyConfig         `yaml:"notify"`
	Recoverability RecoverabilityConfig `yaml:"recoverability"`
	Health         health.Thresholds    `yaml:"health"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StorageConfig selects where records, bodies and staging state live.
type StorageConfig struct {
	// Driver is memory or postgres.
	Driver string `yaml:"driver"`
	// Bodies is memory, postgres or redis.
	Bodies string `yaml:"bodies"`
	// Staging is memory, postgres or redis.
	Staging string `yaml:"staging"`
}

// TransportConfig selects the message transport.
type TransportConfig struct {
	// Driver is memory or nats.
	Driver string `yaml:"driver"`
}

// QueueConfig names the queues the engine consumes.
type QueueConfig struct {
	Error   string `yaml:"error"`
	Audit   string `yaml:"audit"`
	Staging string `yaml:"staging"`
}

// NotifyConfig selects where domain events are published.
type NotifyConfig struct {
	// Driver is log or nats.
	Driver        string `yaml:"driver"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RecoverabilityConfig holds the retry and redelivery settings.
type RecoverabilityConfig struct {
	// RedeliveryEnabled gates retry issuance and the return-to-sender drain.
	RedeliveryEnabled bool            `yaml:"redelivery_enabled"`
	IdleTimeout       time.Duration   `yaml:"idle_timeout"`
	Reconcile         ReconcileConfig `yaml:"reconcile"`
}

// ReconcileConfig controls the stale retry reconciler. StaleAfter 0 disables it.
type ReconcileConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	Interval   time.Duration `yaml:"interval"`
}
