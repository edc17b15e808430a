package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultIdleTimeout is how long a drain waits without a matching message.
const DefaultIdleTimeout = 45 * time.Second

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expanding environment variables first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
		if cfg.Database.URL != "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if cfg.Storage.Bodies == "" {
		cfg.Storage.Bodies = cfg.Storage.Driver
	}
	if cfg.Storage.Staging == "" {
		cfg.Storage.Staging = cfg.Storage.Driver
	}
	if cfg.Transport.Driver == "" {
		cfg.Transport.Driver = "memory"
		if cfg.NATS.URL != "" {
			cfg.Transport.Driver = "nats"
		}
	}
	if cfg.Queues.Error == "" {
		cfg.Queues.Error = "error"
	}
	if cfg.Queues.Audit == "" {
		cfg.Queues.Audit = "audit"
	}
	if cfg.Queues.Staging == "" {
		cfg.Queues.Staging = "recoverability.staging"
	}
	if cfg.Notify.Driver == "" {
		cfg.Notify.Driver = "log"
	}
	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = "recoverability.events"
	}
	if cfg.Recoverability.IdleTimeout == 0 {
		cfg.Recoverability.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Recoverability.Reconcile.StaleAfter > 0 && cfg.Recoverability.Reconcile.Interval == 0 {
		// 10% of the stale window, clamped to [1m, 1h]
		interval := min(cfg.Recoverability.Reconcile.StaleAfter/10, time.Hour)
		cfg.Recoverability.Reconcile.Interval = max(interval, time.Minute)
	}
}

// Validate checks driver selections against the available backends.
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("storage driver postgres requires database.url")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}

	for name, driver := range map[string]string{"bodies": c.Storage.Bodies, "staging": c.Storage.Staging} {
		switch driver {
		case "memory":
		case "postgres":
			if c.Storage.Driver != "postgres" {
				return fmt.Errorf("storage.%s postgres requires storage driver postgres", name)
			}
		case "redis":
			if c.Redis.URL == "" {
				return fmt.Errorf("storage.%s redis requires redis.url", name)
			}
		default:
			return fmt.Errorf("unknown storage.%s driver: %s", name, driver)
		}
	}

	switch c.Transport.Driver {
	case "memory":
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("transport driver nats requires nats.url")
		}
	default:
		return fmt.Errorf("unknown transport driver: %s", c.Transport.Driver)
	}

	switch c.Notify.Driver {
	case "log":
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("notify driver nats requires nats.url")
		}
	default:
		return fmt.Errorf("unknown notify driver: %s", c.Notify.Driver)
	}

	if c.Recoverability.IdleTimeout < 0 {
		return fmt.Errorf("recoverability.idle_timeout must not be negative")
	}
	return nil
}
