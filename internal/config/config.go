package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = "8080"

	// DefaultAuditPort is the default HTTP port of the audit service.
	DefaultAuditPort = "8081"

	// DefaultDatabaseURL is empty; must be provided via flag or environment.
	DefaultDatabaseURL = ""

	// DefaultRedisURL points at a local Redis.
	DefaultRedisURL = "redis://localhost:6379/0"
)

// Messaging holds the tuning knobs of the outbox relay and the consumers.
type Messaging struct {
	// MaxDeliveries is the number of delivery attempts before a message is dead-lettered.
	MaxDeliveries int `env:"CASEFLOW_MAX_DELIVERIES" envDefault:"5"`
	// HandlerAttempts bounds the in-process retries of one delivery.
	HandlerAttempts int           `env:"CASEFLOW_HANDLER_ATTEMPTS" envDefault:"3"`
	HandlerDelay    time.Duration `env:"CASEFLOW_HANDLER_DELAY" envDefault:"100ms"`
	HandlerMaxDelay time.Duration `env:"CASEFLOW_HANDLER_MAX_DELAY" envDefault:"2s"`

	Concurrency int           `env:"CASEFLOW_CONSUMER_CONCURRENCY" envDefault:"2"`
	BatchSize   int64         `env:"CASEFLOW_CONSUMER_BATCH_SIZE" envDefault:"10"`
	Block       time.Duration `env:"CASEFLOW_CONSUMER_BLOCK" envDefault:"2s"`

	ReclaimInterval time.Duration `env:"CASEFLOW_RECLAIM_INTERVAL" envDefault:"30s"`
	ReclaimMinIdle  time.Duration `env:"CASEFLOW_RECLAIM_MIN_IDLE" envDefault:"1m"`

	RelayInterval  time.Duration `env:"CASEFLOW_RELAY_INTERVAL" envDefault:"1s"`
	RelayBatchSize uint64        `env:"CASEFLOW_RELAY_BATCH_SIZE" envDefault:"50"`
	// RelayMaxBackoff caps the relay's wait while the broker keeps rejecting messages.
	RelayMaxBackoff time.Duration `env:"CASEFLOW_RELAY_MAX_BACKOFF" envDefault:"1m"`
}

// LoadDotEnv loads variables from a .env file in the working directory, if one exists.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// LoadMessaging reads Messaging from the environment, applying defaults for unset values.
func LoadMessaging() (Messaging, error) {
	var cfg Messaging
	if err := env.Parse(&cfg); err != nil {
		return Messaging{}, fmt.Errorf("parse messaging config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Messaging{}, err
	}
	return cfg, nil
}

// Validate checks that the values are usable.
func (m Messaging) Validate() error {
	if m.MaxDeliveries < 1 {
		return fmt.Errorf("max deliveries must be at least 1, got %d", m.MaxDeliveries)
	}
	if m.HandlerAttempts < 1 {
		return fmt.Errorf("handler attempts must be at least 1, got %d", m.HandlerAttempts)
	}
	if m.Concurrency < 1 {
		return fmt.Errorf("consumer concurrency must be at least 1, got %d", m.Concurrency)
	}
	if m.BatchSize < 1 || m.RelayBatchSize < 1 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if m.RelayMaxBackoff < m.RelayInterval {
		return fmt.Errorf("relay max backoff %s is shorter than the relay interval %s", m.RelayMaxBackoff, m.RelayInterval)
	}
	return nil
}
