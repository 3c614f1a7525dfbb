// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// DatabaseURL selects the postgres backend; empty runs on the
	// in-memory backend (single process only).
	DatabaseURL string `env:"FLINTQ_DATABASE_URL"`
	// RedisURL, when set, moves distributed locking to Redis.
	RedisURL string `env:"FLINTQ_REDIS_URL"`

	Queues              []string      `env:"FLINTQ_QUEUES" envSeparator:"," envDefault:"default"`
	WorkerCount         int           `env:"FLINTQ_WORKERS" envDefault:"10"`
	PollInterval        time.Duration `env:"FLINTQ_POLL_INTERVAL" envDefault:"1s"`
	BatchSize           int           `env:"FLINTQ_BATCH_SIZE" envDefault:"20"`
	MaintenanceInterval time.Duration `env:"FLINTQ_MAINTENANCE_INTERVAL" envDefault:"15s"`
	// StuckAfter must exceed the longest legitimate job runtime; jobs
	// whose worker died are requeued once they are this stale.
	StuckAfter    time.Duration `env:"FLINTQ_STUCK_AFTER" envDefault:"10m"`
	ScheduleBatch int           `env:"FLINTQ_SCHEDULE_BATCH" envDefault:"50"`
	// PruneAfter of zero keeps terminal jobs forever.
	PruneAfter time.Duration `env:"FLINTQ_PRUNE_AFTER" envDefault:"0"`
	LockTTL    time.Duration `env:"FLINTQ_LOCK_TTL" envDefault:"1m"`
	WorkerID   string        `env:"FLINTQ_WORKER_ID"`

	AdminAddr string `env:"FLINTQ_ADMIN_ADDR" envDefault:":8420"`

	BrokerURL        string `env:"FLINTQ_BROKER_URL"`
	BrokerExchange   string `env:"FLINTQ_BROKER_EXCHANGE" envDefault:"flintq"`
	BrokerQueue      string `env:"FLINTQ_BROKER_QUEUE" envDefault:"flintq_jobs"`
	BrokerRoutingKey string `env:"FLINTQ_BROKER_ROUTING_KEY" envDefault:"jobs"`

	LogLevel string `env:"FLINTQ_LOG_LEVEL" envDefault:"info"`
}

func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &c, nil
}
