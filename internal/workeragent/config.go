package workeragent

import (
	"time"

	"coordinator/internal/config"

	"github.com/google/uuid"
)

// Config holds configuration for a worker agent.
type Config struct {
	CoordinatorURL       string        // ws:// or wss:// base URL of a coordinator
	Queue                string        // queue to serve
	WorkerID             string        // stable id, generated when empty
	APIKey               string        // bearer token, empty when auth is disabled
	CPUs                 int           // advertised and used to filter claims (default: 1)
	GPUs                 int           // advertised and used to filter claims
	Concurrency          int           // jobs run at once (default: 1)
	MaxJobDuration       time.Duration // caps each job's timeout, 0 = no cap
	RegistrationInterval time.Duration // heartbeat cadence (default: 5s)
	ClaimTimeout         time.Duration // unconfirmed claims expire after this (default: 10s)
	ReconnectMax         time.Duration // upper bound of reconnect backoff (default: 30s)
}

// LoadConfigFromEnv loads worker configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		CoordinatorURL:       config.GetEnv("COORDINATOR_URL", "ws://localhost:8080"),
		Queue:                config.GetEnv("QUEUE", "default"),
		WorkerID:             config.GetEnv("WORKER_ID", ""),
		APIKey:               config.GetSecretFile(config.GetEnv("API_KEY_FILE", "")),
		CPUs:                 config.GetIntEnv("WORKER_CPUS", 1),
		GPUs:                 config.GetIntEnv("WORKER_GPUS", 0),
		Concurrency:          config.GetIntEnv("WORKER_CONCURRENCY", 1),
		MaxJobDuration:       config.GetDurationEnv("WORKER_MAX_DURATION", 0),
		RegistrationInterval: config.GetDurationEnv("REGISTRATION_INTERVAL", 5*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.GPUs < 0 {
		c.GPUs = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RegistrationInterval <= 0 {
		c.RegistrationInterval = 5 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 10 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}
