package queue

import (
	"time"

	"coordinator/internal/config"
)

// Config holds the timing of a coordinator's background work.
type Config struct {
	LivenessWindow           time.Duration // worker silence before presumed lost (default: 30s)
	WorkerSweepInterval      time.Duration // roster broadcast, stale sweep, requeue sweep (default: 10s)
	MinimalBroadcastInterval time.Duration // job-states-minimal cadence (default: 5s)
	NamespaceSweepInterval   time.Duration // namespace supersede sweep (default: 10s)
	FinishedRemovalDelay     time.Duration // in-memory retention of finished jobs (default: 60s)
	StatusCollectWindow      time.Duration // status fan-out wait (default: 2s)
	SupersedeGrace           time.Duration // namespace grace window (default: 60s)
	IdleTimeout              time.Duration // dispose unused coordinators (default: 5m)
	PersistTimeout           time.Duration // per persistence call (default: 10s)
}

// LoadConfigFromEnv loads coordinator configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		LivenessWindow:           config.GetDurationEnv("LIVENESS_WINDOW", 30*time.Second),
		WorkerSweepInterval:      config.GetDurationEnv("WORKER_SWEEP_INTERVAL", 10*time.Second),
		MinimalBroadcastInterval: config.GetDurationEnv("MINIMAL_BROADCAST_INTERVAL", 5*time.Second),
		NamespaceSweepInterval:   config.GetDurationEnv("NAMESPACE_SWEEP_INTERVAL", 10*time.Second),
		FinishedRemovalDelay:     config.GetDurationEnv("FINISHED_REMOVAL_DELAY", 60*time.Second),
		StatusCollectWindow:      config.GetDurationEnv("STATUS_COLLECT_WINDOW", 2*time.Second),
		IdleTimeout:              config.GetDurationEnv("QUEUE_IDLE_TIMEOUT", 5*time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 30 * time.Second
	}
	if c.WorkerSweepInterval <= 0 {
		c.WorkerSweepInterval = 10 * time.Second
	}
	if c.MinimalBroadcastInterval <= 0 {
		c.MinimalBroadcastInterval = 5 * time.Second
	}
	if c.NamespaceSweepInterval <= 0 {
		c.NamespaceSweepInterval = 10 * time.Second
	}
	if c.FinishedRemovalDelay <= 0 {
		c.FinishedRemovalDelay = 60 * time.Second
	}
	if c.StatusCollectWindow <= 0 {
		c.StatusCollectWindow = 2 * time.Second
	}
	if c.SupersedeGrace <= 0 {
		c.SupersedeGrace = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	return c
}
