package dispatcher

import (
	"time"

	"coordinator/internal/config"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize      int           // pending events buffer (default: 10000)
	Workers         int           // delivery lanes, one goroutine each (default: 10)
	HTTPTimeout     time.Duration // per-request timeout (default: 10s)
	MaxRetries      int           // retries after the first attempt (default: 3)
	InitialBackoff  time.Duration // first retry delay (default: 100ms)
	MaxBackoff      time.Duration // retry delay cap (default: 5s)
	DeliveryTimeout time.Duration // budget for one event including retries (default: 30s)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:      config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 10000),
		Workers:         config.GetIntEnv("DISPATCHER_WORKERS", 10),
		HTTPTimeout:     config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:      config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
		DeliveryTimeout: config.GetDurationEnv("DISPATCHER_DELIVERY_TIMEOUT", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	return c
}
