// Package config provides configuration loading from environment variables.
package config

import (
	"time"

	"github.com/google/uuid"
)

// ServiceConfig holds configuration for the coordinator service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	InstanceID        string        // Peer id announced on the broadcast bus
	StorageBackend    string        // memory | filesystem | redis
	StorageDir        string        // Root directory for the filesystem backend
	BusBackend        string        // memory | redis
	RedisURL          string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		InstanceID:        GetEnv("INSTANCE_ID", uuid.NewString()),
		StorageBackend:    GetEnv("STORAGE_BACKEND", "memory"),
		StorageDir:        GetEnv("STORAGE_DIR", "./data"),
		BusBackend:        GetEnv("BUS_BACKEND", "memory"),
		RedisURL:          GetEnv("REDIS_URL", "redis://localhost:6379/0"),
	}
}
