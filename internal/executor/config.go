package executor

import (
	"strings"
	"time"

	"coordinator/internal/config"
)

// Config holds configuration for the Docker executor.
type Config struct {
	WorkerID        string        // labels containers so a restart can reclaim them
	ExtraHosts      []string      // extra /etc/hosts entries (e.g. ["registry.test:host-gateway"])
	LogTail         int           // output lines kept for the job result (default: 100)
	DownloadTimeout time.Duration // budget for fetching URL inputs (default: 60s)
	StopTimeout     time.Duration // grace period before a killed container is removed (default: 10s)
}

// LoadConfigFromEnv loads executor configuration from environment variables.
func LoadConfigFromEnv(workerID string) Config {
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	cfg := Config{
		WorkerID:        workerID,
		ExtraHosts:      extraHosts,
		LogTail:         config.GetIntEnv("EXECUTOR_LOG_TAIL", 100),
		DownloadTimeout: config.GetDurationEnv("EXECUTOR_DOWNLOAD_TIMEOUT", 60*time.Second),
		StopTimeout:     config.GetDurationEnv("EXECUTOR_STOP_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.LogTail <= 0 {
		c.LogTail = 100
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 60 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}
