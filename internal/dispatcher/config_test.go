package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCHER_WORKERS", "4")
	t.Setenv("DISPATCHER_MAX_RETRIES", "7")
	t.Setenv("DISPATCHER_HTTP_TIMEOUT", "2s")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 10000, cfg.BufferSize)
}

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       MemoryConfig
		expected MemoryConfig
	}{
		{
			name: "zero values",
			in:   MemoryConfig{},
			expected: MemoryConfig{
				BufferSize: 10000, Workers: 10, HTTPTimeout: 10 * time.Second, MaxRetries: 3,
				InitialBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second, DeliveryTimeout: 30 * time.Second,
			},
		},
		{
			name: "negative values",
			in:   MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -1, MaxRetries: -1},
			expected: MemoryConfig{
				BufferSize: 10000, Workers: 10, HTTPTimeout: 10 * time.Second, MaxRetries: 3,
				InitialBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second, DeliveryTimeout: 30 * time.Second,
			},
		},
		{
			name: "preserves valid values",
			in: MemoryConfig{
				BufferSize: 500, Workers: 5, HTTPTimeout: 20 * time.Second, MaxRetries: 1,
				InitialBackoff: time.Millisecond, MaxBackoff: time.Second, DeliveryTimeout: time.Minute,
			},
			expected: MemoryConfig{
				BufferSize: 500, Workers: 5, HTTPTimeout: 20 * time.Second, MaxRetries: 1,
				InitialBackoff: time.Millisecond, MaxBackoff: time.Second, DeliveryTimeout: time.Minute,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.in.withDefaults())
		})
	}
}
