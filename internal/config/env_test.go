package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	assert.Equal(t, "default", GetEnv("COORDINATOR_TEST_NONEXISTENT", "default"))

	t.Setenv("COORDINATOR_TEST_GET_ENV", "custom")
	assert.Equal(t, "custom", GetEnv("COORDINATOR_TEST_GET_ENV", "default"))
}

func TestGetIntEnv(t *testing.T) {
	assert.Equal(t, 42, GetIntEnv("COORDINATOR_TEST_NONEXISTENT_INT", 42))

	t.Setenv("COORDINATOR_TEST_INT", "123")
	assert.Equal(t, 123, GetIntEnv("COORDINATOR_TEST_INT", 42))

	t.Setenv("COORDINATOR_TEST_BAD_INT", "not-a-number")
	assert.Equal(t, 42, GetIntEnv("COORDINATOR_TEST_BAD_INT", 42))
}

func TestGetDurationEnv(t *testing.T) {
	defaultDuration := 5 * time.Second
	assert.Equal(t, defaultDuration, GetDurationEnv("COORDINATOR_TEST_NONEXISTENT_DURATION", defaultDuration))

	t.Setenv("COORDINATOR_TEST_DURATION", "30s")
	assert.Equal(t, 30*time.Second, GetDurationEnv("COORDINATOR_TEST_DURATION", defaultDuration))

	t.Setenv("COORDINATOR_TEST_DURATION_MS", "100ms")
	assert.Equal(t, 100*time.Millisecond, GetDurationEnv("COORDINATOR_TEST_DURATION_MS", defaultDuration))

	t.Setenv("COORDINATOR_TEST_BAD_DURATION", "soon")
	assert.Equal(t, defaultDuration, GetDurationEnv("COORDINATOR_TEST_BAD_DURATION", defaultDuration))
}

func TestGetSecretFile(t *testing.T) {
	assert.Empty(t, GetSecretFile(""))
	assert.Empty(t, GetSecretFile("/nonexistent/path/to/secret"))

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("my-secret-value\n"), 0o600))
	assert.Equal(t, "my-secret-value", GetSecretFile(path))
}

func TestLoadServiceConfig(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("INSTANCE_ID", "coord-a")

	cfg := LoadServiceConfig()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "redis", cfg.StorageBackend)
	assert.Equal(t, "coord-a", cfg.InstanceID)
	assert.Equal(t, "memory", cfg.BusBackend)
}

func TestLoadServiceConfig_GeneratesInstanceID(t *testing.T) {
	t.Setenv("INSTANCE_ID", "")

	a := LoadServiceConfig()
	b := LoadServiceConfig()
	assert.NotEmpty(t, a.InstanceID)
	assert.NotEqual(t, a.InstanceID, b.InstanceID)
}
