package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/helm/core/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"RUNTIME_TENANT", "RUNTIME_WORKSPACE", "RUNTIME_AGENT_ID", "RUNTIME_DETERMINISTIC",
		"RUNTIME_MAX_DELIVERY", "RUNTIME_BACKOFF_MS", "RUNTIME_STORE_DSN", "RUNTIME_REDIS_ADDR",
		"RUNTIME_TICK_INTERVAL_MS", "RUNTIME_OTLP_ENDPOINT", "RUNTIME_SERVICE_NAME",
	} {
		os.Unsetenv(key)
	}

	cfg := config.Load()
	assert.Equal(t, "default", cfg.Tenant)
	assert.Equal(t, "default", cfg.Workspace)
	assert.Equal(t, 5, cfg.MaxDelivery)
	assert.Equal(t, []int{1000, 5000, 10000, 30000, 60000}, cfg.BackoffScheduleMS)
	assert.False(t, cfg.Deterministic)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("RUNTIME_TENANT", "acme")
	t.Setenv("RUNTIME_WORKSPACE", "prod")
	t.Setenv("RUNTIME_DETERMINISTIC", "true")
	t.Setenv("RUNTIME_BACKOFF_MS", "100,200,300")

	cfg := config.Load()
	assert.Equal(t, "acme", cfg.Tenant)
	assert.Equal(t, "prod", cfg.Workspace)
	assert.True(t, cfg.Deterministic)
	assert.Equal(t, []int{100, 200, 300}, cfg.BackoffScheduleMS)
}
