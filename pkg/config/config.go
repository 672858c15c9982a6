// Package config loads the Runtime Engine's structured configuration
// record from the environment, the same os.Getenv-with-defaults style
// as the teacher's own config loader, adapted to the fields this
// engine needs (scope, store/transport DSNs, redelivery policy,
// telemetry endpoint).
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds everything a runtime-engine binary needs to wire a
// single (tenant, workspace, agent) engine instance.
type Config struct {
	Tenant    string
	Workspace string
	AgentID   string

	Deterministic bool

	MaxDelivery       int
	BackoffScheduleMS []int

	StoreDSN string
	RedisAddr string

	TickIntervalMS int

	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from the environment, falling back to safe
// local defaults so the binary runs out of the box in dev, matching
// the teacher's Load() convention.
func Load() *Config {
	return &Config{
		Tenant:    getenv("RUNTIME_TENANT", "default"),
		Workspace: getenv("RUNTIME_WORKSPACE", "default"),
		AgentID:   getenv("RUNTIME_AGENT_ID", "sys_lock_manager"),

		Deterministic: os.Getenv("RUNTIME_DETERMINISTIC") == "true",

		MaxDelivery:       getenvInt("RUNTIME_MAX_DELIVERY", 5),
		BackoffScheduleMS: getenvIntList("RUNTIME_BACKOFF_MS", []int{1000, 5000, 10000, 30000, 60000}),

		StoreDSN:  getenv("RUNTIME_STORE_DSN", "file::memory:?cache=shared"),
		RedisAddr: getenv("RUNTIME_REDIS_ADDR", "localhost:6379"),

		TickIntervalMS: getenvInt("RUNTIME_TICK_INTERVAL_MS", 1000),

		OTLPEndpoint: getenv("RUNTIME_OTLP_ENDPOINT", "localhost:4317"),
		ServiceName:  getenv("RUNTIME_SERVICE_NAME", "runtime-engine"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvIntList(key string, fallback []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	return out
}
