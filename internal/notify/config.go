package notify

import (
	"time"

	"genjobs/internal/config"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultDeliverTimeout = 30 * time.Second
)

// Config holds configuration for the notifier.
type Config struct {
	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 2)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	RateLimit   float64       // deliveries per second per destination host (default: 5)
	Burst       int           // burst per destination host (default: 5)
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:  config.GetIntEnv("NOTIFIER_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFIER_WORKERS", 2),
		HTTPTimeout: config.GetDurationEnv("NOTIFIER_HTTP_TIMEOUT", 10*time.Second),
		RateLimit:   config.GetFloatEnv("NOTIFIER_RATE_LIMIT", 5),
		Burst:       config.GetIntEnv("NOTIFIER_BURST", 5),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	return c
}
