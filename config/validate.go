package config

import (
	"fmt"
	"strings"
)

// MaxRateLimitPerSecond bounds the RPC limiter.
var MaxRateLimitPerSecond = float64(10_000)

func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	switch c.Backend {
	case BackendLevelDB, BackendMemory:
	default:
		return fmt.Errorf("backend: unsupported %q", c.Backend)
	}
	if c.LevelDB.CacheMiB < 0 || c.LevelDB.Handles < 0 {
		return fmt.Errorf("leveldb: cache and handles must not be negative")
	}
	if c.RPC.RateLimitPerSecond < 0 || c.RPC.RateLimitPerSecond > MaxRateLimitPerSecond {
		return fmt.Errorf("rpc: rate limit must be within [0, %.0f]", MaxRateLimitPerSecond)
	}
	if c.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: rate limit burst must not be negative")
	}
	if c.RPC.MaxConnections < 0 {
		return fmt.Errorf("rpc: max connections must not be negative")
	}
	if c.Results.TTLMinutes < 0 {
		return fmt.Errorf("results: ttl must not be negative")
	}
	if _, err := c.Profile.Resolve(); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	if strings.TrimSpace(c.Genesis.File) == "" {
		spec, err := c.Genesis.Spec()
		if err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		if _, err := spec.Resolve(); err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka: brokers required when enabled")
		}
		if strings.TrimSpace(c.Kafka.Topic) == "" {
			return fmt.Errorf("kafka: topic required when enabled")
		}
	}
	if c.Kafka.BatchTimeoutMillis < 0 {
		return fmt.Errorf("kafka: batch timeout must not be negative")
	}
	if c.Telemetry.Traces || c.Telemetry.Metrics {
		if strings.TrimSpace(c.Telemetry.Endpoint) == "" {
			return fmt.Errorf("telemetry: endpoint required when exporters are enabled")
		}
	}
	return nil
}
