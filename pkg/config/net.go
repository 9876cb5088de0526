package config

import "time"

// MeshConfig holds mesh manager timeouts in milliseconds.
type MeshConfig struct {
    AckTimeoutMS      int `mapstructure:"ack_timeout_ms"`
    ResponseTimeoutMS int `mapstructure:"response_timeout_ms"`
    StartTimeoutMS    int `mapstructure:"start_timeout_ms"`
    DedupTTLMS        int `mapstructure:"dedup_ttl_ms"`
}

// RetryConfig bounds automatic reconnect attempts.
type RetryConfig struct {
    MaxAttempts int `mapstructure:"max_attempts"`
    InitialMS   int `mapstructure:"initial_ms"`
    MaxMS       int `mapstructure:"max_ms"`
    JitterMS    int `mapstructure:"jitter_ms"`
}

// EgressConfig shapes outbound traffic per destination; zero rate disables.
type EgressConfig struct {
    RateBytesPerSec int64 `mapstructure:"rate_bytes_per_sec"`
    BurstBytes      int64 `mapstructure:"burst_bytes"`
}

// Millis converts a millisecond setting.
func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
