// Package config provides YAML-based configuration loading for meshbase nodes.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the node/application
    AppName string `mapstructure:"app_name"`

    // NodeName is advertised to peers in the hello
    NodeName string `mapstructure:"node_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Identity controls the device key pair.
    Identity IdentityConfig `mapstructure:"identity"`

    // Mesh holds manager timeouts
    Mesh MeshConfig `mapstructure:"mesh"`

    // Retry bounds automatic reconnects of every handler
    Retry RetryConfig `mapstructure:"retry"`

    // Egress shapes outbound traffic per destination
    Egress EgressConfig `mapstructure:"egress"`

    // Handlers lists the transport handlers to run
    Handlers []HandlerConfig `mapstructure:"handlers"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName:  "meshbase-node",
        NodeName: "node-1",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/meshbase.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Identity: IdentityConfig{KeyBits: 2048, KeyFile: "./data/identity.pem"},
        Mesh:     MeshConfig{AckTimeoutMS: 10000, ResponseTimeoutMS: 30000, StartTimeoutMS: 15000, DedupTTLMS: 2000},
        Retry:    RetryConfig{MaxAttempts: 5, InitialMS: 500, MaxMS: 30000, JitterMS: 250},
        Egress:   EgressConfig{RateBytesPerSec: 1_000_000, BurstBytes: 2_000_000},
        Handlers: []HandlerConfig{
            {
                ID:     "lan0",
                Kind:   "tcp",
                Listen: []string{":7777"},
            },
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MESHBASE and `.`/`-` are replaced with `_`.
// Example: MESHBASE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("MESHBASE")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("node_name", cfg.NodeName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("identity.key_bits", cfg.Identity.KeyBits)
    v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
    v.SetDefault("identity.key_file", cfg.Identity.KeyFile)
    v.SetDefault("mesh.ack_timeout_ms", cfg.Mesh.AckTimeoutMS)
    v.SetDefault("mesh.response_timeout_ms", cfg.Mesh.ResponseTimeoutMS)
    v.SetDefault("mesh.start_timeout_ms", cfg.Mesh.StartTimeoutMS)
    v.SetDefault("mesh.dedup_ttl_ms", cfg.Mesh.DedupTTLMS)
    v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)
    v.SetDefault("retry.initial_ms", cfg.Retry.InitialMS)
    v.SetDefault("retry.max_ms", cfg.Retry.MaxMS)
    v.SetDefault("retry.jitter_ms", cfg.Retry.JitterMS)
    v.SetDefault("egress.rate_bytes_per_sec", cfg.Egress.RateBytesPerSec)
    v.SetDefault("egress.burst_bytes", cfg.Egress.BurstBytes)
    v.SetDefault("handlers", cfg.Handlers)

    // Choose config file
    if path == "" {
        if envPath := os.Getenv("MESHBASE_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("meshbase")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".meshbase"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if strings.TrimSpace(c.NodeName) == "" {
        c.NodeName = "node-1"
    }
    if c.Identity.KeyBits != 0 && c.Identity.KeyBits < 2048 {
        return fmt.Errorf("identity.key_bits must be at least 2048, got %d", c.Identity.KeyBits)
    }
    if c.Mesh.AckTimeoutMS < 0 || c.Mesh.ResponseTimeoutMS < 0 {
        return errors.New("mesh timeouts must not be negative")
    }
    if c.Retry.MaxAttempts < 0 {
        return fmt.Errorf("invalid retry.max_attempts: %d", c.Retry.MaxAttempts)
    }
    seen := make(map[string]bool, len(c.Handlers))
    for i := range c.Handlers {
        h := &c.Handlers[i]
        h.Kind = strings.ToLower(strings.TrimSpace(h.Kind))
        if h.ID == "" { h.ID = fmt.Sprintf("%s%d", h.Kind, i) }
        if seen[h.ID] { return fmt.Errorf("duplicate handler id %q", h.ID) }
        seen[h.ID] = true
        switch h.Kind {
        case "tcp", "quic", "mem":
        default:
            return fmt.Errorf("handler %q: unknown kind %q", h.ID, h.Kind)
        }
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
