package config

import (
	"strings"
	"time"

	"github.com/shoalstore/shoal/pkg/dataplane"
	"github.com/shoalstore/shoal/pkg/picker"
	"github.com/shoalstore/shoal/pkg/shark"
	"github.com/shoalstore/shoal/pkg/throttle"
)

// Served and operational defaults.
const (
	DefaultPort            = 8080
	DefaultSocketTimeout   = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxRequestAge   = 0

	DefaultThrottleConcurrency    = 50
	DefaultThrottleQueueTolerance = 25
)

// GetDefaultConfig returns the full default configuration.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(cfg)
	applyThrottleDefaults(&cfg.Throttle)
	applyStorageDefaults(&cfg.Storage)
	applyPlacementDefaults(&cfg.Placement)
	applySharkDefaults(&cfg.Shark)
	applyMetadataDefaults(&cfg.Metadata)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

func applyServerDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = DefaultSocketTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyThrottleDefaults(cfg *throttle.Config) {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultThrottleConcurrency
	}
	if cfg.QueueTolerance == 0 {
		cfg.QueueTolerance = DefaultThrottleQueueTolerance
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = throttle.DefaultReapInterval
	}
}

func applyStorageDefaults(cfg *dataplane.Config) {
	if cfg.DefaultDurability == 0 {
		cfg.DefaultDurability = dataplane.DefaultDurability
	}
	if cfg.MaxObjectCopies == 0 {
		cfg.MaxObjectCopies = dataplane.DefaultMaxObjectCopies
	}
	if cfg.DefaultMaxStreamingSize == 0 {
		cfg.DefaultMaxStreamingSize = dataplane.DefaultMaxStreamingSize
	}
	if cfg.DataTimeout == 0 {
		cfg.DataTimeout = dataplane.DefaultDataTimeout
	}
}

func applyPlacementDefaults(cfg *picker.Config) {
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = picker.DefaultRefreshInterval
	}
	if cfg.Lag == 0 {
		cfg.Lag = picker.DefaultLag
	}
	if cfg.UtilizationPct == 0 {
		cfg.UtilizationPct = picker.DefaultUtilizationPct
	}
	if cfg.OperatorUtilizationPct == 0 {
		cfg.OperatorUtilizationPct = picker.DefaultOperatorUtilizationPct
	}
}

func applySharkDefaults(cfg *shark.Config) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = shark.DefaultConnectTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = shark.DefaultIdleTimeout
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = shark.DefaultRetryAttempts
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = shark.DefaultInitialDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = shark.DefaultMaxDelay
	}
}

func applyMetadataDefaults(cfg *MetadataConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "badger"
	}
	if cfg.Path == "" {
		cfg.Path = "/var/lib/shoal/index"
	}
}
