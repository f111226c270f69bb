package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/shoalstore/shoal/pkg/dataplane"
	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/picker"
	"github.com/shoalstore/shoal/pkg/shark"
	"github.com/shoalstore/shoal/pkg/throttle"
	"github.com/shoalstore/shoal/pkg/types"
)

// Config is the shoald server configuration.
//
// Configuration sources (in order of precedence):
//  1. Legacy environment variables (SOCKET_TIMEOUT, MUSKIE_DATA_TIMEOUT,
//     LOG_LEVEL)
//  2. Environment variables (SHOAL_*)
//  3. Configuration file (YAML)
//  4. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Port is the listen port for the client-facing HTTP server.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// SocketTimeout is the per-connection idle timeout on the client
	// side. Overridable with SOCKET_TIMEOUT (seconds).
	SocketTimeout time.Duration `mapstructure:"socket_timeout" validate:"gt=0" yaml:"socket_timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`

	// MaxRequestAge rejects requests whose Date header is older than
	// this skew. Zero disables the check.
	MaxRequestAge time.Duration `mapstructure:"max_request_age" yaml:"max_request_age"`

	// Throttle configures admission control.
	Throttle throttle.Config `mapstructure:"throttle" yaml:"throttle"`

	// Storage configures the object data plane.
	Storage dataplane.Config `mapstructure:"storage" yaml:"storage"`

	// Placement configures the storage-node selector.
	Placement picker.Config `mapstructure:"placement" yaml:"placement"`

	// Shark configures the storage-node client pool.
	Shark shark.Config `mapstructure:"shark" yaml:"shark"`

	// Metadata configures the consistency envelope and the index
	// backend.
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`

	// StorageNodes is the static node directory for deployments without
	// an external discovery service.
	StorageNodes []types.StorageNode `mapstructure:"storage_nodes" yaml:"storage_nodes"`

	// EnableMPU is parsed for compatibility; the multipart engine is not
	// part of this server.
	EnableMPU bool `mapstructure:"enable_mpu" yaml:"enable_mpu"`

	// MultipartUpload holds multipart knobs; parsed only, see EnableMPU.
	MultipartUpload MultipartConfig `mapstructure:"multipart_upload" yaml:"multipart_upload"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// MetadataConfig selects and tunes the metadata index.
type MetadataConfig struct {
	// Backend is "badger" (embedded) or "memory" (tests and dev).
	Backend string `mapstructure:"backend" validate:"required,oneof=badger memory" yaml:"backend"`

	// Path is the Badger data directory. Required for the badger
	// backend.
	Path string `mapstructure:"path" yaml:"path"`

	// Envelope carries the consistency-rule knobs (snaplink gates,
	// directory entry limit).
	Envelope metadata.Config `mapstructure:"envelope" yaml:"envelope"`

	// Roles maps role names to role ids for Role header resolution.
	Roles map[string]string `mapstructure:"roles" yaml:"roles"`
}

// MultipartConfig is accepted in config files for forward compatibility.
type MultipartConfig struct {
	PrefixDirLen int `mapstructure:"prefix_dir_len" yaml:"prefix_dir_len"`
}

// Load reads the configuration from configPath (or the default location
// when empty), layers SHOAL_* environment variables on top, applies
// defaults and legacy environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if configFileFound {
		if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	ApplyDefaults(&cfg)

	if err := applyLegacyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  shoald init\n\n"+
				"Or specify a custom config file:\n"+
				"  shoald <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  shoald init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML form.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyLegacyEnv honors the environment variables older deployments set
// directly. They win over both file and SHOAL_* values.
func applyLegacyEnv(cfg *Config) error {
	if raw := os.Getenv("SOCKET_TIMEOUT"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid SOCKET_TIMEOUT %q: want positive seconds", raw)
		}
		cfg.SocketTimeout = time.Duration(secs) * time.Second
	}
	if raw := os.Getenv("MUSKIE_DATA_TIMEOUT"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid MUSKIE_DATA_TIMEOUT %q: want positive milliseconds", raw)
		}
		cfg.Storage.DataTimeout = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.Logging.Level = strings.ToUpper(raw)
	}
	return nil
}

// setupViper configures environment variable support and the config
// file search path. Example: SHOAL_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SHOAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is not an error; the defaults carry the day.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks converts human-readable strings into the config's
// richer types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook parses duration strings like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, honoring
// XDG_CONFIG_HOME with a ~/.config fallback.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "shoal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "shoal")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for
// the init command).
func GetConfigDir() string {
	return getConfigDir()
}
