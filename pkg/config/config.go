// Package config loads the agent configuration.
//
// Sources, in order of precedence: environment variables (EDGESYNC_*,
// highest), the YAML configuration file, built-in defaults. Command-line
// flags only choose which configuration file is read.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/edgewire/edgesync/internal/logger"
)

// Config is the agent configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// AppToken is the application token compiled into the agent; exactly
	// 20 characters.
	AppToken string `mapstructure:"app_token" validate:"required,len=20" yaml:"app_token"`

	// StateDir holds the endpoint status blob, the key pair and any
	// persistent log storage.
	StateDir string `mapstructure:"state_dir" validate:"required" yaml:"state_dir"`

	// BootstrapServers is the compiled bootstrap server list.
	BootstrapServers []ServerConfig `mapstructure:"bootstrap_servers" validate:"required,min=1,dive" yaml:"bootstrap_servers"`

	// Sync tunes the protocol engine.
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`

	// Failover tunes the default failover strategy.
	Failover FailoverConfig `mapstructure:"failover" yaml:"failover"`

	// Features disables optional extensions.
	Features FeaturesConfig `mapstructure:"features" yaml:"features"`

	// LogUpload configures the logging extension.
	LogUpload LogUploadConfig `mapstructure:"log_upload" yaml:"log_upload"`

	// Metrics controls the Prometheus registry.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API controls the local introspection HTTP server.
	API APIConfig `mapstructure:"api" yaml:"api"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig names one bootstrap server.
type ServerConfig struct {
	ID   uint32 `mapstructure:"id" yaml:"id"`
	Host string `mapstructure:"host" validate:"required" yaml:"host"`
	Port uint16 `mapstructure:"port" validate:"required" yaml:"port"`
}

// SyncConfig tunes the protocol engine.
type SyncConfig struct {
	// RequestTimeout is carried in every request's metadata extension and
	// bounds the transport round trip.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0" yaml:"request_timeout"`
}

// FailoverConfig tunes the default failover strategy.
type FailoverConfig struct {
	RetriesPerServer  int           `mapstructure:"retries_per_server" yaml:"retries_per_server"`
	RotationsPerCycle int           `mapstructure:"rotations_per_cycle" yaml:"rotations_per_cycle"`
	InitialRetryDelay time.Duration `mapstructure:"initial_retry_delay" yaml:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
}

// FeaturesConfig disables optional extensions. All features are enabled by
// default.
type FeaturesConfig struct {
	DisableEvents        bool `mapstructure:"disable_events" yaml:"disable_events"`
	DisableNotifications bool `mapstructure:"disable_notifications" yaml:"disable_notifications"`
	DisableLogging       bool `mapstructure:"disable_logging" yaml:"disable_logging"`
	DisableConfiguration bool `mapstructure:"disable_configuration" yaml:"disable_configuration"`
}

// LogUploadConfig configures the logging extension.
type LogUploadConfig struct {
	// Storage is memory or badger.
	Storage string `mapstructure:"storage" validate:"oneof=memory badger" yaml:"storage"`

	// CountThreshold and VolumeThreshold trigger an upload sync.
	CountThreshold  int `mapstructure:"count_threshold" yaml:"count_threshold"`
	VolumeThreshold int `mapstructure:"volume_threshold" yaml:"volume_threshold"`

	// BlockBytes caps one upload block.
	BlockBytes int `mapstructure:"block_bytes" yaml:"block_bytes"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// APIConfig controls the local introspection HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,gt=0,lt=65536" yaml:"port"`
}

// StatusPath returns the endpoint status blob location.
func (c *Config) StatusPath() string {
	return filepath.Join(c.StateDir, "endpoint.status")
}

// KeyPath returns the endpoint key pair location.
func (c *Config) KeyPath() string {
	return filepath.Join(c.StateDir, "endpoint.key")
}

// ConfigurationPath returns the persisted configuration body location.
func (c *Config) ConfigurationPath() string {
	return filepath.Join(c.StateDir, "configuration.body")
}

// LogStoragePath returns the badger log storage directory.
func (c *Config) LogStoragePath() string {
	return filepath.Join(c.StateDir, "logs")
}

// Load reads the configuration from path (or the default location when path
// is empty), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir())
	}

	v.SetEnvPrefix("EDGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; defaults plus env overrides apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// Validate checks the struct-level constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Watch re-reads the config file on change and invokes fn with the fresh
// config. Invalid updates are logged and dropped.
func Watch(v *viper.Viper, fn func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("configuration file changed", "file", e.Name)
		var cfg Config
		if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
			logger.Warn("ignoring invalid config update", logger.KeyError, err)
			return
		}
		if err := Validate(&cfg); err != nil {
			logger.Warn("ignoring invalid config update", logger.KeyError, err)
			return
		}
		fn(&cfg)
	})
	v.WatchConfig()
}

// DefaultConfigDir returns $XDG_CONFIG_HOME/edgesync (or ~/.config/edgesync).
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "edgesync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "edgesync")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(DefaultConfigPath())
	return err == nil
}
