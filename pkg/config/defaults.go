package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Default tuning shared between viper defaults and the sample config.
const (
	DefaultRequestTimeout    = 60 * time.Second
	DefaultRetriesPerServer  = 2
	DefaultRotationsPerCycle = 3
	DefaultInitialRetryDelay = 2 * time.Second
	DefaultMaxRetryDelay     = 5 * time.Minute
	DefaultAPIPort           = 9480
)

// setDefaults installs the built-in defaults on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("state_dir", DefaultStateDir())

	v.SetDefault("sync.request_timeout", DefaultRequestTimeout)

	v.SetDefault("failover.retries_per_server", DefaultRetriesPerServer)
	v.SetDefault("failover.rotations_per_cycle", DefaultRotationsPerCycle)
	v.SetDefault("failover.initial_retry_delay", DefaultInitialRetryDelay)
	v.SetDefault("failover.max_retry_delay", DefaultMaxRetryDelay)

	v.SetDefault("log_upload.storage", "memory")
	v.SetDefault("log_upload.count_threshold", 64)
	v.SetDefault("log_upload.volume_threshold", 32*1024)
	v.SetDefault("log_upload.block_bytes", 8*1024)

	v.SetDefault("metrics.enabled", false)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", DefaultAPIPort)
}

// DefaultStateDir returns $XDG_STATE_HOME/edgesync (or ~/.local/state/edgesync).
func DefaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "edgesync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state", "edgesync")
}

// Default returns a fully populated default configuration. The application
// token and bootstrap servers have no sensible defaults and stay empty.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		StateDir: DefaultStateDir(),
		Sync: SyncConfig{
			RequestTimeout: DefaultRequestTimeout,
		},
		Failover: FailoverConfig{
			RetriesPerServer:  DefaultRetriesPerServer,
			RotationsPerCycle: DefaultRotationsPerCycle,
			InitialRetryDelay: DefaultInitialRetryDelay,
			MaxRetryDelay:     DefaultMaxRetryDelay,
		},
		LogUpload: LogUploadConfig{
			Storage:         "memory",
			CountThreshold:  64,
			VolumeThreshold: 32 * 1024,
			BlockBytes:      8 * 1024,
		},
		Metrics: MetricsConfig{Enabled: false},
		API: APIConfig{
			Enabled: true,
			Port:    DefaultAPIPort,
		},
	}
}
