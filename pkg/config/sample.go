package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/edgewire/edgesync/pkg/errdefs"
)

const sampleHeader = `# EdgeSync agent configuration.
#
# Every key can be overridden with an environment variable:
#   EDGESYNC_<SECTION>_<KEY>, e.g. EDGESYNC_LOGGING_LEVEL=DEBUG
#
# app_token must be the 20-character application token issued by the control
# plane, and bootstrap_servers must list at least one reachable bootstrap
# server.
`

// WriteSample renders a commented sample configuration at path. Refuses to
// overwrite an existing file unless force is set.
func WriteSample(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%w: %s (use --force to overwrite)", errdefs.ErrAlreadyExists, path)
	}

	cfg := Default()
	cfg.AppToken = "00000000000000000000"
	cfg.BootstrapServers = []ServerConfig{
		{ID: 1, Host: "bootstrap.example.com", Port: 9889},
	}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render sample config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(sampleHeader), body...), 0o644)
}
