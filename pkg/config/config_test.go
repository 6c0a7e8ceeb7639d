package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
app_token: "0123456789ABCDEFGHIJ"
state_dir: /var/lib/edgesync
bootstrap_servers:
  - id: 1
    host: bs-1.example.com
    port: 9889
sync:
  request_timeout: 30s
log_upload:
  storage: badger
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "0123456789ABCDEFGHIJ", cfg.AppToken)
	assert.Equal(t, 30*time.Second, cfg.Sync.RequestTimeout)
	assert.Equal(t, "badger", cfg.LogUpload.Storage)
	require.Len(t, cfg.BootstrapServers, 1)
	assert.Equal(t, uint16(9889), cfg.BootstrapServers[0].Port)

	// Defaults fill the gaps.
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, DefaultAPIPort, cfg.API.Port)
	assert.Equal(t, DefaultRetriesPerServer, cfg.Failover.RetriesPerServer)

	// Derived paths hang off the state dir.
	assert.Equal(t, "/var/lib/edgesync/endpoint.status", cfg.StatusPath())
	assert.Equal(t, "/var/lib/edgesync/endpoint.key", cfg.KeyPath())
}

func TestLoadRejectsShortAppToken(t *testing.T) {
	_, err := Load(writeConfig(t, `
app_token: "short"
state_dir: /tmp
bootstrap_servers:
  - host: bs.example.com
    port: 9889
`))
	assert.Error(t, err)
}

func TestLoadRequiresBootstrapServers(t *testing.T) {
	_, err := Load(writeConfig(t, `
app_token: "0123456789ABCDEFGHIJ"
state_dir: /tmp
`))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownLogStorage(t *testing.T) {
	_, err := Load(writeConfig(t, `
app_token: "0123456789ABCDEFGHIJ"
state_dir: /tmp
bootstrap_servers:
  - host: bs.example.com
    port: 9889
log_upload:
  storage: s3
`))
	assert.Error(t, err)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("EDGESYNC_LOGGING_LEVEL", "DEBUG")
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteSample(path, false))

	assert.Error(t, WriteSample(path, false), "refuses to overwrite")
	assert.NoError(t, WriteSample(path, true))

	// The sample parses, though its placeholder token is for the operator
	// to replace.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.AppToken, 20)
}
