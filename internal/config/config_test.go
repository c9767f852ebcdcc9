package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/subrelay/internal/relay"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
relay:
  directory: ws://dir.local:8080/ws
  topics: [sensors/temp, sensors/humidity]
  connect_timeout: 3s
  idle_policy: close
  metrics_addr: ":9102"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "ws://dir.local:8080/ws", cfg.Relay.Directory)
	assert.Equal(t, []string{"sensors/temp", "sensors/humidity"}, cfg.Relay.Topics)
	assert.Equal(t, 3*time.Second, cfg.Relay.ConnectTimeout)
	assert.Equal(t, ":9102", cfg.Relay.MetricsAddr)
	policy, err := cfg.Relay.Policy()
	require.NoError(t, err)
	assert.Equal(t, relay.IdleClose, policy)

	// untouched sections keep their defaults
	assert.Equal(t, Default().Broker, cfg.Broker)
	assert.Equal(t, 5*time.Second, cfg.Publisher.Interval)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeFile(t, `
log:
  level: loud
  format: xml
relay:
  idle_policy: sometimes
  connect_timeout: 0s
broker:
  ws_path: ws
`)
	_, err := Load(path)
	require.Error(t, err)
	for _, want := range []string{"log.level", "log.format", "relay.idle_policy", "relay.connect_timeout", "broker.ws_path"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "relay: [not, a, map]"))
	assert.ErrorContains(t, err, "parse")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
