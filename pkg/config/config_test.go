package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyconsole/pkg/alpaca"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skyconsole.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "skyconsole.db", cfg.Database.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.Exposure.Tick)
	assert.Equal(t, 5*time.Minute, cfg.Exposure.MaxWait)
	assert.Equal(t, 2*time.Minute, cfg.Exposure.DownloadTimeout)
	assert.Equal(t, 0, cfg.Polling.StaleAfter)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "skyconsole", cfg.MQTT.TopicRoot)
	assert.Equal(t, 2*time.Second, cfg.Discovery.Window)
	assert.Empty(t, cfg.Devices)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9090
polling:
  stale_after: 3
  intervals:
    camera: 2s
    Focuser: 250ms
mqtt:
  enabled: true
  broker: tcp://broker:1883
devices:
  - id: main-cam
    name: Main camera
    type: Camera
    number: 0
    api_base_url: http://localhost:11111
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 3, cfg.Polling.StaleAfter)
	assert.Equal(t, map[alpaca.DeviceType]time.Duration{
		alpaca.Camera:  2 * time.Second,
		alpaca.Focuser: 250 * time.Millisecond,
	}, cfg.Intervals())

	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "main-cam", cfg.Devices[0].ID)
	assert.Equal(t, "http://localhost:11111", cfg.Devices[0].APIBaseURL)

	mqtt := cfg.MQTT.StoreMQTT()
	assert.True(t, mqtt.Enabled)
	assert.Equal(t, "tcp://broker:1883", mqtt.Host)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SKYCONSOLE_SERVER_HTTP_PORT", "7070")
	t.Setenv("SKYCONSOLE_MQTT_TOPIC_ROOT", "observatory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, "observatory", cfg.MQTT.TopicRoot)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown interval type", "polling:\n  intervals:\n    toaster: 1s\n"},
		{"non-positive interval", "polling:\n  intervals:\n    camera: 0s\n"},
		{"negative stale threshold", "polling:\n  stale_after: -1\n"},
		{"device without id", "devices:\n  - type: camera\n"},
		{"device with bad type", "devices:\n  - id: x\n    type: toaster\n"},
		{"duplicate device", "devices:\n  - id: x\n    type: dome\n  - id: x\n    type: dome\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
