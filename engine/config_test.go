package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cases := []struct {
		name      string
		content   string
		expErr    string
		expConfig func(c *Config)
	}{
		{
			name:      "empty file keeps defaults",
			content:   "",
			expConfig: func(c *Config) {},
		},
		{
			name: "all keys",
			content: `
idle_grace = "10s"
idle_interval = "100ms"
handshake_channel = "/tmp/hs.sock"
handshake_timeout = "0s"
log_level = "debug"
signal_queue_size = 8
`,
			expConfig: func(c *Config) {
				c.IdleGrace = Duration(10 * time.Second)
				c.IdleInterval = Duration(100 * time.Millisecond)
				c.HandshakeChannel = "/tmp/hs.sock"
				c.HandshakeTimeout = 0
				c.LogLevel = "debug"
				c.SignalQueueSize = 8
			},
		},
		{
			name:    "unknown key",
			content: `idle_grace_ms = 5000`,
			expErr:  "unknown config keys",
		},
		{
			name:    "bad duration",
			content: `idle_grace = "soon"`,
			expErr:  "decoding config",
		},
		{
			name:    "zero interval",
			content: `idle_interval = "0s"`,
			expErr:  "idle_interval must be positive",
		},
		{
			name:    "bad log level",
			content: `log_level = "loud"`,
			expErr:  "log_level",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, c.content))
			if c.expErr != "" {
				require.ErrorContains(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			exp := DefaultConfig()
			c.expConfig(exp)
			assert.Equal(t, exp, cfg)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleGrace = Duration(time.Minute)
	cfg.HandshakeTimeout = 0
	cfg.HandshakeChannel = "/tmp/x.sock"

	h, err := NewHost(cfg.Options()...)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, h.idleGrace)
	assert.Equal(t, DefaultIdleInterval, h.idleInterval)
	assert.Equal(t, time.Duration(0), h.HandshakeTimeout())
	assert.Equal(t, "/tmp/x.sock", h.HandshakeChannel())
}
