package engine

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/enginehost/handshake"
	"go.uber.org/zap/zapcore"
)

// Duration is a time.Duration read from a TOML string such as "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
func (d Duration) String() string          { return time.Duration(d).String() }

// Config holds the engine settings that can be read from a TOML file.
type Config struct {
	IdleGrace        Duration `toml:"idle_grace"`
	IdleInterval     Duration `toml:"idle_interval"`
	HandshakeChannel string   `toml:"handshake_channel"`
	HandshakeTimeout Duration `toml:"handshake_timeout"` // 0 = wait forever
	LogLevel         string   `toml:"log_level"`
	SignalQueueSize  int      `toml:"signal_queue_size"`
}

func DefaultConfig() *Config {
	return &Config{
		IdleGrace:        Duration(DefaultIdleGrace),
		IdleInterval:     Duration(DefaultIdleInterval),
		HandshakeChannel: handshake.DefaultChannel(),
		HandshakeTimeout: Duration(DefaultHandshakeTimeout),
		LogLevel:         "info",
		SignalQueueSize:  64,
	}
}

// LoadConfig reads path over the defaults. Unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	if c.IdleInterval <= 0 {
		return fmt.Errorf("idle_interval must be positive, got %s", c.IdleInterval)
	}
	if c.IdleGrace < 0 {
		return fmt.Errorf("idle_grace must not be negative, got %s", c.IdleGrace)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative, got %s", c.HandshakeTimeout)
	}
	if c.SignalQueueSize <= 0 {
		return fmt.Errorf("signal_queue_size must be positive, got %d", c.SignalQueueSize)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Options converts the config to host options.
func (c *Config) Options() []Option {
	level, _ := zapcore.ParseLevel(c.LogLevel)
	return []Option{
		WithLogLevel(level),
		WithIdleGrace(c.IdleGrace.Duration()),
		WithIdleInterval(c.IdleInterval.Duration()),
		WithHandshakeChannel(c.HandshakeChannel),
		WithHandshakeTimeout(c.HandshakeTimeout.Duration()),
	}
}
