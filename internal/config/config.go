// Package config loads the YAML configuration shared by the subrelay binaries.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SWAI-Ltd/subrelay/internal/relay"
)

// Config represents the configuration of every binary; each reads its own section.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Relay     RelayConfig     `yaml:"relay"`
	Broker    BrokerConfig    `yaml:"broker"`
	Publisher PublisherConfig `yaml:"publisher"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// RelayConfig configures cmd/subrelay.
type RelayConfig struct {
	Directory           string        `yaml:"directory"`
	Topics              []string      `yaml:"topics"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	IdlePolicy          string        `yaml:"idle_policy"` // keep-alive or close
	UnwindOnUnsubscribe bool          `yaml:"unwind_on_unsubscribe"`
	KeyFile             string        `yaml:"key_file"`
	MetricsAddr         string        `yaml:"metrics_addr"`
	MDNS                bool          `yaml:"mdns"`
}

// BrokerConfig configures the listeners of a broker.
type BrokerConfig struct {
	QUICAddr string `yaml:"quic_addr"`
	HTTPAddr string `yaml:"http_addr"`
	WSPath   string `yaml:"ws_path"`
}

// PublisherConfig configures cmd/publisher.
type PublisherConfig struct {
	Name      string `yaml:"name"`
	Directory string `yaml:"directory"`
	Topic     string `yaml:"topic"`
	// Announce is the address relays should dial; derived from the
	// broker listeners when empty.
	Announce     string        `yaml:"announce"`
	Interval     time.Duration `yaml:"interval"`
	RecipientKey string        `yaml:"recipient_key"`
	MDNS         bool          `yaml:"mdns"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Relay: RelayConfig{
			Directory:      "ws://localhost:8080/ws",
			ConnectTimeout: relay.DefaultConnectTimeout,
			IdlePolicy:     relay.IdleKeepAlive.String(),
		},
		Broker: BrokerConfig{
			QUICAddr: ":6121",
			HTTPAddr: ":8080",
			WSPath:   "/ws",
		},
		Publisher: PublisherConfig{
			Name:      "publisher-1",
			Directory: "ws://localhost:8080/ws",
			Topic:     "sensors/temp",
			Interval:  5 * time.Second,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that have no usable zero value.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if _, err := c.Relay.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.Relay.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("relay.connect_timeout must be positive"))
	}
	if c.Publisher.Interval <= 0 {
		errs = append(errs, errors.New("publisher.interval must be positive"))
	}
	if c.Broker.WSPath != "" && !strings.HasPrefix(c.Broker.WSPath, "/") {
		errs = append(errs, fmt.Errorf("broker.ws_path %q must start with /", c.Broker.WSPath))
	}
	return errors.Join(errs...)
}

// Policy returns the relay idle policy named by IdlePolicy.
func (r RelayConfig) Policy() (relay.IdlePolicy, error) {
	switch r.IdlePolicy {
	case "", relay.IdleKeepAlive.String():
		return relay.IdleKeepAlive, nil
	case relay.IdleClose.String():
		return relay.IdleClose, nil
	default:
		return 0, fmt.Errorf("relay.idle_policy: unknown policy %q", r.IdlePolicy)
	}
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds a logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
