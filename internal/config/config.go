package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/gochnlzr/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. CHNLZR_CONN_CONNECT_TIMEOUT.
const EnvPrefix = "CHNLZR_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Connection ConnectionConfig `yaml:"connection" envPrefix:"CONN_"`
	Discovery  DiscoveryConfig  `yaml:"discovery" envPrefix:"DISCOVERY_"`
	Multicast  MulticastConfig  `yaml:"multicast" envPrefix:"MULTICAST_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

type ConnectionConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	IdleHeartbeat      time.Duration `yaml:"idle_heartbeat" env:"IDLE_HEARTBEAT"`
	WriteHighWatermark int           `yaml:"write_high_watermark" env:"WRITE_HIGH_WATERMARK"`
	WriteLowWatermark  int           `yaml:"write_low_watermark" env:"WRITE_LOW_WATERMARK"`
	MaxFrameSize       int           `yaml:"max_frame_size" env:"MAX_FRAME_SIZE"`
}

type DiscoveryConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	MDNSTimeout  time.Duration `yaml:"mdns_timeout" env:"MDNS_TIMEOUT"`
	MDNSService  string        `yaml:"mdns_service" env:"MDNS_SERVICE"`
}

// MulticastConfig is optional; without a group, samples travel in-band.
type MulticastConfig struct {
	Group              string `yaml:"group" env:"GROUP"`
	Port               int    `yaml:"port" env:"PORT"`
	Interface          string `yaml:"interface" env:"INTERFACE"`
	SamplesPerDatagram int    `yaml:"samples_per_datagram" env:"SAMPLES_PER_DATAGRAM"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig enables the /metrics endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads a YAML file; fields it leaves out keep their defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv applies CHNLZR_* overrides on top of cfg.
func FromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	return nil
}

// Resolve layers defaults, the optional file at path, and the environment.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := FromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = 5 * time.Second
	}
	if c.Connection.IdleHeartbeat == 0 {
		c.Connection.IdleHeartbeat = 10 * time.Second
	}
	if c.Connection.WriteHighWatermark == 0 {
		c.Connection.WriteHighWatermark = 64 << 10
	}
	if c.Connection.WriteLowWatermark == 0 {
		c.Connection.WriteLowWatermark = 32 << 10
	}
	if c.Connection.MaxFrameSize == 0 {
		c.Connection.MaxFrameSize = 16 << 20
	}
	if c.Discovery.ProbeTimeout == 0 {
		c.Discovery.ProbeTimeout = 10 * time.Second
	}
	if c.Discovery.MDNSTimeout == 0 {
		c.Discovery.MDNSTimeout = 3 * time.Second
	}
	if c.Discovery.MDNSService == "" {
		c.Discovery.MDNSService = "_chnlzr-brkr._tcp"
	}
	if c.Multicast.SamplesPerDatagram == 0 {
		c.Multicast.SamplesPerDatagram = 512
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validate() error {
	conn := c.Connection
	if conn.ConnectTimeout < 0 {
		return fmt.Errorf("connection.connect_timeout must be positive")
	}
	if conn.IdleHeartbeat < 0 {
		return fmt.Errorf("connection.idle_heartbeat must be positive")
	}
	if conn.WriteHighWatermark < 0 || conn.WriteLowWatermark < 0 {
		return fmt.Errorf("connection write watermarks must be positive")
	}
	if conn.WriteLowWatermark >= conn.WriteHighWatermark {
		return fmt.Errorf("connection.write_low_watermark (%d) must be below write_high_watermark (%d)",
			conn.WriteLowWatermark, conn.WriteHighWatermark)
	}
	if conn.MaxFrameSize < 0 {
		return fmt.Errorf("connection.max_frame_size must be positive")
	}
	if c.Discovery.ProbeTimeout < 0 || c.Discovery.MDNSTimeout < 0 {
		return fmt.Errorf("discovery timeouts must be positive")
	}
	if c.Multicast.SamplesPerDatagram < 0 {
		return fmt.Errorf("multicast.samples_per_datagram must be positive")
	}
	if c.Multicast.Group != "" {
		ip := net.ParseIP(c.Multicast.Group)
		if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			return fmt.Errorf("multicast.group %q is not an IPv4 multicast address", c.Multicast.Group)
		}
		if c.Multicast.Port <= 0 || c.Multicast.Port > 0xffff {
			return fmt.Errorf("multicast.port %d out of range", c.Multicast.Port)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	return nil
}

// Logger builds the configured logger writing to stderr.
func (c *Config) Logger() logging.Logger {
	level, _ := logging.ParseLevel(c.Log.Level)
	format, _ := logging.ParseFormat(c.Log.Format)
	return logging.New(level, format, os.Stderr)
}
