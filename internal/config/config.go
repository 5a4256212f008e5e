// Package config loads the peer configuration from YAML and CHECKERS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/magefree/checkers-p2p/internal/p2p"
)

// Config is the full peer configuration.
type Config struct {
	Network NetworkConfig `mapstructure:"network"`
	Logging LoggingConfig `mapstructure:"logging"`
	History HistoryConfig `mapstructure:"history"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
}

// NetworkConfig tunes the UDP transport.
type NetworkConfig struct {
	BindIP          string        `mapstructure:"bind_ip"`
	AdvertiseIP     string        `mapstructure:"advertise_ip"`
	PortRangeStart  int           `mapstructure:"port_range_start"`
	PortRangeEnd    int           `mapstructure:"port_range_end"`
	PingsPerSecond  int           `mapstructure:"pings_per_second"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DisconnectAfter time.Duration `mapstructure:"disconnect_after"`
	ReconnectTries  int           `mapstructure:"reconnect_tries"`
	JoinAttempts    int           `mapstructure:"join_attempts"`
	ActionRetries   int           `mapstructure:"action_retries"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HistoryConfig selects where applied moves are stored.
type HistoryConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// BridgeConfig controls the websocket bridge for a UI.
type BridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

const envPrefix = "CHECKERS"

// Load reads path when it exists, then applies environment overrides such as
// CHECKERS_NETWORK_BIND_IP. An empty path uses defaults and the environment
// only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := p2p.DefaultOptions()
	v.SetDefault("network.bind_ip", "0.0.0.0")
	v.SetDefault("network.advertise_ip", "")
	v.SetDefault("network.port_range_start", int(def.PortRangeStart))
	v.SetDefault("network.port_range_end", int(def.PortRangeEnd))
	v.SetDefault("network.pings_per_second", def.PingsPerSecond)
	v.SetDefault("network.request_timeout", def.RequestTimeout)
	v.SetDefault("network.disconnect_after", def.DisconnectAfter)
	v.SetDefault("network.reconnect_tries", int(def.ReconnectTries))
	v.SetDefault("network.join_attempts", def.JoinAttempts)
	v.SetDefault("network.action_retries", def.ActionRetries)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("history.driver", "memory")
	v.SetDefault("history.dsn", "")

	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.address", "127.0.0.1:8765")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	n := c.Network
	if _, err := parseOptionalAddr(n.BindIP); err != nil {
		return fmt.Errorf("config: network.bind_ip: %w", err)
	}
	if _, err := parseOptionalAddr(n.AdvertiseIP); err != nil {
		return fmt.Errorf("config: network.advertise_ip: %w", err)
	}
	if n.PortRangeStart < 0 || n.PortRangeStart > 65535 || n.PortRangeEnd < 0 || n.PortRangeEnd > 65535 {
		return fmt.Errorf("config: network port range %d-%d outside 0-65535", n.PortRangeStart, n.PortRangeEnd)
	}
	if n.PortRangeStart != 0 && n.PortRangeEnd < n.PortRangeStart {
		return fmt.Errorf("config: network.port_range_end %d before start %d", n.PortRangeEnd, n.PortRangeStart)
	}
	if n.PingsPerSecond <= 0 {
		return fmt.Errorf("config: network.pings_per_second must be positive")
	}
	if n.RequestTimeout <= 0 || n.DisconnectAfter <= 0 {
		return fmt.Errorf("config: network timeouts must be positive")
	}
	if n.ReconnectTries < 1 || n.ReconnectTries > 255 {
		return fmt.Errorf("config: network.reconnect_tries %d outside 1-255", n.ReconnectTries)
	}
	if n.JoinAttempts < 1 || n.ActionRetries < 0 {
		return fmt.Errorf("config: network.join_attempts must be positive and action_retries non-negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: logging.format %q", c.Logging.Format)
	}

	switch c.History.Driver {
	case "memory":
	case "postgres":
		if c.History.DSN == "" {
			return fmt.Errorf("config: history.dsn required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: history.driver %q", c.History.Driver)
	}

	if c.Bridge.Enabled && c.Bridge.Address == "" {
		return fmt.Errorf("config: bridge.address required when the bridge is enabled")
	}
	return nil
}

// Options converts the network section into node options.
func (n NetworkConfig) Options() (p2p.Options, error) {
	bind, err := parseOptionalAddr(n.BindIP)
	if err != nil {
		return p2p.Options{}, fmt.Errorf("config: network.bind_ip: %w", err)
	}
	advertise, err := parseOptionalAddr(n.AdvertiseIP)
	if err != nil {
		return p2p.Options{}, fmt.Errorf("config: network.advertise_ip: %w", err)
	}
	return p2p.Options{
		BindIP:          bind,
		AdvertiseIP:     advertise,
		PortRangeStart:  uint16(n.PortRangeStart),
		PortRangeEnd:    uint16(n.PortRangeEnd),
		PingsPerSecond:  n.PingsPerSecond,
		RequestTimeout:  n.RequestTimeout,
		DisconnectAfter: n.DisconnectAfter,
		ReconnectTries:  uint8(n.ReconnectTries),
		JoinAttempts:    n.JoinAttempts,
		ActionRetries:   n.ActionRetries,
	}, nil
}

// parseOptionalAddr accepts an empty string or an IPv4 address.
func parseOptionalAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr, nil
}
