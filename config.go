package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/benjaminclauss/speeddaemon/speeddaemon"
	"github.com/spf13/pflag"
)

const (
	DefaultListenAddress        = ":50006"
	DefaultMetricsListenAddress = ":9106"
)

// Config configures the speed daemon. It can be loaded from a TOML file and overridden by flags.
type Config struct {
	Listen                string `toml:"listen"`
	MetricsListen         string `toml:"metrics_listen"`
	LogLevel              string `toml:"log_level"`
	LogFormat             string `toml:"log_format"`
	TicketmasterQueueSize int    `toml:"ticketmaster_queue_size"`
	ConnectionQueueSize   int    `toml:"connection_queue_size"`
}

func DefaultConfig() Config {
	return Config{
		Listen:                DefaultListenAddress,
		MetricsListen:         DefaultMetricsListenAddress,
		LogLevel:              "info",
		LogFormat:             "text",
		TicketmasterQueueSize: speeddaemon.DefaultTicketmasterQueueSize,
		ConnectionQueueSize:   speeddaemon.DefaultConnectionQueueSize,
	}
}

// loadConfig returns the defaults overridden by the TOML file at path, if any.
func loadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config parse failed (%s): unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

func (c *Config) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Listen, "listen", c.Listen, "TCP address to accept cameras and dispatchers on")
	flagSet.StringVar(&c.MetricsListen, "metrics-listen", c.MetricsListen, "HTTP address to serve metrics on (empty disables)")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	flagSet.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
}

// applyFlags copies the flags explicitly set on the command line from flags into c.
func (c *Config) applyFlags(flagSet *pflag.FlagSet, flags Config) {
	if flagSet.Changed("listen") {
		c.Listen = flags.Listen
	}
	if flagSet.Changed("metrics-listen") {
		c.MetricsListen = flags.MetricsListen
	}
	if flagSet.Changed("log-level") {
		c.LogLevel = flags.LogLevel
	}
	if flagSet.Changed("log-format") {
		c.LogFormat = flags.LogFormat
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("config missing listen")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.TicketmasterQueueSize <= 0 {
		return fmt.Errorf("ticketmaster_queue_size must be positive")
	}
	if c.ConnectionQueueSize <= 0 {
		return fmt.Errorf("connection_queue_size must be positive")
	}
	return nil
}
