package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds client runtime configuration. Values come from an optional
// YAML file first and command line flags second.
type Config struct {
	ListenPort  int           `yaml:"listen_port"`
	ListenHost  string        `yaml:"listen_host"`
	Transport   string        `yaml:"transport"`
	URL         string        `yaml:"url"`
	Target      string        `yaml:"target"`
	Token       string        `yaml:"token"`
	MetricsAddr string        `yaml:"metrics"`
	Debug       bool          `yaml:"debug"`
	AcceptRate  int           `yaml:"accept_rate"`
	AcceptBurst int           `yaml:"accept_burst"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

func defaultConfig() Config {
	return Config{
		ListenPort:  8000,
		ListenHost:  "127.0.0.1",
		Transport:   "http",
		URL:         "http://127.0.0.1:8080/tunnel",
		MetricsAddr: "",
		OpenTimeout: 30 * time.Second,
		MaxRetries:  5,
		StopTimeout: 2 * time.Second,
	}
}

// parseConfig reads -config (if given) and then applies the remaining flags on top.
func parseConfig(args []string) (Config, error) {
	cfg := defaultConfig()
	if path := configPath(args); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	fs := flag.NewFlagSet("devtunnel-client", flag.ContinueOnError)
	fs.String("config", "", "YAML config file; flags override its values")
	fs.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "local port to listen on (0 = ephemeral)")
	fs.StringVar(&cfg.ListenHost, "host", cfg.ListenHost, "local interface to bind")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "tunnel transport: http, ws or tcp")
	fs.StringVar(&cfg.URL, "url", cfg.URL, "gateway URL for the http and ws transports")
	fs.StringVar(&cfg.Target, "target", cfg.Target, "address dialed by the tcp transport")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "shared secret token sent to the gateway")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics listen address (empty = disabled)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	fs.IntVar(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "max accepted local connections per second (0 = unlimited)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "burst for -accept-rate")
	fs.DurationVar(&cfg.OpenTimeout, "open-timeout", cfg.OpenTimeout, "time limit for the transport to open a session")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "failed polls tolerated by the http transport")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "time to wait for the accept loop on shutdown")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// configPath finds -config before the full flag set is parsed.
func configPath(args []string) string {
	for i, a := range args {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name := strings.TrimLeft(a, "-")
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
	}
	return ""
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.ListenPort < 0 {
		return errors.New("port must be greater than or equal to 0")
	}
	switch c.Transport {
	case "http", "ws":
		if c.URL == "" {
			return fmt.Errorf("transport %s requires -url", c.Transport)
		}
	case "tcp":
		if c.Target == "" {
			return errors.New("transport tcp requires -target")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}
