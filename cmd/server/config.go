package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gateway runtime configuration.
type Config struct {
	ListenAddr      string        `yaml:"listen"`
	MetricsAddr     string        `yaml:"metrics"`
	Target          string        `yaml:"target"`
	Token           string        `yaml:"token"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	OpenRate        int           `yaml:"open_rate"`
	OpenBurst       int           `yaml:"open_burst"`
	Debug           bool          `yaml:"debug"`
	// Redis mirrors session ownership for multi-instance deployments.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// TLS serves the gateway over HTTPS when both files are set.
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
}

func parseConfig(args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      ":8080",
		MetricsAddr:     ":9100",
		PollTimeout:     10 * time.Second,
		IdleTimeout:     time.Minute,
		CleanupInterval: 5 * time.Second,
	}
	for i, a := range args {
		name := strings.TrimLeft(a, "-")
		if name == "config" && i+1 < len(args) {
			if err := loadFile(args[i+1], &cfg); err != nil {
				return cfg, err
			}
		} else if v, ok := strings.CutPrefix(name, "config="); ok && strings.HasPrefix(a, "-") {
			if err := loadFile(v, &cfg); err != nil {
				return cfg, err
			}
		}
	}
	fs := flag.NewFlagSet("devtunnel-server", flag.ContinueOnError)
	fs.String("config", "", "YAML config file; flags override its values")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "gateway HTTP listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address")
	fs.StringVar(&cfg.Target, "target", cfg.Target, "TCP address every tunnel session connects to")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "shared secret token; if set clients must provide it")
	fs.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "how long a long poll waits for data")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close http sessions not polled for this long")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "interval for sweeping idle sessions")
	fs.IntVar(&cfg.OpenRate, "open-rate", cfg.OpenRate, "session opens per second per remote IP (0 = unlimited)")
	fs.IntVar(&cfg.OpenBurst, "open-burst", cfg.OpenBurst, "burst for -open-rate")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for shared session state (empty = in-memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate file path")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "TLS private key file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Target == "" {
		return cfg, fmt.Errorf("-target is required")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return cfg, fmt.Errorf("-tls-cert and -tls-key must be set together")
	}
	return cfg, nil
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
