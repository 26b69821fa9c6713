// Package config loads marketplace configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/freshloop/marketplace/pkg/logger"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Trade    TradeConfig          `yaml:"trade"`
	HTTP     HTTPConfig           `yaml:"http"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"SERVER_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig configures persistence. An empty DSN selects the in-memory
// store.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
}

// TradeConfig configures the trade coordinator.
type TradeConfig struct {
	ToleranceMeters float64       `yaml:"tolerance_meters" env:"TRADE_TOLERANCE_METERS"`
	GraceWindow     time.Duration `yaml:"grace_window" env:"TRADE_GRACE_WINDOW"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"TRADE_SWEEP_INTERVAL"`
}

// HTTPConfig configures the API middleware.
type HTTPConfig struct {
	RateLimit int    `yaml:"rate_limit" env:"HTTP_RATE_LIMIT"`
	RateBurst int    `yaml:"rate_burst" env:"HTTP_RATE_BURST"`
	AuditMax  int    `yaml:"audit_max" env:"HTTP_AUDIT_MAX"`
	AuditFile string `yaml:"audit_file" env:"HTTP_AUDIT_FILE"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Trade: TradeConfig{},
	}
}

// Load reads configuration from the given YAML path (skipped when the file
// does not exist or path is empty) and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// File is optional; env and defaults still apply.
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Trade.ToleranceMeters < 0 {
		return fmt.Errorf("trade.tolerance_meters must not be negative")
	}
	if c.Trade.GraceWindow < 0 {
		return fmt.Errorf("trade.grace_window must not be negative")
	}
	return nil
}
