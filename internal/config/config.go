// Package config loads server configuration from the environment, with an
// optional .env file for development. Command-line flags layered on top by
// package main take final precedence.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all server configuration.
type Config struct {
	Host   string `env:"PARLEY_HOST" envDefault:"127.0.0.1"`
	Port   int    `env:"PARLEY_PORT" envDefault:"5050"`
	DBPath string `env:"PARLEY_DB" envDefault:"chat_data.db"`

	NoTLS    bool   `env:"PARLEY_NO_TLS" envDefault:"false"`
	CertFile string `env:"PARLEY_CERT" envDefault:"certs/server.crt"`
	KeyFile  string `env:"PARLEY_KEY" envDefault:"certs/server.key"`

	// APIAddr enables the admin/status HTTP API when non-empty.
	APIAddr string `env:"PARLEY_API_ADDR" envDefault:""`

	IdleTimeout time.Duration `env:"PARLEY_IDLE_TIMEOUT" envDefault:"300s"`

	Debug bool `env:"PARLEY_DEBUG" envDefault:"false"`
}

// Load reads configuration with priority: environment variables > .env file
// > defaults. A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment config: %w", err)
	}
	return cfg, nil
}
