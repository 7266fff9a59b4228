package store

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
		// AllowedOrigin is the single origin the callback relay page
		// may post the auth outcome to. Never a wildcard.
		AllowedOrigin string `yaml:"allowed_origin"`
	} `yaml:"server"`
	Broker struct {
		DefaultBroker string `yaml:"default_broker"`
		RedirectURI   string `yaml:"redirect_uri"`
	} `yaml:"broker"`
	Auth struct {
		CorrelationTTLMinutes int `yaml:"correlation_ttl_minutes"`
		RefreshSkewSeconds    int `yaml:"refresh_skew_seconds"`
		ExpiringWindowMinutes int `yaml:"expiring_window_minutes"`
		FlightTimeoutSeconds  int `yaml:"flight_timeout_seconds"`
		Backoff               struct {
			BaseMs   int `yaml:"base_ms"`
			Factor   int `yaml:"factor"`
			Attempts int `yaml:"attempts"`
		} `yaml:"backoff"`
	} `yaml:"auth"`
	Database struct {
		Driver string `yaml:"driver"` // sqlite or postgres
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Vault struct {
		KeyEnv string `yaml:"key_env"`
	} `yaml:"vault"`
}

func (c *Config) CorrelationTTL() time.Duration {
	return time.Duration(c.Auth.CorrelationTTLMinutes) * time.Minute
}

func (c *Config) RefreshSkew() time.Duration {
	return time.Duration(c.Auth.RefreshSkewSeconds) * time.Second
}

func (c *Config) ExpiringWindow() time.Duration {
	return time.Duration(c.Auth.ExpiringWindowMinutes) * time.Minute
}

func (c *Config) FlightTimeout() time.Duration {
	return time.Duration(c.Auth.FlightTimeoutSeconds) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Auth.Backoff.BaseMs) * time.Millisecond
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Broker.RedirectURI == "" {
		return fmt.Errorf("broker.redirect_uri cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.Broker.RedirectURI); err != nil {
		return fmt.Errorf("broker.redirect_uri is not a valid URL: %w", err)
	}
	if c.Server.AllowedOrigin == "" || c.Server.AllowedOrigin == "*" {
		return fmt.Errorf("server.allowed_origin must be a single explicit origin")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres', got '%s'", c.Database.Driver)
	}
	if c.Auth.Backoff.Attempts < 1 {
		return fmt.Errorf("auth.backoff.attempts must be at least 1, got %d", c.Auth.Backoff.Attempts)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Broker.DefaultBroker == "" {
		c.Broker.DefaultBroker = "zerodha"
	}
	if c.Auth.CorrelationTTLMinutes == 0 {
		c.Auth.CorrelationTTLMinutes = 10
	}
	if c.Auth.RefreshSkewSeconds == 0 {
		c.Auth.RefreshSkewSeconds = 60
	}
	if c.Auth.ExpiringWindowMinutes == 0 {
		c.Auth.ExpiringWindowMinutes = 15
	}
	if c.Auth.FlightTimeoutSeconds == 0 {
		c.Auth.FlightTimeoutSeconds = 30
	}
	if c.Auth.Backoff.BaseMs == 0 {
		c.Auth.Backoff.BaseMs = 500
	}
	if c.Auth.Backoff.Factor == 0 {
		c.Auth.Backoff.Factor = 4
	}
	if c.Auth.Backoff.Attempts == 0 {
		c.Auth.Backoff.Attempts = 3
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "broker-auth.db"
	}
	if c.Vault.KeyEnv == "" {
		c.Vault.KeyEnv = "BROKER_VAULT_KEY"
	}
}
