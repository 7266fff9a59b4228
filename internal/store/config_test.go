package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
server:
  allowed_origin: "http://localhost:3000"
broker:
  redirect_uri: "http://localhost:8080/broker/callback"
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Broker.DefaultBroker != "zerodha" {
		t.Errorf("DefaultBroker = %q", cfg.Broker.DefaultBroker)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q", cfg.Database.Driver)
	}
	if cfg.Vault.KeyEnv != "BROKER_VAULT_KEY" {
		t.Errorf("KeyEnv = %q", cfg.Vault.KeyEnv)
	}
	if cfg.CorrelationTTL() != 10*time.Minute {
		t.Errorf("CorrelationTTL = %v", cfg.CorrelationTTL())
	}
	if cfg.RefreshSkew() != time.Minute {
		t.Errorf("RefreshSkew = %v", cfg.RefreshSkew())
	}
	if cfg.ExpiringWindow() != 15*time.Minute {
		t.Errorf("ExpiringWindow = %v", cfg.ExpiringWindow())
	}
	if cfg.FlightTimeout() != 30*time.Second {
		t.Errorf("FlightTimeout = %v", cfg.FlightTimeout())
	}
	if cfg.BackoffBase() != 500*time.Millisecond {
		t.Errorf("BackoffBase = %v", cfg.BackoffBase())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
server:
  addr: ":9000"
  allowed_origin: "https://app.example.com"
broker:
  redirect_uri: "https://auth.example.com/broker/callback"
auth:
  correlation_ttl_minutes: 5
  backoff:
    base_ms: 250
    factor: 2
    attempts: 5
database:
  driver: postgres
  dsn: "host=db user=auth dbname=auth"
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.CorrelationTTL() != 5*time.Minute {
		t.Errorf("CorrelationTTL = %v", cfg.CorrelationTTL())
	}
	if cfg.Auth.Backoff.Attempts != 5 {
		t.Errorf("Attempts = %d", cfg.Auth.Backoff.Attempts)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Driver = %q", cfg.Database.Driver)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			"missing redirect uri",
			`server: {allowed_origin: "http://localhost:3000"}`,
			"redirect_uri",
		},
		{
			"malformed redirect uri",
			`server: {allowed_origin: "http://localhost:3000"}
broker: {redirect_uri: "not a url"}`,
			"redirect_uri",
		},
		{
			"wildcard origin",
			`server: {allowed_origin: "*"}
broker: {redirect_uri: "http://localhost:8080/broker/callback"}`,
			"allowed_origin",
		},
		{
			"missing origin",
			`broker: {redirect_uri: "http://localhost:8080/broker/callback"}`,
			"allowed_origin",
		},
		{
			"bogus driver",
			minimalConfig + `
database: {driver: oracle}`,
			"database.driver",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
