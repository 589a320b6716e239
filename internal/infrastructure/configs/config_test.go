package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Consumer.InactivityTimeout != 2*time.Second {
		t.Fatalf("unexpected inactivity timeout %v", cfg.Consumer.InactivityTimeout)
	}
	if cfg.RPC.Timeout != 500*time.Millisecond {
		t.Fatalf("unexpected rpc timeout %v", cfg.RPC.Timeout)
	}
	if cfg.RPC.Services["pki"] != "127.0.0.1:5400" {
		t.Fatalf("unexpected pki address %q", cfg.RPC.Services["pki"])
	}
	if cfg.RPC.Services["certificates"] != "127.0.0.1:5600" {
		t.Fatalf("unexpected certificates address %q", cfg.RPC.Services["certificates"])
	}
	if cfg.Database.Driver != "sqlite" || cfg.Storage.QueueCapacity != 3 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Database, cfg.Storage)
	}
	if cfg.HTTP.RateLimit.Requests != 30 || cfg.HTTP.RateLimit.Window != time.Minute {
		t.Fatalf("unexpected rate limit %+v", cfg.HTTP.RateLimit)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
http:
  port: 9000
consumer:
  inactivity_timeout: 5s
  dead_letter: true
database:
  driver: postgres
  dsn: host=db user=microfarm
pki:
  password_length: 16
`)
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("RPC_TIMEOUT", "750ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9100 {
		t.Fatalf("env should win over the file, got port %d", cfg.HTTP.Port)
	}
	if cfg.RPC.Timeout != 750*time.Millisecond {
		t.Fatalf("unexpected rpc timeout %v", cfg.RPC.Timeout)
	}
	if cfg.Consumer.InactivityTimeout != 5*time.Second || !cfg.Consumer.DeadLetter {
		t.Fatalf("unexpected consumer config %+v", cfg.Consumer)
	}
	if cfg.Database.Driver != "postgres" || cfg.PKI.PasswordLength != 16 {
		t.Fatalf("file values not applied: %+v %+v", cfg.Database, cfg.PKI)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":   "database:\n  driver: oracle\n",
		"password": "pki:\n  password_length: 4\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected a validation error")
			}
		})
	}
}

func TestDetermineConfigPathPrefersFlag(t *testing.T) {
	t.Setenv("MICROFARM_CONFIG", "/from/env.yaml")
	if got := DetermineConfigPath("/from/flag.yaml"); got != "/from/flag.yaml" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := DetermineConfigPath(""); got != "/from/env.yaml" {
		t.Fatalf("unexpected path %q", got)
	}
}
