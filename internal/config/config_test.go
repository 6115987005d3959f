package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Timing.Heartbeat() != time.Second || cfg.Timing.WindowTimeout() != 15*time.Second {
		t.Fatalf("durations = %s / %s", cfg.Timing.Heartbeat(), cfg.Timing.WindowTimeout())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero heartbeat", func(c *Config) { c.Timing.HeartbeatMs = 0 }, "must be > 0"},
		{"heartbeat above message timeout", func(c *Config) { c.Timing.HeartbeatMs = 20000 }, "message_timeout_ms"},
		{"window timeout not a scan multiple", func(c *Config) { c.Timing.WindowTimeoutMs = 12000 }, "multiple"},
		{"unknown strategy", func(c *Config) { c.Identity.Strategy = "clone" }, "identity.strategy"},
		{"negative inline limit", func(c *Config) { c.Payload.InlineLimitBytes = -1 }, "inline_limit_bytes"},
		{"unknown mode", func(c *Config) { c.Transport.Mode = "carrier-pigeon" }, "transport.mode"},
		{"pubsub without topic", func(c *Config) {
			c.Transport.Mode = ModePubsub
			c.Transport.Topic = ""
		}, "transport.topic"},
		{"blank listener", func(c *Config) {
			c.Transport.Mode = ModePubsub
			c.Transport.Listeners = []string{"charts", " "}
		}, "transport.listeners"},
		{"bad viewer addr", func(c *Config) { c.Viewer.HTTPAddr = "localhost" }, "viewer.http_addr"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"empty prefix", func(c *Config) { c.Store.KeyPrefix = " " }, "key_prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer", "winmesh.json")

	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("first ensure: created=%v err=%v", created, err)
	}
	cfg.Identity.Name = "Main"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	again, created, err := Ensure(path)
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
	if again.Identity.Name != "Main" {
		t.Fatalf("name = %q", again.Identity.Name)
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "winmesh.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"timing":{"heartbeat_ms":500}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timing.HeartbeatMs != 500 || cfg.Timing.MessageTimeoutMs != 10000 {
		t.Fatalf("timing = %+v", cfg.Timing)
	}
	if cfg.Store.KeyPrefix != "ngxmw_" {
		t.Fatalf("prefix = %q", cfg.Store.KeyPrefix)
	}
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "winmesh.json")
	_ = os.WriteFile(path, []byte(`{"transport":{"mode":"smoke"}}`), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an invalid mode")
	}
	cfg, err := LoadPartial(path)
	if err != nil || cfg.Transport.Mode != "smoke" {
		t.Fatalf("partial = %+v, %v", cfg.Transport, err)
	}
}
