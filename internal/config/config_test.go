package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultInstance = "work"
	cfg.Fanout.DispatchTimeout = Duration{2 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultInstance != "work" {
		t.Errorf("DefaultInstance = %q, want %q", loaded.DefaultInstance, "work")
	}
	if loaded.Fanout.DispatchTimeout.Duration != 2*time.Second {
		t.Errorf("DispatchTimeout = %s, want 2s", loaded.Fanout.DispatchTimeout)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[fanout]\nworkers = 2\nstale_after = \"1m\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fanout.Workers != 2 || cfg.Fanout.StaleAfter.Duration != time.Minute {
		t.Errorf("fanout = %+v", cfg.Fanout)
	}
	if cfg.Fanout.MaxAttempts != 3 || cfg.Log.Level != "info" {
		t.Error("unset keys lost their defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil || cfg.DefaultInstance != "main" {
		t.Errorf("LoadOrDefault() = %+v, %v", cfg, err)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"COURIER_LOG_LEVEL":        "debug",
		"COURIER_FANOUT_WORKERS":   "16",
		"COURIER_DISPATCH_TIMEOUT": "750ms",
		"COURIER_STALE_POLICY":     "fail",
		"COURIER_FANOUT_RATE":      "200",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" || cfg.Fanout.Workers != 16 || cfg.Fanout.StalePolicy != "fail" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Fanout.DispatchTimeout.Duration != 750*time.Millisecond || cfg.Fanout.RatePerSec != 200 {
		t.Errorf("fanout = %+v", cfg.Fanout)
	}

	bad := Default()
	err = bad.ApplyEnv(func(k string) (string, bool) {
		if k == "COURIER_FANOUT_WORKERS" {
			return "many", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), "COURIER_FANOUT_WORKERS") {
		t.Errorf("ApplyEnv() error = %v, want a COURIER_FANOUT_WORKERS error", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("COURIER_TEST_DOTENV=loaded\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("COURIER_TEST_DOTENV") })
	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("COURIER_TEST_DOTENV"); got != "loaded" {
		t.Errorf("COURIER_TEST_DOTENV = %q, want loaded", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero workers", func(c *Config) { c.Fanout.Workers = 0 }, "fanout.workers"},
		{"bad policy", func(c *Config) { c.Fanout.StalePolicy = "ignore" }, "stale_policy"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"stale before timeout", func(c *Config) { c.Fanout.StaleAfter = Duration{time.Second} }, "stale_after must exceed"},
		{"zero ttl", func(c *Config) { c.Notify.WatermarkTTL = Duration{} }, "watermark_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
