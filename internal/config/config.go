package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultInstance string       `toml:"default_instance"`
	Log             LogConfig    `toml:"log"`
	RPC             RPCConfig    `toml:"rpc"`
	Admin           AdminConfig  `toml:"admin"`
	Fanout          FanoutConfig `toml:"fanout"`
	Notify          NotifyConfig `toml:"notify"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type RPCConfig struct {
	// Socket overrides the instance's daemon.sock path.
	Socket string `toml:"socket"`
}

type AdminConfig struct {
	// Addr is the admin HTTP listen address; empty disables it.
	Addr string `toml:"addr"`
}

type FanoutConfig struct {
	Workers         int      `toml:"workers"`
	RatePerSec      float64  `toml:"rate_per_sec"`
	Burst           int      `toml:"burst"`
	DispatchTimeout Duration `toml:"dispatch_timeout"`
	StaleAfter      Duration `toml:"stale_after"`
	SweepInterval   Duration `toml:"sweep_interval"`
	MaxAttempts     int      `toml:"max_attempts"`
	StalePolicy     string   `toml:"stale_policy"`
}

type NotifyConfig struct {
	WatermarkTTL Duration `toml:"watermark_ttl"`
}

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a config with every value set.
func Default() *Config {
	return &Config{
		DefaultInstance: "main",
		Log:             LogConfig{Level: "info"},
		Admin:           AdminConfig{Addr: "127.0.0.1:7480"},
		Fanout: FanoutConfig{
			Workers:         8,
			RatePerSec:      0,
			Burst:           64,
			DispatchTimeout: Duration{5 * time.Second},
			StaleAfter:      Duration{30 * time.Second},
			SweepInterval:   Duration{10 * time.Second},
			MaxAttempts:     3,
			StalePolicy:     "redispatch",
		},
		Notify: NotifyConfig{WatermarkTTL: Duration{10 * time.Minute}},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the
// process environment without overriding variables already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with COURIER_* variables from lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}

	str("COURIER_INSTANCE", &c.DefaultInstance)
	str("COURIER_LOG_LEVEL", &c.Log.Level)
	str("COURIER_RPC_SOCKET", &c.RPC.Socket)
	str("COURIER_ADMIN_ADDR", &c.Admin.Addr)
	str("COURIER_STALE_POLICY", &c.Fanout.StalePolicy)
	if v, ok := lookup("COURIER_FANOUT_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("COURIER_FANOUT_RATE: %w", err)
		}
		c.Fanout.RatePerSec = f
	}
	return errors.Join(
		num("COURIER_FANOUT_WORKERS", &c.Fanout.Workers),
		num("COURIER_MAX_ATTEMPTS", &c.Fanout.MaxAttempts),
		dur("COURIER_DISPATCH_TIMEOUT", &c.Fanout.DispatchTimeout),
		dur("COURIER_STALE_AFTER", &c.Fanout.StaleAfter),
		dur("COURIER_SWEEP_INTERVAL", &c.Fanout.SweepInterval),
	)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	f := c.Fanout
	if f.Workers <= 0 {
		errs = append(errs, errors.New("fanout.workers must be positive"))
	}
	if f.RatePerSec < 0 {
		errs = append(errs, errors.New("fanout.rate_per_sec must not be negative"))
	}
	if f.MaxAttempts <= 0 {
		errs = append(errs, errors.New("fanout.max_attempts must be positive"))
	}
	for name, d := range map[string]Duration{
		"fanout.dispatch_timeout": f.DispatchTimeout,
		"fanout.stale_after":      f.StaleAfter,
		"fanout.sweep_interval":   f.SweepInterval,
		"notify.watermark_ttl":    c.Notify.WatermarkTTL,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if f.StaleAfter.Duration <= f.DispatchTimeout.Duration {
		errs = append(errs, errors.New("fanout.stale_after must exceed fanout.dispatch_timeout"))
	}
	switch f.StalePolicy {
	case "redispatch", "fail":
	default:
		errs = append(errs, fmt.Errorf("fanout.stale_policy: unknown policy %q", f.StalePolicy))
	}
	return errors.Join(errs...)
}
