package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	UserID         string `toml:"user_id"`
	Sync           Sync   `toml:"sync"`
}

// Sync holds the synchronization tunables.
type Sync struct {
	MaxRetries         int      `toml:"max_retries"`
	BackoffBase        Duration `toml:"backoff_base"`
	BackoffCap         Duration `toml:"backoff_cap"`
	BackoffJitter      Duration `toml:"backoff_jitter"`
	SendTimeout        Duration `toml:"send_timeout"`
	DrainInterval      Duration `toml:"drain_interval"`
	StalenessThreshold Duration `toml:"staleness_threshold"`
}

// Default returns a config with stock sync tunables.
func Default() *Config {
	return &Config{
		Sync: Sync{
			MaxRetries:         5,
			BackoffBase:        Duration{time.Second},
			BackoffCap:         Duration{30 * time.Second},
			BackoffJitter:      Duration{250 * time.Millisecond},
			SendTimeout:        Duration{30 * time.Second},
			DrainInterval:      Duration{time.Second},
			StalenessThreshold: Duration{2 * time.Minute},
		},
	}
}

// Load reads config from the given path, filling unset sync tunables
// with defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// LoadWithOverride reads the global config and, when present, decodes
// a per-profile override file on top of it. Either file may be absent.
func LoadWithOverride(globalPath, overridePath string) (*Config, error) {
	cfg := Default()
	for _, path := range []string{globalPath, overridePath} {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	cfg.fillDefaults()
	return cfg, nil
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

func (c *Config) fillDefaults() {
	def := Default().Sync
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = def.MaxRetries
	}
	if c.Sync.BackoffBase.Duration <= 0 {
		c.Sync.BackoffBase = def.BackoffBase
	}
	if c.Sync.BackoffCap.Duration <= 0 {
		c.Sync.BackoffCap = def.BackoffCap
	}
	if c.Sync.SendTimeout.Duration <= 0 {
		c.Sync.SendTimeout = def.SendTimeout
	}
	if c.Sync.DrainInterval.Duration <= 0 {
		c.Sync.DrainInterval = def.DrainInterval
	}
	if c.Sync.StalenessThreshold.Duration <= 0 {
		c.Sync.StalenessThreshold = def.StalenessThreshold
	}
}
