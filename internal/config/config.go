// Package config loads and validates the node's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	DeviceID   string `toml:"device_id"`
	DBPath     string `toml:"db_path"`
	ListenAddr string `toml:"listen_addr"`
	// KeySeedHex is the hex-encoded 32-byte signing key seed. Empty
	// means generate a fresh keypair at startup.
	KeySeedHex string   `toml:"key_seed_hex"`
	Peers      []string `toml:"peers"`

	AnchorIntervalSec int `toml:"anchor_interval_sec"`

	Governor GovernorConfig `toml:"governor"`
	Batch    BatchConfig    `toml:"batch"`
	Log      LogConfig      `toml:"log"`
}

type GovernorConfig struct {
	MemoryLimitBytes int64 `toml:"memory_limit_bytes"`
	TxLimit          int64 `toml:"tx_limit"`
	TxIntervalSec    int   `toml:"tx_interval_sec"`
	CPUBudgetMs      int64 `toml:"cpu_budget_ms"`
	CPUWindowSec     int   `toml:"cpu_window_sec"`
}

type BatchConfig struct {
	CriticalMaxWaitSec    int `toml:"critical_max_wait_sec"`
	HighIntervalSec       int `toml:"high_interval_sec"`
	BackgroundIntervalSec int `toml:"background_interval_sec"`
	MinIntervalSec        int `toml:"min_interval_sec"`
	MaxIntervalSec        int `toml:"max_interval_sec"`
	MaxBatchSize          int `toml:"max_batch_size"`
	MinBatchThreshold     int `toml:"min_batch_threshold"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Load reads a config file, fills defaults, and validates.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg = cfg.withDefaults()
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DBPath == "" {
		c.DBPath = "anchorsync.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9410"
	}
	if c.AnchorIntervalSec <= 0 {
		c.AnchorIntervalSec = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return c
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return fmt.Errorf("config missing device_id")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return fmt.Errorf("config missing db_path")
	}
	if cfg.KeySeedHex != "" && len(cfg.KeySeedHex) != 64 {
		return fmt.Errorf("key_seed_hex must be 64 hex characters, got %d", len(cfg.KeySeedHex))
	}
	for i, peer := range cfg.Peers {
		if strings.TrimSpace(peer) == "" {
			return fmt.Errorf("peer[%d] is empty", i)
		}
	}
	return nil
}

// AnchorInterval returns the anchor cadence as a duration.
func (c Config) AnchorInterval() time.Duration {
	return time.Duration(c.AnchorIntervalSec) * time.Second
}
