package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
device_id = "tablet-07"
db_path = "/var/lib/anchorsync/node.db"
peers = ["10.0.0.2:9410", "10.0.0.3:9410"]
anchor_interval_sec = 120

[governor]
memory_limit_bytes = 134217728
tx_limit = 500

[batch]
high_interval_sec = 15
max_batch_size = 250

[log]
level = "debug"
pretty = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DeviceID != "tablet-07" {
		t.Fatalf("unexpected device id: %q", cfg.DeviceID)
	}
	if cfg.DBPath != "/var/lib/anchorsync/node.db" {
		t.Fatalf("unexpected db path: %q", cfg.DBPath)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[0] != "10.0.0.2:9410" {
		t.Fatalf("unexpected peers: %v", cfg.Peers)
	}
	if cfg.AnchorInterval() != 2*time.Minute {
		t.Fatalf("unexpected anchor interval: %v", cfg.AnchorInterval())
	}
	if cfg.Governor.MemoryLimitBytes != 134217728 {
		t.Fatalf("unexpected memory limit: %d", cfg.Governor.MemoryLimitBytes)
	}
	if cfg.Batch.HighIntervalSec != 15 {
		t.Fatalf("unexpected high interval: %d", cfg.Batch.HighIntervalSec)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Pretty {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	// Unset fields take defaults.
	if cfg.ListenAddr != ":9410" {
		t.Fatalf("unexpected default listen addr: %q", cfg.ListenAddr)
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	path := writeConfig(t, `
device_id = "tablet-07"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBPath != "anchorsync.db" {
		t.Fatalf("unexpected default db path: %q", cfg.DBPath)
	}
	if cfg.AnchorIntervalSec != 60 {
		t.Fatalf("unexpected default anchor interval: %d", cfg.AnchorIntervalSec)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unexpected default log level: %q", cfg.Log.Level)
	}
}

func TestLoad_MissingDeviceID(t *testing.T) {
	path := writeConfig(t, `
db_path = "node.db"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing device_id")
	}
	if !strings.Contains(err.Error(), "device_id") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_BadSeedLength(t *testing.T) {
	path := writeConfig(t, `
device_id = "tablet-07"
key_seed_hex = "abcd"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestLoad_EmptyPeer(t *testing.T) {
	path := writeConfig(t, `
device_id = "tablet-07"
peers = ["10.0.0.2:9410", " "]
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for empty peer address")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedToml(t *testing.T) {
	path := writeConfig(t, `device_id = [broken`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DBPath != "anchorsync.db" {
		t.Fatalf("unexpected default db path: %q", cfg.DBPath)
	}
	if cfg.AnchorInterval() != time.Minute {
		t.Fatalf("unexpected default anchor interval: %v", cfg.AnchorInterval())
	}
}
