package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.DataDir != "./data" {
		t.Errorf("expected dataDir ./data, got %s", cfg.Server.DataDir)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected logLevel info, got %s", cfg.Server.LogLevel)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("expected sqlite storage, got %s", cfg.Storage.Driver)
	}
	if cfg.Remote.Driver != "rest" {
		t.Errorf("expected rest remote, got %s", cfg.Remote.Driver)
	}
	if len(cfg.Remote.Collections) != 5 {
		t.Errorf("expected 5 collections, got %d", len(cfg.Remote.Collections))
	}
	if cfg.Remote.Collections["attendance_check_in"].Upsert {
		t.Error("attendance must not be upserted")
	}
	r := cfg.Sync.Retry
	if r.BaseDelaySeconds != 30 || r.MaxDelaySeconds != 1800 || r.Multiplier != 2 || r.MaxAttempts != 8 {
		t.Errorf("unexpected retry defaults %+v", r)
	}
	if cfg.Sync.PruneSchedule != "0 3 * * *" {
		t.Errorf("unexpected prune schedule %q", cfg.Sync.PruneSchedule)
	}
	if cfg.MQTT.Enabled {
		t.Error("expected MQTT disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfigFormats(t *testing.T) {
	files := map[string]string{
		"config.json": `{
  "server": {"dataDir": "DATA", "logLevel": "debug"},
  "remote": {"url": "https://example.supabase.co", "apiKey": "anon"},
  "sync": {"maxConcurrentGroups": 2, "retry": {"maxAttempts": 4}}
}`,
		"config.yaml": `server:
  dataDir: DATA
  logLevel: debug
remote:
  url: https://example.supabase.co
  apiKey: anon
sync:
  maxConcurrentGroups: 2
  retry:
    maxAttempts: 4
`,
		"config.toml": `[server]
dataDir = "DATA"
logLevel = "debug"

[remote]
url = "https://example.supabase.co"
apiKey = "anon"

[sync]
maxConcurrentGroups = 2

[sync.retry]
maxAttempts = 4
`,
	}

	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			dataDir := filepath.Join(dir, "data")
			path := filepath.Join(dir, name)
			body = strings.ReplaceAll(body, "DATA", filepath.ToSlash(dataDir))
			if err := os.WriteFile(path, []byte(body), 0644); err != nil {
				t.Fatalf("write: %v", err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Server.LogLevel != "debug" {
				t.Errorf("logLevel = %s", cfg.Server.LogLevel)
			}
			if cfg.Remote.URL != "https://example.supabase.co" || cfg.Remote.APIKey != "anon" {
				t.Errorf("unexpected remote %+v", cfg.Remote)
			}
			if cfg.Sync.MaxConcurrentGroups != 2 || cfg.Sync.Retry.MaxAttempts != 4 {
				t.Errorf("unexpected sync %+v", cfg.Sync)
			}
			// Unset values keep their defaults.
			if cfg.Sync.Retry.BaseDelaySeconds != 30 || cfg.Remote.TimeoutSeconds != 20 {
				t.Errorf("defaults lost: %+v", cfg.Sync.Retry)
			}
			if _, err := os.Stat(dataDir); err != nil {
				t.Errorf("data dir not created: %v", err)
			}
		})
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"bad json", "c.json", "{invalid"},
		{"bad yaml", "c.yaml", "server: [unclosed"},
		{"bad toml", "c.toml", "[server\n"},
		{"unknown extension", "c.ini", "[server]"},
		{"unknown storage driver", "c.json", `{"storage": {"driver": "redis"}}`},
		{"unknown remote driver", "c.json", `{"remote": {"driver": "grpc"}}`},
		{"empty url", "c.json", `{"remote": {"url": ""}}`},
		{"bad level", "c.json", `{"server": {"logLevel": "loud"}}`},
		{"bad retry", "c.json", `{"sync": {"retry": {"baseDelaySeconds": 60, "maxDelaySeconds": 10}}}`},
		{"bad multiplier", "c.json", `{"sync": {"retry": {"multiplier": 0.5}}}`},
		{"mqtt without broker", "c.json", `{"mqtt": {"enabled": true, "broker": ""}}`},
		{"bad collection", "c.json", `{"remote": {"collections": {"stock_receive": {"name": ""}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Parse(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range []string{".json", ".yaml", ".toml"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "nested", "config"+ext)

			cfg := DefaultConfig()
			cfg.Server.DataDir = filepath.Join(dir, "data")
			cfg.Server.DeviceID = "rider-device-7"
			cfg.MQTT.Enabled = true
			cfg.Remote.Collections["stock_receive"] = CollectionConfig{Name: "stock_in", ClientIDColumn: "op_id", Upsert: true}

			if err := cfg.Save(path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Server.DeviceID != "rider-device-7" || !loaded.MQTT.Enabled {
				t.Errorf("unexpected loaded config %+v", loaded.Server)
			}
			if got := loaded.Remote.Collections["stock_receive"]; got.Name != "stock_in" || got.ClientIDColumn != "op_id" {
				t.Errorf("collection not round-tripped: %+v", got)
			}
		})
	}
}

func TestSaveConfigReadOnlyDir(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dir, 0750)

	if err := DefaultConfig().Save(filepath.Join(dir, "sub", "config.json")); err == nil {
		t.Error("expected error writing into read-only dir")
	}
}

func TestStoragePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/var/lib/zeger"
	if got := cfg.StoragePath(); got != filepath.Join("/var/lib/zeger", "queue.db") {
		t.Errorf("relative path = %s", got)
	}
	cfg.Storage.Path = "/tmp/q.db"
	if got := cfg.StoragePath(); got != "/tmp/q.db" {
		t.Errorf("absolute path = %s", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLogLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}
