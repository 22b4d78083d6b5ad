package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all zeger-sync configuration
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server" toml:"server"`
	Storage      StorageConfig      `json:"storage" yaml:"storage" toml:"storage"`
	Remote       RemoteConfig       `json:"remote" yaml:"remote" toml:"remote"`
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity" toml:"connectivity"`
	Sync         SyncConfig         `json:"sync" yaml:"sync" toml:"sync"`

	// Fleet status heartbeat for the back-office dashboard
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt" toml:"mqtt"`
}

type ServerConfig struct {
	DataDir  string `json:"dataDir" yaml:"dataDir" toml:"dataDir"`
	LogLevel string `json:"logLevel" yaml:"logLevel" toml:"logLevel"`
	DeviceID string `json:"deviceId,omitempty" yaml:"deviceId,omitempty" toml:"deviceId,omitempty"`
}

// StorageConfig selects the local queue backend.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"` // sqlite, file, memory
	// Path is relative to Server.DataDir unless absolute.
	Path          string `json:"path" yaml:"path" toml:"path"`
	EncryptionKey string `json:"encryptionKey,omitempty" yaml:"encryptionKey,omitempty" toml:"encryptionKey,omitempty"`
}

type RemoteConfig struct {
	Driver         string `json:"driver" yaml:"driver" toml:"driver"` // rest, libsql
	URL            string `json:"url" yaml:"url" toml:"url"`
	APIKey         string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" toml:"apiKey,omitempty"`
	AuthToken      string `json:"authToken,omitempty" yaml:"authToken,omitempty" toml:"authToken,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds" toml:"timeoutSeconds"`

	// Collections maps an operation kind to its remote collection.
	Collections map[string]CollectionConfig `json:"collections" yaml:"collections" toml:"collections"`
}

type CollectionConfig struct {
	Name           string `json:"name" yaml:"name" toml:"name"`
	ClientIDColumn string `json:"clientIdColumn" yaml:"clientIdColumn" toml:"clientIdColumn"`
	// Upsert is set when ClientIDColumn is unique remotely, so a replayed
	// write merges instead of needing a pre-check.
	Upsert bool `json:"upsert" yaml:"upsert" toml:"upsert"`
}

type ConnectivityConfig struct {
	// ProbeURL defaults to the remote health endpoint.
	ProbeURL        string `json:"probeUrl,omitempty" yaml:"probeUrl,omitempty" toml:"probeUrl,omitempty"`
	IntervalSeconds int    `json:"intervalSeconds" yaml:"intervalSeconds" toml:"intervalSeconds"`
	TimeoutSeconds  int    `json:"timeoutSeconds" yaml:"timeoutSeconds" toml:"timeoutSeconds"`
	// Transport pins the reported transport (wifi, cellular, ethernet).
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty" toml:"transport,omitempty"`
}

type SyncConfig struct {
	MaxConcurrentGroups    int         `json:"maxConcurrentGroups" yaml:"maxConcurrentGroups" toml:"maxConcurrentGroups"`
	DispatchTimeoutSeconds int         `json:"dispatchTimeoutSeconds" yaml:"dispatchTimeoutSeconds" toml:"dispatchTimeoutSeconds"`
	Retry                  RetryConfig `json:"retry" yaml:"retry" toml:"retry"`
	ErrorHistory           int         `json:"errorHistory" yaml:"errorHistory" toml:"errorHistory"`
	RetryCheckSeconds      int         `json:"retryCheckSeconds" yaml:"retryCheckSeconds" toml:"retryCheckSeconds"`
	// PruneSchedule is a standard five-field cron expression.
	PruneSchedule           string `json:"pruneSchedule" yaml:"pruneSchedule" toml:"pruneSchedule"`
	SucceededRetentionHours int    `json:"succeededRetentionHours" yaml:"succeededRetentionHours" toml:"succeededRetentionHours"`
	// FailedRetentionHours of zero keeps failed operations until discarded.
	FailedRetentionHours int `json:"failedRetentionHours" yaml:"failedRetentionHours" toml:"failedRetentionHours"`
}

type RetryConfig struct {
	BaseDelaySeconds int     `json:"baseDelaySeconds" yaml:"baseDelaySeconds" toml:"baseDelaySeconds"`
	MaxDelaySeconds  int     `json:"maxDelaySeconds" yaml:"maxDelaySeconds" toml:"maxDelaySeconds"`
	Multiplier       float64 `json:"multiplier" yaml:"multiplier" toml:"multiplier"`
	MaxAttempts      int     `json:"maxAttempts" yaml:"maxAttempts" toml:"maxAttempts"`
}

type MQTTConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Broker          string `json:"broker" yaml:"broker" toml:"broker"`
	Port            int    `json:"port" yaml:"port" toml:"port"`
	Username        string `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
	Password        string `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
	TopicPrefix     string `json:"topicPrefix" yaml:"topicPrefix" toml:"topicPrefix"`
	IntervalSeconds int    `json:"intervalSeconds" yaml:"intervalSeconds" toml:"intervalSeconds"`
}

// DefaultCollections maps every operation kind to the backend tables.
func DefaultCollections() map[string]CollectionConfig {
	return map[string]CollectionConfig{
		"create_transaction":   {Name: "transactions", ClientIDColumn: "client_id", Upsert: true},
		"stock_receive":        {Name: "stock_movements", ClientIDColumn: "client_id", Upsert: true},
		"stock_return":         {Name: "stock_movements", ClientIDColumn: "client_id", Upsert: true},
		"attendance_check_in":  {Name: "attendance", ClientIDColumn: "client_id"},
		"attendance_check_out": {Name: "attendance", ClientIDColumn: "client_id"},
	}
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:  "./data",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "queue.db",
		},
		Remote: RemoteConfig{
			Driver:         "rest",
			URL:            "http://localhost:54321",
			TimeoutSeconds: 20,
			Collections:    DefaultCollections(),
		},
		Connectivity: ConnectivityConfig{
			IntervalSeconds: 15,
			TimeoutSeconds:  5,
		},
		Sync: SyncConfig{
			MaxConcurrentGroups:    3,
			DispatchTimeoutSeconds: 30,
			Retry: RetryConfig{
				BaseDelaySeconds: 30,
				MaxDelaySeconds:  1800,
				Multiplier:       2,
				MaxAttempts:      8,
			},
			ErrorHistory:            50,
			RetryCheckSeconds:       15,
			PruneSchedule:           "0 3 * * *",
			SucceededRetentionHours: 72,
		},
		MQTT: MQTTConfig{
			Broker:          "localhost",
			Port:            1883,
			TopicPrefix:     "zeger",
			IntervalSeconds: 60,
		},
	}
}

// Format returns the encoding implied by path's extension.
func Format(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", "":
		return "json", nil
	case ".yaml", ".yml":
		return "yaml", nil
	case ".toml":
		return "toml", nil
	default:
		return "", fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func decode(path string, data []byte, cfg *Config) error {
	format, err := Format(path)
	if err != nil {
		return err
	}
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, cfg)
	case "toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse %s config: %w", format, err)
	}
	return nil
}

// Parse reads a config file over the defaults without touching the
// filesystem otherwise.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads config from a JSON, YAML or TOML file
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config in the format implied by path's extension
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	format, err := Format(path)
	if err != nil {
		return err
	}

	var data []byte
	switch format {
	case "yaml":
		data, err = yaml.Marshal(c)
	case "toml":
		var b strings.Builder
		err = toml.NewEncoder(&b).Encode(c)
		data = []byte(b.String())
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// Validate checks values that would otherwise fail deep inside the stack.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Server.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.logLevel: unknown level %q", c.Server.LogLevel)
	}

	switch c.Storage.Driver {
	case "", "sqlite", "file", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	switch c.Remote.Driver {
	case "", "rest", "libsql":
	default:
		return fmt.Errorf("remote.driver: unknown driver %q", c.Remote.Driver)
	}
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	for kind, coll := range c.Remote.Collections {
		if coll.Name == "" || coll.ClientIDColumn == "" {
			return fmt.Errorf("remote.collections.%s: name and clientIdColumn are required", kind)
		}
	}

	switch c.Connectivity.Transport {
	case "", "wifi", "cellular", "ethernet":
	default:
		return fmt.Errorf("connectivity.transport: unknown transport %q", c.Connectivity.Transport)
	}

	r := c.Sync.Retry
	if r.BaseDelaySeconds < 0 || r.MaxDelaySeconds < 0 || r.MaxAttempts < 0 {
		return fmt.Errorf("sync.retry: values must not be negative")
	}
	if r.MaxDelaySeconds > 0 && r.MaxDelaySeconds < r.BaseDelaySeconds {
		return fmt.Errorf("sync.retry: maxDelaySeconds below baseDelaySeconds")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("sync.retry.multiplier must be at least 1")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// ParseLogLevel converts a server.logLevel value to a slog.Level. Unknown
// values fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StoragePath resolves Storage.Path against Server.DataDir.
func (c *Config) StoragePath() string {
	if c.Storage.Path == "" || filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(c.Server.DataDir, c.Storage.Path)
}
