package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// Has reports whether field was applied.
func (r *ReloadResult) Has(field string) bool {
	for _, a := range r.Applied {
		if a == field {
			return true
		}
	}
	return false
}

// restartRequiredFields lists config sections that cannot be hot-reloaded
// because they are bound when the sync core is opened.
var restartRequiredFields = map[string]bool{
	"Server.DataDir":        true,
	"Server.DeviceID":       true,
	"Storage":               true,
	"Remote":                true,
	"Connectivity.ProbeURL": true,
	"MQTT":                  true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Connectivity.IntervalSeconds",
	"Sync",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are logged as skipped.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	if err := decode(path, data, newCfg); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("reload: invalid config: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)

	return result, nil
}

func (r *ReloadResult) skip(field string) {
	r.Changed = append(r.Changed, field)
	r.Skipped = append(r.Skipped, field+" (requires restart)")
}

func (r *ReloadResult) apply(field string) {
	r.Changed = append(r.Changed, field)
	r.Applied = append(r.Applied, field)
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	if old.Server.DataDir != new.Server.DataDir {
		result.skip("Server.DataDir")
	}
	if old.Server.DeviceID != new.Server.DeviceID {
		result.skip("Server.DeviceID")
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		old.Server.LogLevel = new.Server.LogLevel
		result.apply("Server.LogLevel")
	}

	if !reflect.DeepEqual(old.Storage, new.Storage) {
		result.skip("Storage")
	}
	if !reflect.DeepEqual(old.Remote, new.Remote) {
		result.skip("Remote")
	}

	if old.Connectivity.ProbeURL != new.Connectivity.ProbeURL ||
		old.Connectivity.TimeoutSeconds != new.Connectivity.TimeoutSeconds ||
		old.Connectivity.Transport != new.Connectivity.Transport {
		result.skip("Connectivity.ProbeURL")
	}
	if old.Connectivity.IntervalSeconds != new.Connectivity.IntervalSeconds {
		old.Connectivity.IntervalSeconds = new.Connectivity.IntervalSeconds
		result.apply("Connectivity.IntervalSeconds")
	}

	if !reflect.DeepEqual(old.Sync, new.Sync) {
		old.Sync = new.Sync
		result.apply("Sync")
	}

	if !reflect.DeepEqual(old.MQTT, new.MQTT) {
		result.skip("MQTT")
	}
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
