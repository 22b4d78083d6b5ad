// Package mobile exposes the sync core to the rider app through gomobile.
//
// # Building
//
//	go install golang.org/x/mobile/cmd/gomobile@latest
//	gomobile init
//	gomobile bind -target android -o zegersync.aar github.com/koncoweb/zeger-app-sub003/internal/platform/mobile
//	gomobile bind -target ios -o ZegerSync.xcframework github.com/koncoweb/zeger-app-sub003/internal/platform/mobile
//
// Only primitive types, strings and interfaces cross the binding, so
// payloads and snapshots travel as JSON strings.
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/koncoweb/zeger-app-sub003/internal/cloudsync"
	"github.com/koncoweb/zeger-app-sub003/internal/config"
	"github.com/koncoweb/zeger-app-sub003/internal/connectivity"
	"github.com/koncoweb/zeger-app-sub003/internal/queue"
	"github.com/koncoweb/zeger-app-sub003/internal/status"
)

// Config holds what the host app knows at startup.
type Config struct {
	// DataDir is a writable app-private directory.
	DataDir string
	// DeviceID identifies the rider's device in heartbeats.
	DeviceID string
	// RemoteURL and APIKey address the hosted backend.
	RemoteURL string
	APIKey    string
	// AuthToken is the signed-in rider's access token.
	AuthToken string
	// EncryptionKey seals the local queue at rest when set.
	EncryptionKey string
	// LogLevel controls verbosity: "debug", "info", "warn", "error".
	LogLevel string
	// ConfigPath optionally points to a JSON, YAML or TOML file whose values
	// the fields above override.
	ConfigPath string
}

// StatusListener receives status snapshots as JSON. Implemented on the host
// side (Kotlin or Swift).
type StatusListener interface {
	OnStatus(snapshotJSON string)
}

// SyncClient wraps the sync core for the host app.
type SyncClient struct {
	manager *cloudsync.Manager
	logger  *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	unsubs   []func()
	deviceID string
}

// NewSyncClient opens the local queue. Reachability is pushed by the host
// through SetNetwork; the client does no probing of its own.
func NewSyncClient(c *Config) (*SyncClient, error) {
	if c == nil || c.DataDir == "" {
		return nil, fmt.Errorf("mobile: DataDir is required")
	}

	cfg := config.DefaultConfig()
	if c.ConfigPath != "" {
		loaded, err := config.Parse(c.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("mobile: %w", err)
		}
		cfg = loaded
	}
	cfg.Server.DataDir = c.DataDir
	if c.DeviceID != "" {
		cfg.Server.DeviceID = c.DeviceID
	}
	if c.LogLevel != "" {
		cfg.Server.LogLevel = c.LogLevel
	}
	if c.RemoteURL != "" {
		cfg.Remote.URL = c.RemoteURL
	}
	if c.APIKey != "" {
		cfg.Remote.APIKey = c.APIKey
	}
	if c.AuthToken != "" {
		cfg.Remote.AuthToken = c.AuthToken
	}
	if c.EncryptionKey != "" {
		cfg.Storage.EncryptionKey = c.EncryptionKey
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("mobile: create data dir: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Server.LogLevel)}))
	monitor := connectivity.NewMonitor(connectivity.Options{}, nil, logger)

	m, err := cloudsync.NewManager(context.Background(), cfg, logger, cloudsync.WithMonitor(monitor))
	if err != nil {
		return nil, fmt.Errorf("mobile: %w", err)
	}
	return &SyncClient{manager: m, logger: logger, deviceID: m.DeviceID()}, nil
}

// Start runs background syncing. It is safe to call Start multiple times;
// subsequent calls are no-ops.
func (s *SyncClient) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.manager.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.running = true
	s.logger.Info("mobile sync client started", "device", s.deviceID)
	return nil
}

// Stop halts background syncing; queued operations stay on disk.
func (s *SyncClient) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	err := s.manager.Stop()
	s.cancel()
	s.cancel = nil
	s.running = false
	s.logger.Info("mobile sync client stopped", "device", s.deviceID)
	return err
}

// Close stops syncing and releases the local store.
func (s *SyncClient) Close() error {
	s.mu.Lock()
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	err := s.manager.Close()
	if cancel != nil {
		cancel()
	}
	return err
}

// Enqueue records a mutation. kind accepts "stock_receive" or
// "stock-receive"; payloadJSON must match the kind's payload shape.
func (s *SyncClient) Enqueue(kind, payloadJSON string) (string, error) {
	k, err := queue.ParseKind(kind)
	if err != nil {
		return "", err
	}
	return s.manager.Enqueue(context.Background(), k, json.RawMessage(payloadJSON))
}

// SetNetwork is called from the platform's network callback. transport is
// "wifi", "cellular", "ethernet" or empty.
func (s *SyncClient) SetNetwork(reachable bool, transport string) {
	s.manager.SetConnectivity(reachable, connectivity.Transport(transport))
}

// Foreground is called when the app returns to the foreground.
func (s *SyncClient) Foreground() {
	s.manager.Foreground(context.Background())
}

// SyncNow drains immediately and returns the session summary as JSON.
func (s *SyncClient) SyncNow(timeoutSeconds int) (string, error) {
	ctx := context.Background()
	if timeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
	}
	sess, err := s.manager.SyncNow(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(sess.Summary())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RetryFailed moves every failed operation back to pending.
func (s *SyncClient) RetryFailed() (int, error) {
	return s.manager.RetryFailedSync(context.Background())
}

// Discard drops a pending or failed operation.
func (s *SyncClient) Discard(id string) error {
	return s.manager.Discard(context.Background(), id)
}

// ClearErrors empties the error list shown to the rider.
func (s *SyncClient) ClearErrors() {
	s.manager.ClearErrors()
}

// GetStatus returns the current status snapshot as JSON.
// Safe to call from the main thread.
func (s *SyncClient) GetStatus() string {
	return encodeSnapshot(s.manager.Status())
}

// SetStatusListener registers l for every status change. It is called at
// once with the current snapshot.
func (s *SyncClient) SetStatusListener(l StatusListener) {
	unsub := s.manager.Subscribe(func(snap status.Snapshot) {
		l.OnStatus(encodeSnapshot(snap))
	})
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
}

// DeviceID returns the id used in heartbeats.
func (s *SyncClient) DeviceID() string { return s.deviceID }

func encodeSnapshot(snap status.Snapshot) string {
	data, _ := json.Marshal(snap)
	return string(data)
}
