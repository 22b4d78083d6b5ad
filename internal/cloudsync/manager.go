// Package cloudsync drains the rider app's offline queue into the hosted
// backend.
//
// The Manager wires the sync core from configuration:
// - a durable local queue (internal/queue) over a storage backend
// - connectivity detection with an HTTP probe
// - the Engine, which drains per lane in FIFO order with bounded retries
// - an idempotency resolver so replays never duplicate remote rows
// - a status facade for UI indicators and an optional MQTT heartbeat
// - scheduled jobs for due retries and pruning
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koncoweb/zeger-app-sub003/internal/config"
	"github.com/koncoweb/zeger-app-sub003/internal/connectivity"
	"github.com/koncoweb/zeger-app-sub003/internal/idempotency"
	"github.com/koncoweb/zeger-app-sub003/internal/queue"
	"github.com/koncoweb/zeger-app-sub003/internal/remote"
	"github.com/koncoweb/zeger-app-sub003/internal/scheduler"
	"github.com/koncoweb/zeger-app-sub003/internal/status"
	"github.com/koncoweb/zeger-app-sub003/internal/storage"
)

const (
	jobRetryDue = "retry-due"
	jobPrune    = "prune"
)

// ErrNoSchemaSupport is returned by InitRemote for backends whose schema is
// managed elsewhere.
var ErrNoSchemaSupport = errors.New("cloudsync: remote driver does not manage schema")

// Manager is the main interface for offline sync operations
type Manager struct {
	cfgMu    sync.RWMutex
	cfg      config.Config
	deviceID string
	logger   *slog.Logger

	backend   storage.Backend
	store     *queue.Store
	monitor   *connectivity.Monitor
	remote    remote.Service
	resolver  *idempotency.Resolver
	facade    *status.Facade
	engine    *Engine
	scheduler *scheduler.Scheduler
	publisher *status.MQTTPublisher

	mu      sync.Mutex
	started bool
}

// ManagerOption overrides a component NewManager would otherwise build.
type ManagerOption func(*managerDeps)

type managerDeps struct {
	backend storage.Backend
	service remote.Service
	monitor *connectivity.Monitor
}

// WithBackend uses b instead of opening the configured storage.
func WithBackend(b storage.Backend) ManagerOption {
	return func(d *managerDeps) { d.backend = b }
}

// WithService uses svc instead of the configured remote driver.
func WithService(svc remote.Service) ManagerOption {
	return func(d *managerDeps) { d.service = svc }
}

// WithMonitor uses m instead of an HTTP-probing monitor. Platform bridges
// push state into m with Set.
func WithMonitor(m *connectivity.Monitor) ManagerOption {
	return func(d *managerDeps) { d.monitor = m }
}

// NewManager opens the local queue and wires the sync core from cfg. Nothing
// runs in the background until Start.
func NewManager(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var deps managerDeps
	for _, o := range opts {
		o(&deps)
	}

	targets, err := Targets(cfg.Remote.Collections)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      *cfg,
		deviceID: cfg.Server.DeviceID,
		logger:   logger.With("component", "manager"),
	}
	if m.deviceID == "" {
		m.deviceID = uuid.NewString()
	}

	m.remote = deps.service
	if m.remote == nil {
		m.remote, err = remote.New(remote.Options{
			Driver:    cfg.Remote.Driver,
			URL:       cfg.Remote.URL,
			APIKey:    cfg.Remote.APIKey,
			AuthToken: cfg.Remote.AuthToken,
			Timeout:   seconds(cfg.Remote.TimeoutSeconds),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("remote: %w", err)
		}
	}

	m.backend = deps.backend
	if m.backend == nil {
		m.backend, err = storage.Open(storage.Options{
			Driver:        cfg.Storage.Driver,
			Path:          cfg.StoragePath(),
			EncryptionKey: cfg.Storage.EncryptionKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	m.store, err = queue.Open(ctx, m.backend, logger)
	if err != nil {
		_ = m.backend.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	m.monitor = deps.monitor
	if m.monitor == nil {
		m.monitor = connectivity.NewMonitor(connectivity.Options{
			Interval:  seconds(cfg.Connectivity.IntervalSeconds),
			Transport: connectivity.Transport(cfg.Connectivity.Transport),
		}, m.prober(), logger)
	}

	m.resolver = idempotency.New(m.remote, m.backend, targets, logger)
	m.facade = status.New(m.store, m.monitor, cfg.Sync.ErrorHistory, logger)
	m.engine = NewEngine(m.store, m.monitor, m.resolver, m.facade, engineOptions(cfg.Sync), logger)

	m.scheduler = scheduler.NewScheduler(logger)
	if err := m.addJobs(); err != nil {
		m.facade.Close()
		_ = m.backend.Close()
		return nil, err
	}

	if cfg.MQTT.Enabled {
		m.publisher = status.NewMQTTPublisher(status.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    m.deviceID,
			Interval:    seconds(cfg.MQTT.IntervalSeconds),
		}, m.facade, logger)
	}

	m.logger.Info("sync core ready",
		"device", m.deviceID,
		"remote", cfg.Remote.Driver,
		"storage", cfg.Storage.Driver,
		"pending", m.store.Counts().Pending)
	return m, nil
}

// Targets converts configured collections to resolver targets.
func Targets(collections map[string]config.CollectionConfig) (map[queue.Kind]idempotency.Target, error) {
	targets := idempotency.DefaultTargets()
	for name, c := range collections {
		kind := queue.Kind(name)
		if !kind.Valid() {
			return nil, fmt.Errorf("remote.collections: unknown kind %q", name)
		}
		targets[kind] = idempotency.Target{
			Collection:     c.Name,
			ClientIDColumn: c.ClientIDColumn,
			Upsert:         c.Upsert,
		}
	}
	return targets, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func engineOptions(s config.SyncConfig) EngineOptions {
	return EngineOptions{
		MaxConcurrentGroups: s.MaxConcurrentGroups,
		DispatchTimeout:     seconds(s.DispatchTimeoutSeconds),
		Retry: RetryPolicy{
			BaseDelay:   seconds(s.Retry.BaseDelaySeconds),
			MaxDelay:    seconds(s.Retry.MaxDelaySeconds),
			Multiplier:  s.Retry.Multiplier,
			MaxAttempts: s.Retry.MaxAttempts,
		},
	}
}

// prober probes the configured URL, falling back to the backend's health
// endpoint.
func (m *Manager) prober() connectivity.Prober {
	url := m.cfg.Connectivity.ProbeURL
	if url == "" {
		if h, ok := m.remote.(interface{ HealthURL() string }); ok {
			url = h.HealthURL()
		}
	}
	if url == "" {
		return nil
	}
	return connectivity.NewHTTPProber(url, seconds(m.cfg.Connectivity.TimeoutSeconds))
}

func retryCheckSchedule(s config.SyncConfig) scheduler.ScheduleConfig {
	n := s.RetryCheckSeconds
	if n <= 0 {
		n = 15
	}
	return scheduler.Every(seconds(n))
}

func (m *Manager) addJobs() error {
	err := m.scheduler.AddJob(&scheduler.Job{
		ID:       jobRetryDue,
		Name:     "requeue failed operations whose backoff elapsed",
		Enabled:  true,
		Schedule: retryCheckSchedule(m.cfg.Sync),
		Run: func(ctx context.Context) error {
			_, err := m.engine.RequeueDue(ctx)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobRetryDue, err)
	}

	if m.cfg.Sync.PruneSchedule == "" {
		return nil
	}
	return m.addPruneJob(m.cfg.Sync.PruneSchedule)
}

func (m *Manager) addPruneJob(expr string) error {
	err := m.scheduler.AddJob(&scheduler.Job{
		ID:       jobPrune,
		Name:     "prune finished operations",
		Enabled:  true,
		Schedule: scheduler.Cron(expr),
		Run: func(ctx context.Context) error {
			_, err := m.PruneExpired(ctx)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobPrune, err)
	}
	return nil
}

// reschedulePrune follows a changed prune schedule; an empty expression
// removes the job.
func (m *Manager) reschedulePrune(expr string) error {
	_, err := m.scheduler.GetJob(jobPrune)
	exists := err == nil
	switch {
	case expr == "" && exists:
		return m.scheduler.RemoveJob(jobPrune)
	case expr == "":
		return nil
	case exists:
		return m.scheduler.Reschedule(jobPrune, scheduler.Cron(expr))
	default:
		return m.addPruneJob(expr)
	}
}

// Start begins background syncing: connectivity probing, the drain loop,
// scheduled jobs and the optional heartbeat.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("sync manager already started")
	}

	m.monitor.Check(ctx)
	m.monitor.Start(ctx)
	if err := m.engine.Start(ctx); err != nil {
		m.monitor.Stop()
		return err
	}
	if err := m.scheduler.Start(ctx); err != nil {
		_ = m.engine.Stop()
		m.monitor.Stop()
		return err
	}
	if m.publisher != nil {
		// The heartbeat is best effort; syncing never depends on the broker.
		if err := m.publisher.Start(ctx); err != nil {
			m.logger.Warn("status heartbeat unavailable", "error", err)
		}
	}
	m.started = true
	return nil
}

// Stop halts background work and waits for a running drain to finish.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	if m.publisher != nil {
		m.publisher.Stop()
	}
	m.scheduler.Stop()
	err := m.engine.Stop()
	m.monitor.Stop()
	return err
}

// Close stops background work and releases the local store.
func (m *Manager) Close() error {
	stopErr := m.Stop()
	m.facade.Close()
	if err := m.backend.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return stopErr
}

// Enqueue records a mutation locally and returns its id. It never waits for
// the network; when the device is online a drain is requested.
func (m *Manager) Enqueue(ctx context.Context, kind queue.Kind, payload interface{}) (string, error) {
	id, err := m.store.Enqueue(ctx, kind, payload)
	if err != nil {
		return "", err
	}
	if m.monitor.Current().Reachable {
		m.engine.Kick()
	}
	return id, nil
}

// RecordTransaction queues a sale.
func (m *Manager) RecordTransaction(ctx context.Context, p queue.TransactionPayload) (string, error) {
	if p.TransactionDate.IsZero() {
		p.TransactionDate = time.Now().UTC()
	}
	return m.Enqueue(ctx, queue.KindCreateTransaction, p)
}

// ReceiveStock queues stock handed to the rider.
func (m *Manager) ReceiveStock(ctx context.Context, p queue.StockMovementPayload) (string, error) {
	p.MovementType = "in"
	if p.MovedAt.IsZero() {
		p.MovedAt = time.Now().UTC()
	}
	return m.Enqueue(ctx, queue.KindStockReceive, p)
}

// ReturnStock queues stock returned by the rider.
func (m *Manager) ReturnStock(ctx context.Context, p queue.StockMovementPayload) (string, error) {
	p.MovementType = "return"
	if p.MovedAt.IsZero() {
		p.MovedAt = time.Now().UTC()
	}
	return m.Enqueue(ctx, queue.KindStockReturn, p)
}

// CheckIn queues a shift check-in.
func (m *Manager) CheckIn(ctx context.Context, p queue.AttendancePayload) (string, error) {
	p.Action = "check_in"
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	return m.Enqueue(ctx, queue.KindAttendanceCheckIn, p)
}

// CheckOut queues a shift check-out.
func (m *Manager) CheckOut(ctx context.Context, p queue.AttendancePayload) (string, error) {
	p.Action = "check_out"
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	return m.Enqueue(ctx, queue.KindAttendanceCheckOut, p)
}

// SyncNow re-checks connectivity and drains immediately.
func (m *Manager) SyncNow(ctx context.Context) (*Session, error) {
	m.monitor.Check(ctx)
	return m.engine.Drain(ctx)
}

// Foreground is called when the app returns to the foreground. It re-checks
// connectivity and requests a drain from the background loop.
func (m *Manager) Foreground(ctx context.Context) {
	if m.monitor.Check(ctx).Reachable {
		m.engine.Kick()
	}
}

// Probe re-checks connectivity without requesting a drain.
func (m *Manager) Probe(ctx context.Context) connectivity.State {
	return m.monitor.Check(ctx)
}

// RetryFailedSync moves every failed operation back to pending and requests
// a drain.
func (m *Manager) RetryFailedSync(ctx context.Context) (int, error) {
	return m.engine.RetryFailedSync(ctx)
}

// Discard removes a pending or failed operation without sending it.
func (m *Manager) Discard(ctx context.Context, id string) error {
	return m.store.Discard(ctx, id)
}

// Prune removes finished operations completed before olderThan. Only
// succeeded operations are removed unless statuses says otherwise. Ledger
// entries older than olderThan go with them.
func (m *Manager) Prune(ctx context.Context, olderThan time.Time, statuses ...queue.Status) (int, error) {
	n, err := m.store.Prune(ctx, olderThan, statuses...)
	if err != nil {
		return n, err
	}
	prunesSucceeded := len(statuses) == 0
	for _, s := range statuses {
		if s == queue.StatusSucceeded {
			prunesSucceeded = true
		}
	}
	if prunesSucceeded {
		if l, err := m.resolver.PruneLedger(ctx, olderThan); err != nil {
			m.logger.Warn("ledger prune failed", "error", err)
		} else if l > 0 {
			m.logger.Debug("ledger pruned", "entries", l)
		}
	}
	return n, nil
}

// PruneExpired applies the configured retention windows.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	m.cfgMu.RLock()
	s := m.cfg.Sync
	m.cfgMu.RUnlock()

	now := time.Now()
	total := 0
	if s.SucceededRetentionHours > 0 {
		n, err := m.Prune(ctx, now.Add(-time.Duration(s.SucceededRetentionHours)*time.Hour), queue.StatusSucceeded)
		total += n
		if err != nil {
			return total, err
		}
	}
	if s.FailedRetentionHours > 0 {
		n, err := m.store.Prune(ctx, now.Add(-time.Duration(s.FailedRetentionHours)*time.Hour), queue.StatusFailed)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		m.logger.Info("expired operations pruned", "count", total)
	}
	return total, nil
}

// Status returns the current sync status snapshot.
func (m *Manager) Status() status.Snapshot { return m.facade.Snapshot() }

// Subscribe registers fn for status changes. fn is called at once with the
// current snapshot.
func (m *Manager) Subscribe(fn func(status.Snapshot)) func() { return m.facade.Subscribe(fn) }

// ClearErrors empties the visible error list.
func (m *Manager) ClearErrors() { m.facade.ClearErrors() }

// SetConnectivity lets a platform callback push reachability.
func (m *Manager) SetConnectivity(reachable bool, transport connectivity.Transport) {
	m.monitor.Set(reachable, transport)
}

// ApplyConfig hot-applies the reloadable sections of cfg.
func (m *Manager) ApplyConfig(cfg *config.Config) error {
	config.RLock()
	next := *cfg
	config.RUnlock()

	m.cfgMu.Lock()
	prev := m.cfg.Sync
	m.cfg.Server.LogLevel = next.Server.LogLevel
	m.cfg.Connectivity.IntervalSeconds = next.Connectivity.IntervalSeconds
	m.cfg.Sync = next.Sync
	m.cfgMu.Unlock()

	m.engine.SetOptions(engineOptions(next.Sync))
	m.facade.SetMaxErrors(next.Sync.ErrorHistory)
	m.monitor.SetInterval(seconds(next.Connectivity.IntervalSeconds))

	if prev.RetryCheckSeconds != next.Sync.RetryCheckSeconds {
		if err := m.scheduler.Reschedule(jobRetryDue, retryCheckSchedule(next.Sync)); err != nil {
			return err
		}
	}
	if prev.PruneSchedule != next.Sync.PruneSchedule {
		if err := m.reschedulePrune(next.Sync.PruneSchedule); err != nil {
			return err
		}
	}
	m.logger.Info("sync settings applied",
		"max_attempts", next.Sync.Retry.MaxAttempts,
		"error_history", next.Sync.ErrorHistory)
	return nil
}

// InitRemote creates the backend tables on drivers that manage schema.
func (m *Manager) InitRemote(ctx context.Context) error {
	s, ok := m.remote.(interface {
		InitSchema(ctx context.Context) error
	})
	if !ok {
		return ErrNoSchemaSupport
	}
	return s.InitSchema(ctx)
}

// Store exposes the local queue for inspection tools.
func (m *Manager) Store() *queue.Store { return m.store }

// Engine exposes the drain engine.
func (m *Manager) Engine() *Engine { return m.engine }

// Scheduler exposes the maintenance job scheduler.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.scheduler }

// Remote exposes the configured backend.
func (m *Manager) Remote() remote.Service { return m.remote }

// DeviceID returns the current device ID
func (m *Manager) DeviceID() string { return m.deviceID }
