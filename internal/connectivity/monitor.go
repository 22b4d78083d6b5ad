// Package connectivity tracks whether the device can reach the network and
// notifies subscribers on every reachability transition.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Transport classifies the active network link.
type Transport string

const (
	TransportUnknown  Transport = "unknown"
	TransportNone     Transport = "none"
	TransportWiFi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportEthernet Transport = "ethernet"
)

// State is a point-in-time reachability reading.
type State struct {
	Reachable bool      `json:"reachable"`
	Transport Transport `json:"transport"`
	Since     time.Time `json:"since"`
}

// Prober reports whether the network is reachable right now.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (bool, error)

func (f ProberFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// Options configures a Monitor.
type Options struct {
	// Interval between probes. Zero disables the probe loop; state then
	// changes only through Set.
	Interval time.Duration
	// Transport pins the reported transport instead of inspecting interfaces.
	Transport Transport
	// Initial is the reachability assumed before the first probe.
	Initial bool
}

// Monitor holds the current reachability state. Platform code pushes
// changes with Set; on hosts without a platform callback the probe loop
// started by Start polls a Prober.
type Monitor struct {
	prober   Prober
	classify func() Transport
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	state     State
	interval  time.Duration
	listeners map[int]func(State)
	nextLID   int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. prober may be nil when state is pushed by
// the platform.
func NewMonitor(opts Options, prober Prober, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		prober:    prober,
		logger:    logger.With("component", "connectivity"),
		now:       time.Now,
		interval:  opts.Interval,
		listeners: make(map[int]func(State)),
	}
	if opts.Transport != "" {
		fixed := opts.Transport
		m.classify = func() Transport { return fixed }
	} else {
		m.classify = ClassifyInterfaces
	}

	transport := TransportNone
	if opts.Initial {
		transport = m.classify()
	}
	m.state = State{Reachable: opts.Initial, Transport: transport, Since: m.now()}
	return m
}

// Current returns the latest state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn for reachability transitions and returns a
// function that removes it. Listeners may see redundant transitions when
// the link flaps and must tolerate them.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextLID
	m.nextLID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Set records a reachability reading. Listeners run only when Reachable
// changes; a transport change alone updates state silently.
func (m *Monitor) Set(reachable bool, transport Transport) {
	if !reachable {
		transport = TransportNone
	} else if transport == "" {
		transport = m.classify()
	}

	m.mu.Lock()
	changed := m.state.Reachable != reachable
	if changed {
		m.state = State{Reachable: reachable, Transport: transport, Since: m.now()}
	} else {
		m.state.Transport = transport
	}
	st := m.state
	var fns []func(State)
	if changed {
		for _, fn := range m.listeners {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("reachability changed", "reachable", reachable, "transport", transport)
	for _, fn := range fns {
		fn(st)
	}
}

// Check probes once and records the result. Without a prober it returns
// the current state.
func (m *Monitor) Check(ctx context.Context) State {
	if m.prober == nil {
		return m.Current()
	}
	ok, err := m.prober.Probe(ctx)
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
	}
	m.Set(ok && err == nil, "")
	return m.Current()
}

// SetInterval changes the probe interval. It takes effect on the next tick.
func (m *Monitor) SetInterval(d time.Duration) {
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

func (m *Monitor) currentInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

// Start launches the probe loop. It is a no-op without a prober or with a
// zero interval.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil || m.currentInterval() <= 0 {
		return
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.probeLoop(ctx)
	m.logger.Info("connectivity monitor started", "interval", m.currentInterval())
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.stopCh = nil
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	m.Check(ctx)
	interval := m.currentInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-timer.C:
			m.Check(ctx)
			timer.Reset(m.currentInterval())
		}
	}
}
