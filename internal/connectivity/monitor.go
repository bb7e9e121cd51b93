// Package connectivity tracks whether the collection service is reachable and reports
// offline/online edges.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Prober answers a single reachability question.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber considers the target reachable when a GET returns any status below 500.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// DialProber considers the target reachable when a TCP connection can be opened.
type DialProber struct {
	Address string
}

func (p DialProber) Probe(ctx context.Context) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Monitor polls a Prober and publishes state transitions.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	online atomic.Bool
	mu     sync.Mutex // serializes transitions and guards callbacks
	cbs    []func(bool)
	edges  chan bool

	ready     chan struct{}
	readyOnce sync.Once
}

// NewMonitor builds a monitor that starts in the offline state.
func NewMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
		edges:    make(chan bool, 8),
		ready:    make(chan struct{}),
	}
}

// Online returns the most recently observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnTransition registers cb to run, on the monitor's goroutine, after every flip.
func (m *Monitor) OnTransition(cb func(online bool)) {
	m.mu.Lock()
	m.cbs = append(m.cbs, cb)
	m.mu.Unlock()
}

// Transitions delivers the new state after every flip. When the consumer falls behind
// the oldest undelivered edge is dropped so the observer never blocks.
func (m *Monitor) Transitions() <-chan bool {
	return m.edges
}

// Ready is closed once Run has recorded the initial state.
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

// Run probes immediately, recording the initial state without emitting an edge, then
// probes on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.online.Store(m.probe(ctx))
	m.mu.Unlock()
	m.readyOnce.Do(func() { close(m.ready) })
	m.logger.Info("connectivity monitor started", "online", m.Online(), "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connectivity monitor stopped")
			return nil
		case <-ticker.C:
			m.Set(m.probe(ctx))
		}
	}
}

// Check probes once and applies the result. Without a prober it reports the current
// state unchanged, so a manual Set stays in effect.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	online := m.probe(ctx)
	m.Set(online)
	return online
}

// Set records a state and notifies listeners if it differs from the previous one.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online.Swap(online) == online {
		return
	}
	m.logger.Info("connectivity changed", "online", online)

	for _, cb := range m.cbs {
		m.safeCall(cb, online)
	}

	select {
	case m.edges <- online:
	default:
		select {
		case <-m.edges:
		default:
		}
		m.edges <- online
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.prober == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.prober.Probe(probeCtx)
}

func (m *Monitor) safeCall(cb func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity callback panic", "panic", fmt.Sprint(r))
		}
	}()
	cb(online)
}
