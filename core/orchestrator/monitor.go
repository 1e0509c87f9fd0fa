package orchestrator

import (
	"context"
	"slices"
	"sync"
	"time"

	"fieldops/core/logger"
)

// Prober checks whether the remote store answers
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor tracks connectivity by probing the remote store on an interval.
// Listeners registered with OnReconnect run, in order, on every offline -> online transition.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      *logger.Logger

	mu        sync.Mutex
	online    bool
	listeners []func(ctx context.Context)
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewMonitor creates a monitor that starts out online.
func NewMonitor(prober Prober, interval time.Duration, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		log:      log.With("component", "connectivity"),
		online:   true,
		stopChan: make(chan struct{}),
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// MarkOffline records that a call failed to reach the remote store.
func (m *Monitor) MarkOffline(reason error) {
	m.mu.Lock()
	was := m.online
	m.online = false
	m.mu.Unlock()
	if was {
		m.log.Warn("connectivity lost", "reason", reason)
	}
}

// OnReconnect registers fn to run when connectivity returns.
func (m *Monitor) OnReconnect(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetOnline forces the connectivity state. Going online runs the reconnect listeners before returning.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if !online || was {
		return
	}
	m.log.Info("connectivity restored")
	for _, fn := range listeners {
		fn(ctx)
	}
}

// Probe pings the remote store once and updates the state.
func (m *Monitor) Probe(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.prober.Ping(pingCtx)
	cancel()
	if err != nil {
		m.MarkOffline(err)
		return false
	}
	m.SetOnline(ctx, true)
	return true
}

// Start probes on every tick until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Stop ends the probe loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}
