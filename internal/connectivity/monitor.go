// ABOUTME: Tracks whether the sync server is reachable by probing it on an interval
// ABOUTME: Notifies subscribers on offline/online transitions

package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Prober checks reachability. syncapi.Client satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor holds the current connectivity state.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	online   bool
	checked  time.Time
	lastErr  error
	override *bool
	subs     map[string]chan bool
}

// NewMonitor creates a monitor that starts offline until the first probe.
// A nil prober never changes state on its own; use Set.
func NewMonitor(prober Prober, interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "connectivity"),
		subs:     make(map[string]chan bool),
	}
}

// Online reports the current state. A forced state wins over probes.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.override != nil {
		return *m.override
	}
	return m.online
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Online      bool      `json:"online"`
	Forced      bool      `json:"forced,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Status returns the current state and the last probe outcome.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Status{Online: m.online, LastChecked: m.checked}
	if m.override != nil {
		s.Online = *m.override
		s.Forced = true
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Set records an externally observed state, e.g. from an OS network event.
// Subscribers are notified if the state changed.
func (m *Monitor) Set(online bool) {
	m.update(online, nil, false)
}

// Force pins the state regardless of probes; nil releases it.
func (m *Monitor) Force(online *bool) {
	m.mu.Lock()
	before := m.effectiveLocked()
	if online != nil {
		v := *online
		m.override = &v
	} else {
		m.override = nil
	}
	after := m.effectiveLocked()
	m.mu.Unlock()

	m.notify(before, after)
}

// Check probes once and updates the state.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(ctx)
	m.update(err == nil, err, true)
	return m.Online()
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Subscribe returns a channel receiving the new state on every transition.
// Only the latest state is buffered. The channel closes when ctx ends.
func (m *Monitor) Subscribe(ctx context.Context) <-chan bool {
	id := uuid.New().String()
	ch := make(chan bool, 1)

	m.mu.Lock()
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

func (m *Monitor) update(online bool, err error, probed bool) {
	m.mu.Lock()
	before := m.effectiveLocked()
	m.online = online
	if probed {
		m.checked = time.Now()
		m.lastErr = err
	}
	after := m.effectiveLocked()
	m.mu.Unlock()

	if err != nil && before {
		m.logger.Debug("probe failed", "error", err)
	}
	m.notify(before, after)
}

func (m *Monitor) effectiveLocked() bool {
	if m.override != nil {
		return *m.override
	}
	return m.online
}

func (m *Monitor) notify(before, after bool) {
	if before == after {
		return
	}
	if after {
		m.logger.Info("server reachable")
	} else {
		m.logger.Warn("server unreachable")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		// Replace a stale undelivered state with the latest one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- after:
		default:
		}
	}
}
