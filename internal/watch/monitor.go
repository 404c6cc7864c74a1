// Package watch provides the connectivity monitor that triggers syncs
// when the backend becomes reachable again.
package watch

import (
	"sync"
	"time"

	"github.com/jcastel/civisync/internal/logger"
)

// Pinger reports whether the backend is currently reachable.
type Pinger interface {
	Ping() error
}

// Monitor polls the backend on a fixed interval and invokes the
// registered callback on every offline-to-online transition. The
// callback is registered explicitly by the bootstrap that owns the
// monitor; there is no implicit global wiring.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	onOnline func()

	mu      sync.Mutex
	running bool
	online  bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewMonitor creates a monitor that probes via pinger every interval
// and calls onOnline when connectivity returns.
func NewMonitor(pinger Pinger, interval time.Duration, onOnline func()) *Monitor {
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		onOnline: onOnline,
	}
}

// Start launches the probe loop. The first probe runs immediately, so a
// reachable backend triggers the callback without waiting one interval.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})

	go m.run()
	logger.Debug("watch: monitor started (interval %s)", m.interval)
}

// Stop halts the probe loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
	logger.Debug("watch: monitor stopped")
}

// Online reports the result of the most recent probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Monitor) probe() {
	err := m.pinger.Ping()

	m.mu.Lock()
	wasOnline := m.online
	m.online = err == nil
	nowOnline := m.online
	m.mu.Unlock()

	switch {
	case err != nil && wasOnline:
		logger.Info("watch: backend went offline: %v", err)
	case err != nil:
		logger.Debug("watch: backend still offline: %v", err)
	case !wasOnline && nowOnline:
		logger.Info("watch: backend is reachable, triggering sync")
		if m.onOnline != nil {
			m.onOnline()
		}
	}
}
