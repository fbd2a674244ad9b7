package liveview

import (
	"log/slog"
	"sync"
)

// ConnectionTarget is told about connectivity transitions.
// Controller implements it.
type ConnectionTarget interface {
	ConnectionLost()
	ConnectionRestored()
}

// ConnectionMonitor forwards a data source's connectivity signal to a target.
// It never reissues queries itself.
type ConnectionMonitor struct {
	source  DataSource
	target  ConnectionTarget
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	listener ListenerID
	started  bool
	state    ConnectionState
}

// NewConnectionMonitor creates a monitor; call Start to begin observing.
func NewConnectionMonitor(source DataSource, target ConnectionTarget, logger *slog.Logger, metrics *Metrics) *ConnectionMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionMonitor{
		source:  source,
		target:  target,
		logger:  logger,
		metrics: metrics,
		state:   Disconnected,
	}
}

// Start registers the monitor with the data source.
func (m *ConnectionMonitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	id := m.source.AddConnectionListener(m.handle)

	m.mu.Lock()
	m.listener = id
	m.mu.Unlock()
}

// Stop unregisters the monitor.
func (m *ConnectionMonitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	id := m.listener
	m.mu.Unlock()

	m.source.RemoveConnectionListener(id)
}

// State returns the last observed connectivity state.
func (m *ConnectionMonitor) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionMonitor) handle(state ConnectionState) {
	m.mu.Lock()
	wasConnected := m.state == Connected
	m.state = state
	m.mu.Unlock()

	switch state {
	case Connected:
		if !wasConnected {
			m.logger.Info("connection established")
		}
		m.target.ConnectionRestored()
	default:
		if wasConnected {
			m.metrics.connectionLost()
			m.logger.Info("connection lost")
		}
		m.target.ConnectionLost()
	}
}
