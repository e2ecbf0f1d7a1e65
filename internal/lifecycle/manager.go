package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/midcurve/autoclose/internal/config"
)

type brokerConn interface {
	Connect(ctx context.Context) error
	Healthy() bool
	Close() error
}

type executionEngine interface {
	Start(ctx context.Context) error
	Stop()
}

type monitor interface {
	Start() error
	Stop()
	Running() bool
}

// Manager owns component start and stop ordering. Startup is broker first
// (everything publishes or consumes through it), then the execution engine
// with its crash-recovery sweep, then the detection strategies — so a
// trigger can never be published before something is ready to consume it.
// Shutdown runs the exact reverse: stop producing, drain execution, drop
// the connection.
type Manager struct {
	broker  brokerConn
	engine  executionEngine
	polling monitor
	events  monitor
	mode    config.TriggerMode
	log     *logrus.Entry

	mu      sync.Mutex
	started bool
}

func NewManager(
	broker brokerConn,
	engine executionEngine,
	polling monitor,
	events monitor,
	mode config.TriggerMode,
	log *logrus.Entry,
) *Manager {
	return &Manager{
		broker:  broker,
		engine:  engine,
		polling: polling,
		events:  events,
		mode:    mode,
		log:     log,
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("worker already started")
	}

	if err := m.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if err := m.engine.Start(ctx); err != nil {
		_ = m.broker.Close()
		return fmt.Errorf("start execution engine: %w", err)
	}

	if m.usePolling() {
		if err := m.polling.Start(); err != nil {
			m.engine.Stop()
			_ = m.broker.Close()
			return fmt.Errorf("start polling monitor: %w", err)
		}
	}
	if m.useEvents() {
		if err := m.events.Start(); err != nil {
			if m.usePolling() {
				m.polling.Stop()
			}
			m.engine.Stop()
			_ = m.broker.Close()
			return fmt.Errorf("start event monitor: %w", err)
		}
	}

	m.started = true
	m.log.WithField("mode", m.mode).Info("worker started")
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}

	if m.useEvents() {
		m.events.Stop()
	}
	if m.usePolling() {
		m.polling.Stop()
	}
	m.engine.Stop()
	if err := m.broker.Close(); err != nil {
		m.log.WithError(err).Warn("close broker connection")
	}

	m.started = false
	m.log.Info("worker stopped")
}

// Healthy reports whether every component the configured mode requires is
// up.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || !m.broker.Healthy() {
		return false
	}
	if m.usePolling() && !m.polling.Running() {
		return false
	}
	if m.useEvents() && !m.events.Running() {
		return false
	}
	return true
}

func (m *Manager) usePolling() bool {
	return m.mode == config.ModePolling || m.mode == config.ModeBoth
}

func (m *Manager) useEvents() bool {
	return m.mode == config.ModeEventDriven || m.mode == config.ModeBoth
}
