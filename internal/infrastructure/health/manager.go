package health

import (
	"fmt"
	"sync"
	"time"

	"st_trading/internal/core"
)

// DefaultStaleAfter is how long a component may go without a heartbeat
// before it counts as unhealthy.
const DefaultStaleAfter = 2 * time.Minute

type componentState struct {
	lastBeat time.Time
	check    func() error
}

// Manager tracks component liveness. Components either heartbeat
// periodically or register a pull check; both feed the same status
// view.
type Manager struct {
	logger     core.ILogger
	staleAfter time.Duration

	mu         sync.RWMutex
	components map[string]*componentState
}

func NewManager(logger core.ILogger, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	m := &Manager{
		staleAfter: staleAfter,
		components: make(map[string]*componentState),
	}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds a heartbeat-tracked component. Registration counts as
// the first heartbeat.
func (m *Manager) Register(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = &componentState{lastBeat: time.Now()}
}

// RegisterCheck adds a component probed on demand instead of tracked
// by heartbeats.
func (m *Manager) RegisterCheck(name string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = &componentState{check: check}
}

// Heartbeat records that a component is alive. Unregistered names
// register implicitly.
func (m *Manager) Heartbeat(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.components[name]
	if state == nil {
		state = &componentState{}
		m.components[name] = state
	}
	state.lastBeat = time.Now()
}

func (m *Manager) componentError(state *componentState, now time.Time) error {
	if state.check != nil {
		return state.check()
	}
	if age := now.Sub(state.lastBeat); age > m.staleAfter {
		return fmt.Errorf("no heartbeat for %s", age.Round(time.Millisecond))
	}
	return nil
}

// Status reports every component as Healthy or Unhealthy with the
// reason.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	status := make(map[string]string, len(m.components))
	for name, state := range m.components {
		if err := m.componentError(state, now); err != nil {
			status[name] = "Unhealthy: " + err.Error()
		} else {
			status[name] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered component is healthy. An
// empty registry is healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for _, state := range m.components {
		if m.componentError(state, now) != nil {
			return false
		}
	}
	return true
}
