package state

import (
	"sync"
	"time"
)

// LinkState is the connectivity mode of the node
type LinkState string

const (
	StateUninitialized   LinkState = "uninitialized"
	StateApProvisioning  LinkState = "ap-provisioning"
	StateStaConnecting   LinkState = "sta-connecting"
	StateStaConnected    LinkState = "sta-connected"
	StateStaDisconnected LinkState = "sta-disconnected"
)

// Station reports whether s is one of the station-mode states
func (s LinkState) Station() bool {
	switch s {
	case StateStaConnecting, StateStaConnected, StateStaDisconnected:
		return true
	}
	return false
}

// State holds the node's connectivity snapshot
type State struct {
	LinkState LinkState

	// Station
	SSID            string // Stored network being joined
	IPAddress       string
	AttemptInFlight bool
	Attempts        uint64 // Association attempts started since boot
	Failures        uint64 // Disconnects observed since boot
	Connections     uint64 // Entries into StaConnected
	ConnectedSince  time.Time
	LastError       string

	// Access point
	APSSID    string
	APAddress string

	InterfaceName string
}

// Manager manages state with thread-safe access
type Manager struct {
	mu        sync.RWMutex
	state     State
	listeners []func(*State)
	seq       uint64

	// notifyMu orders listener calls; delivered is the newest seq handed out.
	notifyMu  sync.Mutex
	delivered uint64
}

// NewManager creates a new state manager
func NewManager() *Manager {
	return &Manager{
		state: State{
			LinkState: StateUninitialized,
		},
	}
}

// OnChange registers a callback invoked after Update, outside the state lock.
// Listeners see snapshots in update order; a snapshot overtaken by a newer
// one is skipped. Listeners must not call Update.
func (m *Manager) OnChange(fn func(*State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Get returns a copy of current state
func (m *Manager) Get() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Update atomically updates state and notifies listeners
func (m *Manager) Update(fn func(*State)) {
	m.mu.Lock()
	fn(&m.state)
	m.seq++
	seq := m.seq
	stateCopy := m.state
	listeners := m.listeners
	m.mu.Unlock()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if seq < m.delivered {
		return
	}
	m.delivered = seq
	for _, l := range listeners {
		l(&stateCopy)
	}
}
