package ddp

import "sync"

// Manager tracks a set of connections, e.g. every connection of an
// application, to answer whether all their subscriptions are ready.
type Manager struct {
	mu    sync.Mutex
	conns []*Connection
}

func NewManager() *Manager {
	return &Manager{}
}

// Register adds c. Registering twice is a no-op.
func (m *Manager) Register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.conns {
		if existing == c {
			return
		}
	}
	m.conns = append(m.conns, c)
}

func (m *Manager) Unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.conns {
		if existing == c {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return
		}
	}
}

// Connections returns the registered connections in registration order.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Connection(nil), m.conns...)
}

// AllReady reports whether every subscription of every registered
// connection is ready.
func (m *Manager) AllReady() bool {
	for _, c := range m.Connections() {
		if !c.AllSubscriptionsReady() {
			return false
		}
	}
	return true
}
