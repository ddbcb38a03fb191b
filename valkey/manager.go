package valkey

import (
	"sync"

	"tagflow/config"
	"tagflow/metrics"
	"tagflow/supervision"
	"tagflow/tag"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex

	onConnectCallback func()
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, ns string, met *metrics.Metrics) {
	for i := range configs {
		m.Add(NewPublisher(&configs[i], ns, met))
	}
}

// Add adds a publisher, applying the shared on-connect callback.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()

	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop OUTSIDE the lock to prevent blocking
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled {
			if err := pub.Start(); err != nil {
				debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			} else {
				debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// PublishTag stores a tag on all running publishers.
func (m *Manager) PublishTag(t *tag.Tag) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishTag(t)
		}
	}
}

// PublishTransition stores a supervision transition on all running publishers.
func (m *Manager) PublishTransition(tr supervision.Transition) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishTransition(tr)
		}
	}
}

// SetOnConnectCallback sets the callback invoked after any publisher connects.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}
