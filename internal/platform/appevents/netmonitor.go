package appevents

import "sync"

// NetworkMonitor owns the current connectivity view. All mutation goes
// through SetConnection; observers ride the event bus.
type NetworkMonitor struct {
	mu             sync.RWMutex
	bus            *Bus
	connected      bool
	connectionType string
}

func NewNetworkMonitor(bus *Bus) *NetworkMonitor {
	return &NetworkMonitor{bus: bus, connectionType: ConnectionNone}
}

func (m *NetworkMonitor) SetConnection(connectionType string) {
	m.mu.Lock()
	connected := connectionType != "" && connectionType != ConnectionNone
	changed := m.connected != connected || m.connectionType != connectionType
	m.connected = connected
	m.connectionType = connectionType
	bus := m.bus
	m.mu.Unlock()

	if changed && bus != nil {
		bus.Publish(Event{Kind: KindConnectivityChanged, ConnectionType: connectionType})
	}
}

func (m *NetworkMonitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *NetworkMonitor) ConnectionType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionType
}
