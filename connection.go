package liveview

import "sync"

// ConnectionListeners is a registry of connection listeners that remembers
// the last reported state. Data sources embed it to implement the listener
// half of DataSource. The zero value is Disconnected with no listeners.
type ConnectionListeners struct {
	// serializes notifications so transitions arrive in order
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     ConnectionState
	listeners map[ListenerID]ConnectionListener
	nextID    ListenerID
}

// AddConnectionListener registers l and immediately reports the current state to it.
func (c *ConnectionListeners) AddConnectionListener(l ConnectionListener) ListenerID {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.listeners == nil {
		c.listeners = make(map[ListenerID]ConnectionListener)
	}
	c.nextID++
	id := c.nextID
	c.listeners[id] = l
	state := c.state
	c.mu.Unlock()

	l(state)
	return id
}

// RemoveConnectionListener unregisters a listener. Unknown ids are ignored.
func (c *ConnectionListeners) RemoveConnectionListener(id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// ConnectionState returns the last reported state.
func (c *ConnectionListeners) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetConnectionState records state and notifies every listener when it
// differs from the previous one. It reports whether a transition happened.
// Listeners must not call SetConnectionState.
func (c *ConnectionListeners) SetConnectionState(state ConnectionState) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return false
	}
	c.state = state
	listeners := make([]ConnectionListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
	return true
}
