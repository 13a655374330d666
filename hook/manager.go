package hook

import (
	"sync"
	"sync/atomic"
)

// Manager holds the registered Hooks and dispatches lifecycle events to
// them. Reads (event dispatch) never block on writes (Add/Remove): the
// hook slice is swapped atomically, copy-on-write, under mu only for
// mutation.
type Manager struct {
	mu       sync.Mutex
	hooksPtr atomic.Pointer[[]Hook]
	index    map[string]int
}

// NewManager returns an empty Manager ready to register hooks.
func NewManager() *Manager {
	m := &Manager{index: make(map[string]int)}
	hooks := make([]Hook, 0)
	m.hooksPtr.Store(&hooks)
	return m
}

// Add registers hook under its ID. Returns ErrEmptyHookID for a nil hook or
// empty ID, ErrHookAlreadyExists if the ID is already registered.
func (m *Manager) Add(h Hook) error {
	if h == nil {
		return ErrEmptyHookID
	}
	id := h.ID()
	if id == "" {
		return ErrEmptyHookID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[id]; exists {
		return ErrHookAlreadyExists
	}

	oldHooks := *m.hooksPtr.Load()
	newHooks := make([]Hook, len(oldHooks)+1)
	copy(newHooks, oldHooks)
	newHooks[len(oldHooks)] = h

	m.index[id] = len(oldHooks)
	m.hooksPtr.Store(&newHooks)
	return nil
}

// Remove unregisters the hook with the given ID. Returns ErrHookNotFound if
// no such hook is registered.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, exists := m.index[id]
	if !exists {
		return ErrHookNotFound
	}

	oldHooks := *m.hooksPtr.Load()
	newHooks := make([]Hook, len(oldHooks)-1)
	copy(newHooks[:idx], oldHooks[:idx])
	copy(newHooks[idx:], oldHooks[idx+1:])

	delete(m.index, id)
	for i := idx; i < len(newHooks); i++ {
		m.index[newHooks[i].ID()] = i
	}

	m.hooksPtr.Store(&newHooks)
	return nil
}

// Get retrieves a registered hook by ID.
func (m *Manager) Get(id string) (Hook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, exists := m.index[id]
	if !exists {
		return nil, false
	}
	hooks := *m.hooksPtr.Load()
	return hooks[idx], true
}

// List returns a snapshot copy of the registered hooks.
func (m *Manager) List() []Hook {
	hooks := *m.hooksPtr.Load()
	result := make([]Hook, len(hooks))
	copy(result, hooks)
	return result
}

// Count returns the number of registered hooks.
func (m *Manager) Count() int {
	return len(*m.hooksPtr.Load())
}

// Clear stops and removes every registered hook.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldHooks := *m.hooksPtr.Load()
	for _, h := range oldHooks {
		_ = h.Stop()
	}

	newHooks := make([]Hook, 0)
	m.hooksPtr.Store(&newHooks)
	m.index = make(map[string]int)
}

// OnConnect notifies every hook providing OnConnect of a successful CONNECT.
func (m *Manager) OnConnect(clientID, username string, protocolVersion byte, keepAlive uint16) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(OnConnect) {
			h.OnConnect(clientID, username, protocolVersion, keepAlive)
		}
	}
}

// OnDisconnect notifies every hook providing OnDisconnect when a client's
// session ends, whether by DISCONNECT, network error, or eviction.
func (m *Manager) OnDisconnect(clientID, reason string) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(OnDisconnect) {
			h.OnDisconnect(clientID, reason)
		}
	}
}

// OnSubscribe notifies every hook providing OnSubscribe after a filter is
// registered.
func (m *Manager) OnSubscribe(clientID, filter string) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(OnSubscribe) {
			h.OnSubscribe(clientID, filter)
		}
	}
}

// OnUnsubscribe notifies every hook providing OnUnsubscribe after a filter
// is removed.
func (m *Manager) OnUnsubscribe(clientID, filter string) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(OnUnsubscribe) {
			h.OnUnsubscribe(clientID, filter)
		}
	}
}

// OnPublish notifies every hook providing OnPublish after a message is
// accepted and dispatched.
func (m *Manager) OnPublish(clientID, topic string, payload []byte, retain bool) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(OnPublish) {
			h.OnPublish(clientID, topic, payload, retain)
		}
	}
}

// OnACLCheck notifies every hook providing OnACLCheck of an access-control
// decision already made by the broker's Authenticator. It observes the
// outcome; it cannot override it.
func (m *Manager) OnACLCheck(clientID, topic string, write, allowed bool) {
	for _, h := range *m.hooksPtr.Load() {
		if h.Provides(OnACLCheck) {
			h.OnACLCheck(clientID, topic, write, allowed)
		}
	}
}
