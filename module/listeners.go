package module

import "weak"

// Listen registers l to be woken with SyncNow whenever this module reports a
// state change. The registration does not keep l alive.
func (m *Module) Listen(l *Module) {
	if l == nil {
		return
	}
	key := weak.Make(l)

	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	if _, ok := m.listeners[key]; ok {
		m.logger.Error("Listener already registered", "listener", l.Name())
		return
	}
	m.listeners[key] = struct{}{}
}

// Unlisten removes l. Removing an unknown listener is a no-op.
func (m *Module) Unlisten(l *Module) {
	if l == nil {
		return
	}
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.listeners, weak.Make(l))
}

// ListenerCount returns the number of live listeners.
func (m *Module) ListenerCount() int {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	n := 0
	for key := range m.listeners {
		if key.Value() != nil {
			n++
		}
	}
	return n
}

// NotifyListeners schedules a cycle on every live listener. Listeners that
// have been collected are dropped.
func (m *Module) NotifyListeners() {
	m.listenersMu.Lock()
	live := make([]*Module, 0, len(m.listeners))
	for key := range m.listeners {
		l := key.Value()
		if l == nil {
			delete(m.listeners, key)
			continue
		}
		live = append(live, l)
	}
	m.listenersMu.Unlock()

	for _, l := range live {
		l.SyncNow()
	}
}
