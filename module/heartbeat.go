package module

import "time"

const (
	heartBeatWaitLimit = time.Second
	heartBeatWarn      = 5 * time.Second
)

// HeartBeatNow asks the loop for a heartbeat and returns.
func (m *Module) HeartBeatNow() {
	m.mu.Lock()
	m.requestHeartBeatLocked()
	m.mu.Unlock()
	m.kick()
}

// HeartBeatWait asks for a heartbeat and waits up to one second for the loop
// to answer.
func (m *Module) HeartBeatWait() {
	m.mu.Lock()
	m.requestHeartBeatLocked()
	ch := m.finished
	m.mu.Unlock()
	m.kick()

	select {
	case <-ch:
	case <-time.After(heartBeatWaitLimit):
	}
}

// HeartBeatMissed reports for how long a requested heartbeat has been
// outstanding beyond one scheduling tick. It requests a new heartbeat when
// none is pending and returns zero in that case.
func (m *Module) HeartBeatMissed() time.Duration {
	m.mu.Lock()
	var missed time.Duration
	if !m.hbRequested {
		m.hbRequestTime = m.now().Truncate(time.Second)
	} else {
		nf := m.now().Truncate(time.Second)
		if nf.After(m.hbRequestTime.Add(time.Second)) {
			missed = nf.Sub(m.hbRequestTime) - time.Second
		}
	}
	m.hbRequested = true
	m.mu.Unlock()
	m.kick()

	if missed > heartBeatWarn {
		m.logger.Warn("Heartbeat missed", "missed", missed)
	} else {
		m.logger.Debug("Heartbeat missed", "missed", missed)
	}
	return missed
}

func (m *Module) requestHeartBeatLocked() {
	if !m.hbRequested {
		m.hbRequestTime = m.now().Truncate(time.Second)
	}
	m.hbRequested = true
}
