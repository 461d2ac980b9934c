package session

import (
	"encoding/json"
	"log"
	"time"

	"tether/model"
)

// heartbeat tracks liveness of the active connection. It only runs
// while the manager is Connected; every timer it arms carries the epoch
// of the connection it was armed for, so a timer surviving a reconnect
// fires into a no-op.
type heartbeat struct {
	interval time.Duration
	timeout  time.Duration

	outstanding        bool
	lastPingSentAt     time.Time
	lastPongReceivedAt time.Time

	intervalTimer *time.Timer
	timeoutTimer  *time.Timer
}

func (m *Manager) startHeartbeatLocked(epoch uint64) {
	hb := &m.hb
	hb.outstanding = false
	hb.intervalTimer = time.AfterFunc(hb.interval, func() { m.heartbeatTick(epoch) })
}

func (m *Manager) stopHeartbeatLocked() {
	hb := &m.hb
	if hb.intervalTimer != nil {
		hb.intervalTimer.Stop()
		hb.intervalTimer = nil
	}
	if hb.timeoutTimer != nil {
		hb.timeoutTimer.Stop()
		hb.timeoutTimer = nil
	}
	hb.outstanding = false
}

func (m *Manager) heartbeatTick(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.state != StateConnected {
		return
	}

	hb := &m.hb
	if !hb.outstanding {
		now := time.Now()
		ping := model.Ping{Type: model.TypePing, SessionID: m.id, SentAt: now.UnixMilli()}
		data, _ := json.Marshal(ping)
		if err := m.conn.Write(data); err != nil {
			// The read loop will observe the broken connection.
			log.Printf("session: heartbeat write: %v", err)
		} else {
			hb.outstanding = true
			hb.lastPingSentAt = now
			hb.timeoutTimer = time.AfterFunc(hb.timeout, func() { m.heartbeatExpired(epoch) })
		}
	}
	hb.intervalTimer = time.AfterFunc(hb.interval, func() { m.heartbeatTick(epoch) })
}

func (m *Manager) heartbeatExpired(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateConnected || !m.hb.outstanding {
		m.mu.Unlock()
		return
	}
	log.Printf("session: no pong within %v, forcing reconnect", m.hb.timeout)
	emit := m.beginReconnectLocked()
	m.mu.Unlock()
	emit()
}

func (m *Manager) pongReceivedLocked() {
	hb := &m.hb
	hb.outstanding = false
	hb.lastPongReceivedAt = time.Now()
	if hb.timeoutTimer != nil {
		hb.timeoutTimer.Stop()
		hb.timeoutTimer = nil
	}
}
