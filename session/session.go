// Package session owns the logical connection to the deploy
// orchestrator: the connection state machine, the session identity
// attached to every outbound frame, offline queueing, heartbeats and
// reconnection. Everything else in the client consumes its
// subscriptions and never mutates its state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tether/backoff"
	"tether/model"
	"tether/transport"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Status is the externally visible connection state. Attempt is only
// meaningful while Reconnecting.
type Status struct {
	State     State  `json:"state"`
	Attempt   int    `json:"attempt,omitempty"`
	SessionID string `json:"sessionId"`
	Queued    int    `json:"queued"`
}

// Store persists the session identity across restarts so the backend
// can correlate reconnects to the same logical conversation.
type Store interface {
	LoadSession() (id string, createdAt time.Time, err error)
	SaveSession(id string, createdAt time.Time) error
}

type Config struct {
	URL    string
	Dialer transport.Dialer
	Store  Store // optional; identity is ephemeral without it

	Backoff           backoff.Policy
	QueueCapacity     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
}

const (
	defaultQueueCapacity     = 50
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultDialTimeout       = 15 * time.Second
)

var ErrPayloadNotObject = errors.New("session: outbound payload must be a JSON object")

type messageSub struct {
	id int
	fn func(model.Inbound)
}

type statusSub struct {
	id int
	fn func(Status)
}

type progressSub struct {
	id int
	fn func(model.ProgressEvent)
}

type resetSub struct {
	id int
	fn func()
}

// Manager is the single authoritative owner of the connection. All
// state transitions are serialized under mu; every asynchronous
// callback (dial completion, read loop, timers) carries the epoch it
// was started for and is discarded if the epoch has advanced since.
type Manager struct {
	mu  sync.Mutex
	cfg Config

	id        string
	createdAt time.Time

	state   State
	attempt int
	epoch   uint64
	conn    transport.Conn

	q          *queue
	hb         heartbeat
	retryTimer *time.Timer

	msgSubs    []messageSub
	statusSubs []statusSub
	progSubs   []progressSub
	resetSubs  []resetSub
	nextSubID  int
}

func New(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("session: URL required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewWSDialer()
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	m := &Manager{
		cfg:   cfg,
		state: StateDisconnected,
		q:     newQueue(cfg.QueueCapacity),
		hb:    heartbeat{interval: cfg.HeartbeatInterval, timeout: cfg.HeartbeatTimeout},
	}

	if cfg.Store != nil {
		id, createdAt, err := cfg.Store.LoadSession()
		if err != nil {
			return nil, fmt.Errorf("session: load identity: %w", err)
		}
		m.id, m.createdAt = id, createdAt
	}
	if m.id == "" {
		m.id = uuid.New().String()
		m.createdAt = time.Now()
		if cfg.Store != nil {
			if err := cfg.Store.SaveSession(m.id, m.createdAt); err != nil {
				return nil, fmt.Errorf("session: save identity: %w", err)
			}
		}
	}
	return m, nil
}

func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	attempt := 0
	if m.state == StateReconnecting {
		attempt = m.attempt
	}
	return Status{State: m.state, Attempt: attempt, SessionID: m.id, Queued: m.q.len()}
}

// Connect opens the transport. It is idempotent: a no-op while already
// Connecting or Connected. After a Failed state this is the only way
// retries resume.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.cancelRetryLocked()
	m.attempt = 0
	m.epoch++
	epoch := m.epoch
	emit := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	emit()

	go m.dial(epoch)
}

// Disconnect tears the connection down and stops every pending timer.
// No further transitions happen until the next Connect.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	m.epoch++
	m.cancelRetryLocked()
	m.stopHeartbeatLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.attempt = 0
	emit := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if reason != "" {
		log.Printf("session: disconnected: %s", reason)
	}
	emit()
}

// Send transmits immediately when Connected, otherwise queues the
// payload for the next successful connection. The returned bool is
// true when the message was queued rather than sent. Disconnection is
// a recoverable condition, not an error.
func (m *Manager) Send(payload any) (queued bool, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("session: marshal payload: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return false, ErrPayloadNotObject
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj["session_id"] = m.id
	stamped, err := json.Marshal(obj)
	if err != nil {
		return false, fmt.Errorf("session: marshal envelope: %w", err)
	}

	if m.state == StateConnected && m.conn != nil {
		if err := m.conn.Write(stamped); err != nil {
			// Broken pipe: keep the message and let the read loop
			// drive the reconnect.
			m.q.enqueue(stamped)
			return true, nil
		}
		return false, nil
	}

	m.q.enqueue(stamped)
	log.Printf("session: send while %s, queued (%d waiting)", m.state, m.q.len())
	return true, nil
}

// NewSession discards the current identity and every piece of state
// tied to it: queued messages, pending timers, the live connection.
// The caller decides when to Connect again. Progress/ETA consumers are
// notified through OnReset.
func (m *Manager) NewSession() (string, error) {
	m.mu.Lock()
	m.epoch++
	m.cancelRetryLocked()
	m.stopHeartbeatLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.q.clear()
	m.attempt = 0
	m.id = uuid.New().String()
	m.createdAt = time.Now()
	id := m.id
	createdAt := m.createdAt
	store := m.cfg.Store
	emitStatus := m.setStateLocked(StateDisconnected)
	resets := make([]resetSub, len(m.resetSubs))
	copy(resets, m.resetSubs)
	m.mu.Unlock()

	if store != nil {
		if err := store.SaveSession(id, createdAt); err != nil {
			return id, fmt.Errorf("session: save identity: %w", err)
		}
	}
	for _, s := range resets {
		s.fn()
	}
	emitStatus()
	return id, nil
}

// OnMessage registers a handler for inbound frames. Handlers run in
// registration order; the returned func unsubscribes and is safe to
// call from within any handler.
func (m *Manager) OnMessage(fn func(model.Inbound)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.msgSubs = append(m.msgSubs, messageSub{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.msgSubs {
			if s.id == id {
				m.msgSubs = append(m.msgSubs[:i], m.msgSubs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) OnStatusChange(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.statusSubs = append(m.statusSubs, statusSub{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.statusSubs {
			if s.id == id {
				m.statusSubs = append(m.statusSubs[:i], m.statusSubs[i+1:]...)
				return
			}
		}
	}
}

// OnProgress registers a handler for decoded deploy.progress events.
func (m *Manager) OnProgress(fn func(model.ProgressEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.progSubs = append(m.progSubs, progressSub{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.progSubs {
			if s.id == id {
				m.progSubs = append(m.progSubs[:i], m.progSubs[i+1:]...)
				return
			}
		}
	}
}

// OnReset fires when NewSession replaces the identity, so downstream
// progress/ETA state can be torn down with it.
func (m *Manager) OnReset(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.resetSubs = append(m.resetSubs, resetSub{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.resetSubs {
			if s.id == id {
				m.resetSubs = append(m.resetSubs[:i], m.resetSubs[i+1:]...)
				return
			}
		}
	}
}

// dial runs off the event path; its result is discarded when the epoch
// has moved on (a newer connect, disconnect or session replaced us).
func (m *Manager) dial(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		emit := m.dialFailedLocked(err)
		m.mu.Unlock()
		emit()
		return
	}

	m.conn = conn
	m.attempt = 0
	emit := m.setStateLocked(StateConnected)
	m.flushLocked()
	m.startHeartbeatLocked(epoch)
	m.mu.Unlock()
	emit()

	go m.readLoop(epoch, conn)
}

func (m *Manager) dialFailedLocked(err error) func() {
	if m.attempt >= m.cfg.Backoff.MaxAttempts {
		log.Printf("session: giving up after %d attempts: %v", m.attempt, err)
		return m.setStateLocked(StateFailed)
	}
	m.attempt++
	delay := m.cfg.Backoff.Delay(m.attempt)
	log.Printf("session: connect failed (attempt %d, retry in %v): %v", m.attempt, delay, err)
	emit := m.setStateLocked(StateReconnecting)
	m.scheduleRetryLocked(delay)
	return emit
}

// beginReconnectLocked handles an unrequested loss of a Connected
// transport: heartbeat timeout or read-loop error. Advancing the epoch
// here is what keeps the two from double-firing.
func (m *Manager) beginReconnectLocked() func() {
	m.stopHeartbeatLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.epoch++
	m.attempt = 1
	emit := m.setStateLocked(StateReconnecting)
	m.scheduleRetryLocked(m.cfg.Backoff.Delay(1))
	return emit
}

func (m *Manager) scheduleRetryLocked(delay time.Duration) {
	epoch := m.epoch
	m.cancelRetryLocked()
	m.retryTimer = time.AfterFunc(delay, func() { m.retryFire(epoch) })
}

func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) retryFire(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.dial(epoch)
}

// flushLocked drains the queue in enqueue order. A failed write leaves
// the remaining messages queued for the next connection.
func (m *Manager) flushLocked() {
	n := 0
	for {
		data, ok := m.q.peek()
		if !ok {
			break
		}
		if err := m.conn.Write(data); err != nil {
			log.Printf("session: flush interrupted after %d messages: %v", n, err)
			return
		}
		m.q.pop()
		n++
	}
	if n > 0 {
		log.Printf("session: flushed %d queued messages", n)
	}
}

func (m *Manager) readLoop(epoch uint64, conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if epoch != m.epoch || m.state != StateConnected {
				// A newer connection superseded this one, or the close
				// was requested.
				m.mu.Unlock()
				return
			}
			log.Printf("session: transport closed: %v", err)
			emit := m.beginReconnectLocked()
			m.mu.Unlock()
			emit()
			return
		}
		m.onFrame(epoch, data)
	}
}

func (m *Manager) onFrame(epoch uint64, data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Printf("session: dropping malformed frame: %v", err)
		return
	}

	switch probe.Type {
	case model.TypePong:
		m.mu.Lock()
		if epoch == m.epoch {
			m.pongReceivedLocked()
		}
		m.mu.Unlock()
		return

	case model.TypeProgress:
		var evt model.ProgressEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("session: dropping malformed progress frame: %v", err)
			return
		}
		evt.ReceivedAt = time.Now()
		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		progs := make([]progressSub, len(m.progSubs))
		copy(progs, m.progSubs)
		m.mu.Unlock()
		for _, s := range progs {
			s.fn(evt)
		}
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	subs := make([]messageSub, len(m.msgSubs))
	copy(subs, m.msgSubs)
	m.mu.Unlock()

	in := model.Inbound{Type: probe.Type, Raw: data}
	for _, s := range subs {
		s.fn(in)
	}
}

// setStateLocked records the transition and returns the notification
// to run after the lock is released, so handlers never run under mu.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s && s != StateReconnecting {
		return func() {}
	}
	m.state = s
	st := m.statusLocked()
	subs := make([]statusSub, len(m.statusSubs))
	copy(subs, m.statusSubs)
	return func() {
		for _, sub := range subs {
			sub.fn(st)
		}
	}
}
