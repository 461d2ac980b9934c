package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tether/backoff"
	"tether/model"
	"tether/transport"
)

// fakeConn is an in-memory transport connection. Frames pushed with
// deliver show up in ReadMessage; writes are recorded. Closing from
// either side unblocks the reader with an error, like a real socket.
type fakeConn struct {
	mu        sync.Mutex
	in        chan []byte
	writes    [][]byte
	closed    chan struct{}
	closeOnce sync.Once
	autoPong  bool
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{}), autoPong: autoPong}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Write(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()

	if c.autoPong {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.Type == model.TypePing {
			select {
			case c.in <- []byte(`{"type":"pong"}`):
			default:
			}
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(frame string) {
	c.in <- []byte(frame)
}

func (c *fakeConn) sent() [][]byte {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeDialer fails the first failures dials (or all of them when
// failures is -1), then hands out fresh fakeConns.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	autoPong bool
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures == -1 || d.dials <= d.failures {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn(d.autoPong)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < len(d.conns) {
		return d.conns[i]
	}
	return nil
}

func newTestManager(t *testing.T, d *fakeDialer) *Manager {
	t.Helper()
	m, err := New(Config{
		URL:    "ws://test",
		Dialer: d,
		Backoff: backoff.Policy{
			Initial:     5 * time.Millisecond,
			Multiplier:  1.5,
			Max:         20 * time.Millisecond,
			MaxAttempts: 3,
		},
		HeartbeatInterval: time.Hour, // heartbeat off unless a test dials it down
		HeartbeatTimeout:  time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Disconnect("") })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)

	m.Connect()
	m.Connect()
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })
	m.Connect()

	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestSendWhileDisconnectedQueues(t *testing.T) {
	m := newTestManager(t, &fakeDialer{})

	queued, err := m.Send(map[string]any{"type": "chat", "text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !queued {
		t.Error("expected message to be queued")
	}
	if got := m.Status().Queued; got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}

func TestSendAttachesSessionID(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	m.Connect()
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	queued, err := m.Send(map[string]any{"type": "chat", "text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if queued {
		t.Error("expected immediate send while connected")
	}

	sent := d.conn(0).sent()
	if len(sent) != 1 {
		t.Fatalf("writes = %d, want 1", len(sent))
	}
	var frame map[string]any
	if err := json.Unmarshal(sent[0], &frame); err != nil {
		t.Fatal(err)
	}
	if frame["session_id"] != m.ID() {
		t.Errorf("session_id = %v, want %s", frame["session_id"], m.ID())
	}
}

func TestSendRejectsNonObject(t *testing.T) {
	m := newTestManager(t, &fakeDialer{})
	if _, err := m.Send("just a string"); !errors.Is(err, ErrPayloadNotObject) {
		t.Errorf("err = %v, want ErrPayloadNotObject", err)
	}
}

func TestQueueFlushedInOrderAfterConnect(t *testing.T) {
	d := &fakeDialer{failures: 2}
	m := newTestManager(t, d)

	for i := 0; i < 5; i++ {
		m.Send(map[string]any{"type": "chat", "seq": i})
	}
	m.Connect()
	waitFor(t, "connected after retries", func() bool { return m.Status().State == StateConnected })
	waitFor(t, "flush", func() bool { return len(d.conn(0).sent()) == 5 })

	for i, data := range d.conn(0).sent() {
		var frame struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatal(err)
		}
		if frame.Seq != i {
			t.Errorf("flush position %d carried seq %d", i, frame.Seq)
		}
	}
	if got := m.Status().Queued; got != 0 {
		t.Errorf("queued after flush = %d, want 0", got)
	}
}

func TestQueueEvictsOldest(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d) // default capacity 50

	for i := 0; i < 60; i++ {
		m.Send(map[string]any{"type": "chat", "seq": i})
	}
	if got := m.Status().Queued; got != 50 {
		t.Fatalf("queued = %d, want 50", got)
	}

	m.Connect()
	waitFor(t, "flush", func() bool { return len(d.conn(0).sent()) == 50 })

	for i, data := range d.conn(0).sent() {
		var frame struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatal(err)
		}
		if want := i + 10; frame.Seq != want {
			t.Errorf("flush position %d carried seq %d, want %d", i, frame.Seq, want)
		}
	}
}

func TestTransportDropTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)

	var mu sync.Mutex
	var states []Status
	m.OnStatusChange(func(st Status) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	d.conn(0).Close() // server-side drop
	waitFor(t, "reconnected", func() bool { return d.dialCount() == 2 && m.Status().State == StateConnected })

	mu.Lock()
	defer mu.Unlock()
	sawReconnecting := false
	for _, st := range states {
		if st.State == StateReconnecting && st.Attempt == 1 {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Error("never observed Reconnecting(1)")
	}
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{failures: -1}
	m := newTestManager(t, d)

	m.Connect()
	waitFor(t, "failed state", func() bool { return m.Status().State == StateFailed })

	dials := d.dialCount()
	time.Sleep(100 * time.Millisecond)
	if got := d.dialCount(); got != dials {
		t.Errorf("dials continued after Failed: %d -> %d", dials, got)
	}

	// Only an explicit Connect resumes, and success resets the counter.
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
	m.Connect()
	waitFor(t, "recovered", func() bool { return m.Status().State == StateConnected })
	if got := m.Status().Attempt; got != 0 {
		t.Errorf("attempt after recovery = %d, want 0", got)
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{failures: -1}
	m := newTestManager(t, d)

	m.Connect()
	waitFor(t, "reconnecting", func() bool { return m.Status().State == StateReconnecting })

	m.Disconnect("test")
	if got := m.Status().State; got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	dials := d.dialCount()
	time.Sleep(100 * time.Millisecond)
	if got := d.dialCount(); got != dials {
		t.Errorf("retry fired after Disconnect: %d -> %d", dials, got)
	}
	if got := m.Status().Attempt; got != 0 {
		t.Errorf("attempt = %d, want 0 after manual disconnect", got)
	}
}

func TestHeartbeatTimeoutForcesReconnectOnce(t *testing.T) {
	d := &fakeDialer{} // never answers pings
	m, err := New(Config{
		URL:    "ws://test",
		Dialer: d,
		Backoff: backoff.Policy{
			Initial:     5 * time.Millisecond,
			Multiplier:  1.5,
			Max:         20 * time.Millisecond,
			MaxAttempts: 3,
		},
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect("")

	var mu sync.Mutex
	reconnects := 0
	m.OnStatusChange(func(st Status) {
		if st.State == StateReconnecting {
			mu.Lock()
			reconnects++
			mu.Unlock()
		}
	})

	m.Connect()
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })
	waitFor(t, "reconnect after missed pong", func() bool { return d.dialCount() >= 2 })

	var sawPing bool
	for _, data := range d.conn(0).sent() {
		var probe struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.Type == model.TypePing {
			sawPing = true
			if probe.SessionID != m.ID() {
				t.Errorf("ping session_id = %q, want %q", probe.SessionID, m.ID())
			}
		}
	}
	if !sawPing {
		t.Error("no ping frame written before timeout")
	}

	mu.Lock()
	got := reconnects
	mu.Unlock()
	if got != 1 {
		t.Errorf("reconnect transitions = %d, want exactly 1", got)
	}
}

func TestHeartbeatPongKeepsConnectionAlive(t *testing.T) {
	d := &fakeDialer{autoPong: true}
	m, err := New(Config{
		URL:               "ws://test",
		Dialer:            d,
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect("")

	m.Connect()
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	time.Sleep(150 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1 (pongs should keep the connection up)", got)
	}
	if got := m.Status().State; got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestMalformedInboundDropped(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)

	var mu sync.Mutex
	var received []string
	m.OnMessage(func(in model.Inbound) {
		mu.Lock()
		received = append(received, in.Type)
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	c := d.conn(0)
	c.deliver(`this is not json`)
	c.deliver(`{"type":`)
	c.deliver(`{"type":"deploy.logs","lines":["ok"]}`)

	waitFor(t, "valid frame delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "deploy.logs"
	})
	if got := m.Status().State; got != StateConnected {
		t.Errorf("state = %s after malformed frames, want connected", got)
	}
}

func TestSubscribersRunInOrderAndUnsubscribeIsSafe(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)

	var mu sync.Mutex
	var calls []string
	var cancelFirst func()
	cancelFirst = m.OnMessage(func(in model.Inbound) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
		cancelFirst() // unsubscribing from inside a handler
	})
	m.OnMessage(func(in model.Inbound) {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	c := d.conn(0)
	c.deliver(`{"type":"a"}`)
	waitFor(t, "first frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	})
	c.deliver(`{"type":"b"}`)
	waitFor(t, "second frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "second"}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call %d = %s, want %s", i, calls[i], w)
		}
	}
}

func TestProgressEventsDecoded(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)

	got := make(chan model.ProgressEvent, 1)
	m.OnProgress(func(evt model.ProgressEvent) { got <- evt })

	m.Connect()
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	d.conn(0).deliver(`{"type":"deploy.progress","stage":"build","overallProgress":42.5,"stages":[{"stage":"clone","status":"success"}]}`)

	select {
	case evt := <-got:
		if evt.Stage != model.StageBuild {
			t.Errorf("stage = %q", evt.Stage)
		}
		if p, ok := evt.Percent(); !ok || p != 42.5 {
			t.Errorf("percent = %v, %v", p, ok)
		}
		if len(evt.Stages) != 1 || evt.Stages[0].Status != model.StageSuccess {
			t.Errorf("stages = %+v", evt.Stages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("progress event never delivered")
	}
}

func TestNewSessionDiscardsEverything(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)

	m.Send(map[string]any{"type": "chat", "text": "stale"})
	oldID := m.ID()

	resetFired := false
	m.OnReset(func() { resetFired = true })

	newID, err := m.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	if newID == oldID {
		t.Error("session id unchanged")
	}
	if got := m.Status(); got.Queued != 0 || got.State != StateDisconnected {
		t.Errorf("status after new session = %+v", got)
	}
	if !resetFired {
		t.Error("reset subscribers not notified")
	}

	// Nothing from the old session may flush on the next connect.
	m.Connect()
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })
	time.Sleep(20 * time.Millisecond)
	if sent := d.conn(0).sent(); len(sent) != 0 {
		t.Errorf("old queued messages leaked: %d frames", len(sent))
	}
}

func TestStaleDialDiscarded(t *testing.T) {
	// A dial that completes after Disconnect must not resurrect the
	// connection.
	block := make(chan struct{})
	d := &blockingDialer{release: block}
	m, err := New(Config{URL: "ws://test", Dialer: d})
	if err != nil {
		t.Fatal(err)
	}

	m.Connect()
	waitFor(t, "dial in flight", func() bool { return d.started.Load() })
	m.Disconnect("superseded")
	close(block)

	time.Sleep(20 * time.Millisecond)
	if got := m.Status().State; got != StateDisconnected {
		t.Errorf("state = %s, want disconnected (stale dial applied)", got)
	}
}

type blockingDialer struct {
	release chan struct{}
	started atomic.Bool
}

func (d *blockingDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.started.Store(true)
	<-d.release
	return newFakeConn(false), nil
}
