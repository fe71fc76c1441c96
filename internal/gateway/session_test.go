package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"parley/internal/models"
)

type fakeConn struct {
	reads chan []byte

	mu       sync.Mutex
	writes   []frame
	writeErr error
	closed   bool
}

func newFakeConn() *fakeConn {
	c := &fakeConn{reads: make(chan []byte, 8)}
	c.reads <- marshalFrame(frame{command: cmdConnected, headers: map[string]string{"version": "1.2"}})
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.reads
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil // pings are not frames
	}
	c.mu.Lock()
	werr := c.writeErr
	c.mu.Unlock()
	if werr != nil {
		return werr
	}
	f, err := parseFrame(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.reads)
	}
	return nil
}

func (c *fakeConn) sent(command string) []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frame
	for _, f := range c.writes {
		if f.command == command {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) deliver(ev models.PushEvent, headers map[string]string) {
	body, _ := json.Marshal(ev)
	c.reads <- marshalFrame(frame{command: cmdMessage, headers: headers, body: body})
}

func newTestSession(t *testing.T, conns ...*fakeConn) (*Session, context.CancelFunc, chan error) {
	t.Helper()
	dials := 0
	s := NewSession(SessionOptions{
		Dial: func(ctx context.Context) (wsConn, error) {
			if dials >= len(conns) {
				return nil, fmt.Errorf("no more connections scripted")
			}
			conn := conns[dials]
			dials++
			return conn, nil
		},
		Token:      "tok",
		BackoffMin: time.Millisecond,
		BackoffMax: 2 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return s, cancel, done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestSessionHandshakeAndDispatch(t *testing.T) {
	conn := newFakeConn()
	s, cancel, done := newTestSession(t, conn)
	defer cancel()

	got := make(chan models.PushEvent, 1)
	sub, err := s.Subscribe("/topic/conversations/c1", func(ev models.PushEvent) { got <- ev })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	waitFor(t, s.Connected)

	if frames := conn.sent(cmdConnect); len(frames) != 1 {
		t.Fatalf("expected one CONNECT, got %d", len(frames))
	} else if v := frames[0].header("accept-version"); v != "1.2" {
		t.Errorf("expected accept-version 1.2, got %q", v)
	}
	waitFor(t, func() bool { return len(conn.sent(cmdSubscribe)) == 1 })

	conn.deliver(
		models.PushEvent{Type: models.PushNewMessage, ConversationID: "c1"},
		map[string]string{"subscription": sub.id, "destination": sub.topic},
	)
	select {
	case ev := <-got:
		if ev.ConversationID != "c1" {
			t.Errorf("wrong event dispatched: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}

	cancel()
	conn.Close()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSessionDispatchByDestinationFallback(t *testing.T) {
	conn := newFakeConn()
	s, cancel, done := newTestSession(t, conn)
	defer cancel()

	got := make(chan models.PushEvent, 1)
	sub, err := s.Subscribe("/topic/conversations/c1", func(ev models.PushEvent) { got <- ev })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_ = sub
	waitFor(t, s.Connected)

	// No subscription header; only the destination identifies the topic.
	conn.deliver(
		models.PushEvent{Type: models.PushTyping, ConversationID: "c1", UserID: "u2"},
		map[string]string{"destination": "/topic/conversations/c1"},
	)
	select {
	case ev := <-got:
		if ev.Type != models.PushTyping {
			t.Errorf("wrong event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}

	cancel()
	conn.Close()
	<-done
}

func TestSessionResubscribesAfterReconnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()

	var reconnects atomic.Int32
	dials := 0
	conns := []*fakeConn{conn1, conn2}
	s := NewSession(SessionOptions{
		Dial: func(ctx context.Context) (wsConn, error) {
			if dials >= len(conns) {
				return nil, fmt.Errorf("no more connections scripted")
			}
			conn := conns[dials]
			dials++
			return conn, nil
		},
		Token:       "tok",
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		OnReconnect: func() { reconnects.Add(1) },
	})

	if _, err := s.Subscribe("/topic/conversations/c1", func(models.PushEvent) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return len(conn1.sent(cmdSubscribe)) == 1 })

	// Drop the first connection; the session must dial again and replay the
	// subscription without being asked.
	conn1.Close()
	waitFor(t, func() bool { return len(conn2.sent(cmdSubscribe)) == 1 })
	waitFor(t, func() bool { return reconnects.Load() == 1 })

	cancel()
	conn2.Close()
	<-done
}

func TestPublishRequiresConnection(t *testing.T) {
	s := NewSession(SessionOptions{
		Dial:  func(ctx context.Context) (wsConn, error) { return nil, errors.New("unused") },
		Token: "tok",
	})
	if err := s.Publish("/app/conversations/c1/send", map[string]string{"content": "hi"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSubscribeWriteFailureUnregisters(t *testing.T) {
	conn := newFakeConn()
	s, cancel, done := newTestSession(t, conn)
	defer cancel()

	waitFor(t, s.Connected)

	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	sub, err := s.Subscribe("/topic/conversations/c9", func(models.PushEvent) {})
	if err == nil || sub != nil {
		t.Fatalf("expected a failed subscribe without a handle, got sub=%v err=%v", sub, err)
	}

	// The failed subscription must not linger in the registry where
	// resubscribe would replay it on every reconnect.
	s.mu.Lock()
	n := len(s.subs)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("failed subscription left registered: %d subs", n)
	}

	cancel()
	conn.Close()
	<-done
}

func TestConnectedRequiresRecentTraffic(t *testing.T) {
	conn := newFakeConn()
	s, cancel, done := newTestSession(t, conn)
	defer cancel()

	waitFor(t, s.Connected)

	// A socket that has gone silent is reported down even while the read
	// loop is still blocked on it.
	s.mu.Lock()
	s.lastSeen = time.Now().Add(-3 * pingPeriod)
	s.mu.Unlock()
	if s.Connected() {
		t.Error("silent connection still reported as connected")
	}

	cancel()
	conn.Close()
	<-done
}

func TestCleanEventGateRejects(t *testing.T) {
	conn := newFakeConn()
	dials := 0
	s := NewSession(SessionOptions{
		Dial: func(ctx context.Context) (wsConn, error) {
			if dials > 0 {
				return nil, errors.New("done")
			}
			dials++
			return conn, nil
		},
		Token:      "tok",
		BackoffMin: time.Millisecond,
		CleanEvent: func(ev *models.PushEvent) bool { return ev.Type != models.PushNewMessage },
	})

	got := make(chan models.PushEvent, 2)
	sub, err := s.Subscribe("/topic/conversations/c1", func(ev models.PushEvent) { got <- ev })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, s.Connected)

	conn.deliver(models.PushEvent{Type: models.PushNewMessage, ConversationID: "c1"}, map[string]string{"subscription": sub.id})
	conn.deliver(models.PushEvent{Type: models.PushTyping, ConversationID: "c1", UserID: "u2"}, map[string]string{"subscription": sub.id})

	select {
	case ev := <-got:
		if ev.Type != models.PushTyping {
			t.Fatalf("rejected event leaked through: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}

	cancel()
	conn.Close()
	<-done
}
