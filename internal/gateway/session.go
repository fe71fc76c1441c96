package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var ErrNotConnected = errors.New("websocket not connected")

// Handler receives push events for one subscribed topic.
type Handler func(models.PushEvent)

type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer opens one WebSocket connection to the gateway.
type Dialer func(ctx context.Context) (wsConn, error)

// NewDialer returns a Dialer for the gateway WS endpoint, attaching the
// access token as a header.
func NewDialer(wsURL, token string) Dialer {
	return func(ctx context.Context) (wsConn, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Session is the process-wide WebSocket connection: one socket shared by all
// conversation views. It speaks STOMP frames, reconnects with backoff on
// drop, and replays all active subscriptions on every new connection.
// Subscribers are never told about the gap; OnReconnect lets the orchestrator
// re-sync state instead.
type Session struct {
	dial        Dialer
	token       string
	log         *slog.Logger
	clean       func(*models.PushEvent) bool
	onReconnect func()

	backoffMin time.Duration
	backoffMax time.Duration

	mu        sync.Mutex
	conn      wsConn
	connected bool
	lastSeen  time.Time                // last pong or inbound frame
	subs      map[string]*Subscription // by subscription id
	nextSubID int
}

type SessionOptions struct {
	Dial        Dialer
	Token       string
	Logger      *slog.Logger
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	CleanEvent  func(*models.PushEvent) bool
	OnReconnect func()
}

func NewSession(opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = 30 * time.Second
	}
	clean := opts.CleanEvent
	if clean == nil {
		clean = func(*models.PushEvent) bool { return true }
	}
	return &Session{
		dial:        opts.Dial,
		token:       opts.Token,
		log:         logger,
		clean:       clean,
		onReconnect: opts.OnReconnect,
		backoffMin:  opts.BackoffMin,
		backoffMax:  opts.BackoffMax,
		subs:        make(map[string]*Subscription),
	}
}

type Subscription struct {
	id      string
	topic   string
	handler Handler
	s       *Session
}

func (sub *Subscription) Topic() string { return sub.topic }

// Unsubscribe removes the subscription and tells the gateway when the socket
// is up. The socket itself stays open for the session lifetime.
func (sub *Subscription) Unsubscribe() {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()

	delete(sub.s.subs, sub.id)
	if sub.s.connected {
		_ = sub.s.writeFrame(frame{
			command: cmdUnsubscribe,
			headers: map[string]string{"id": sub.id},
		})
	}
}

// Subscribe registers a handler for a topic. Without an access token the
// gateway refuses subscriptions, so this fails fast. The subscription is
// replayed automatically after every reconnect.
func (s *Session) Subscribe(topic string, h Handler) (*Subscription, error) {
	if s.token == "" {
		return nil, &Error{Kind: KindAuth, Op: "ws.subscribe", Err: fmt.Errorf("no access token")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	sub := &Subscription{
		id:      "sub-" + strconv.Itoa(s.nextSubID),
		topic:   topic,
		handler: h,
		s:       s,
	}
	s.subs[sub.id] = sub

	if s.connected {
		if err := s.writeFrame(frame{
			command: cmdSubscribe,
			headers: map[string]string{"id": sub.id, "destination": topic},
		}); err != nil {
			// An orphaned registration would be resubscribed on every
			// reconnect with no handle left to unsubscribe it.
			delete(s.subs, sub.id)
			return nil, netError("ws.subscribe", err)
		}
	}
	return sub, nil
}

// Publish sends a JSON payload to an application destination. It is
// best-effort from the caller's point of view: an error means the caller
// should fall back to REST, not retry the socket.
func (s *Session) Publish(destination string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return &Error{Kind: KindValidation, Op: "ws.publish", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	if err := s.writeFrame(frame{
		command: cmdSend,
		headers: map[string]string{"destination": destination, "content-type": "application/json"},
		body:    payload,
	}); err != nil {
		return netError("ws.publish", err)
	}
	return nil
}

// Connected reports whether the STOMP session is established and recently
// alive. A socket that has gone quiet past two ping intervals is treated as
// down even before the read deadline tears it up, so senders fall back to
// REST instead of writing into a dead pipe.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && time.Since(s.lastSeen) < 2*pingPeriod
}

func (s *Session) markSeen() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Run drives the connection until ctx is done: dial, STOMP handshake,
// resubscribe, pump frames, and on any failure back off and start over.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.backoffMin
	attempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.runOnce(ctx, attempt > 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		s.log.Warn("websocket session ended, reconnecting", "error", err, "backoff", backoff.String())

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, s.backoffMax)
	}
}

func (s *Session) runOnce(ctx context.Context, isReconnect bool) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		s.teardown(conn)
	}()

	if err := s.handshake(conn); err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.lastSeen = time.Now()
	resubErr := s.resubscribeLocked()
	s.mu.Unlock()
	if resubErr != nil {
		return resubErr
	}

	if isReconnect && s.onReconnect != nil {
		s.onReconnect()
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pumpCtx, conn)

	return s.readLoop(conn)
}

func (s *Session) handshake(conn wsConn) error {
	connect := frame{
		command: cmdConnect,
		headers: map[string]string{
			"accept-version": "1.2",
			"heart-beat":     "0,0",
		},
	}
	if s.token != "" {
		connect.headers["Authorization"] = "Bearer " + s.token
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, marshalFrame(connect)); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	f, err := parseFrame(data)
	if err != nil {
		return err
	}
	if f.command != cmdConnected {
		return fmt.Errorf("stomp: handshake got %s", f.command)
	}
	return nil
}

func (s *Session) resubscribeLocked() error {
	for id, sub := range s.subs {
		err := s.writeFrame(frame{
			command: cmdSubscribe,
			headers: map[string]string{"id": id, "destination": sub.topic},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) readLoop(conn wsConn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		s.markSeen()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.markSeen()
		// Heart-beat newlines from the server.
		if len(data) == 0 || (len(data) == 1 && data[0] == '\n') {
			continue
		}

		f, err := parseFrame(data)
		if err != nil {
			s.log.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f.command {
		case cmdMessage:
			s.dispatch(f)
		case cmdError:
			s.log.Error("stomp error frame", "message", f.header("message"))
		}
	}
}

func (s *Session) dispatch(f frame) {
	var ev models.PushEvent
	if err := json.Unmarshal(f.body, &ev); err != nil {
		s.log.Warn("dropping undecodable push event", "error", err)
		return
	}
	if !s.clean(&ev) {
		return
	}

	subID := f.header("subscription")

	s.mu.Lock()
	sub, ok := s.subs[subID]
	if !ok {
		// Fall back to destination matching: some gateways echo only it.
		dest := f.header("destination")
		for _, candidate := range s.subs {
			if candidate.topic == dest {
				sub, ok = candidate, true
				break
			}
		}
	}
	s.mu.Unlock()

	if ok {
		sub.handler(ev)
	}
}

func (s *Session) pingLoop(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeFrame requires s.mu held.
func (s *Session) writeFrame(f frame) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, marshalFrame(f))
}

func (s *Session) teardown(conn wsConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.connected = false
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// Topic and destination builders for the chat gateway contract.

func ConversationTopic(convID string) string { return "/topic/conversations/" + convID }
func UserUpdatesTopic(userID string) string  { return "/topic/user-updates/" + userID }

func SendDestination(convID string) string     { return "/app/conversations/" + convID + "/send" }
func ReplyDestination(convID string) string    { return "/app/conversations/" + convID + "/reply" }
func ReactionDestination(convID string) string { return "/app/conversations/" + convID + "/reaction" }
func DeleteDestination(convID string) string   { return "/app/conversations/" + convID + "/delete" }
func PinDestination(convID string) string      { return "/app/conversations/" + convID + "/pin" }
func ReadDestination(convID string) string     { return "/app/conversations/" + convID + "/read" }
func MarkReadDestination(convID string) string { return "/app/conversations/" + convID + "/mark-read" }
func TypingDestination(convID string) string   { return "/app/conversations/" + convID + "/typing" }

// DirectSendDestination is the cross-conversation fallback destination.
const DirectSendDestination = "/app/messages/send"
