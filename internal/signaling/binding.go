// Package signaling is the client half of the relay: a persistent,
// reconnecting, addressed publish/subscribe connection bound to one call
// room. One Binding corresponds to one participant session (one browser
// tab's worth of signaling).
package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/sentryline/callmesh/internal/models"
	"github.com/sentryline/callmesh/internal/relay"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	// Reconnection is bounded: a few attempts with fixed backoff, then the
	// binding reports Disconnected and stops. Whether the call survives
	// that is the controller's decision, not ours.
	reconnectAttempts = 4
	reconnectBackoff  = 2 * time.Second
)

// State of the relay connection, surfaced as a flag rather than as errors
// from Send: signaling is fire-and-forget by design.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives one relay envelope. Handlers run serially on the read
// loop, preserving the single-threaded event model of a participant session.
type Handler func(env relay.Envelope)

type Binding struct {
	serverURL string
	callID    int64
	token     string

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	onState   func(State)
	subs      map[relay.MessageType]map[int]Handler
	nextSubID int
	closed    bool

	outgoing chan relay.Envelope
	done     chan struct{}
	stopOnce sync.Once

	log *slog.Logger
}

// Dial connects to the relay for one call. serverURL is the ws endpoint
// ("wss://host/api/ws"); token is a user session token or a guest token.
func Dial(serverURL string, callID int64, token string, log *slog.Logger) (*Binding, error) {
	if log == nil {
		log = slog.Default()
	}

	b := &Binding{
		serverURL: serverURL,
		callID:    callID,
		token:     token,
		state:     StateConnecting,
		subs:      make(map[relay.MessageType]map[int]Handler),
		outgoing:  make(chan relay.Envelope, 64),
		done:      make(chan struct{}),
		log:       log,
	}

	if err := b.connect(); err != nil {
		return nil, err
	}
	b.setState(StateConnected)

	go b.readLoop()
	go b.writeLoop()

	return b, nil
}

func (b *Binding) connect() error {
	u, err := url.Parse(b.serverURL)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("call_id", fmt.Sprintf("%d", b.callID))
	q.Set("token", b.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

// State returns the current connection state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange registers the single state observer (the controller).
func (b *Binding) OnStateChange(fn func(State)) {
	b.mu.Lock()
	b.onState = fn
	b.mu.Unlock()
}

// Subscribe registers a handler for one message type and returns its
// unsubscribe function. Delivery is at-least-once while connected.
func (b *Binding) Subscribe(msgType relay.MessageType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.subs[msgType]
	if !ok {
		handlers = make(map[int]Handler)
		b.subs[msgType] = handlers
	}
	b.nextSubID++
	id := b.nextSubID
	handlers[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[msgType], id)
	}
}

// Send queues an envelope, addressed when target is non-nil, broadcast
// otherwise. Delivery failures are silent: the protocol tolerates lost
// messages through idempotent re-requests.
func (b *Binding) Send(msgType relay.MessageType, data any, target *models.Identity) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.log.Debug("relay send marshal failed", "type", msgType, "error", err)
		return
	}

	env := relay.Envelope{Type: msgType, CallID: b.callID, Data: raw}
	if target != nil {
		env.Target(*target)
	}

	select {
	case b.outgoing <- env:
	default:
		b.log.Debug("relay send queue full, dropping", "type", msgType)
	}
}

// JoinRoom announces membership to the room.
func (b *Binding) JoinRoom() {
	b.Send(relay.TypeJoin, nil, nil)
}

// LeaveRoom announces departure to the room.
func (b *Binding) LeaveRoom() {
	b.Send(relay.TypeLeave, nil, nil)
}

// Flush waits up to timeout for queued envelopes to reach the write loop.
// Used before Close so a final leave broadcast is not lost in the queue.
func (b *Binding) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(b.outgoing) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close tears the connection down. Safe to call multiple times.
func (b *Binding) Close() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		conn := b.conn
		b.mu.Unlock()

		close(b.done)
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
		}
	})
}

func (b *Binding) readLoop() {
	for {
		if b.isClosed() {
			return
		}

		err := b.readUntilError()
		if b.isClosed() {
			return
		}
		b.log.Debug("relay read failed", "call_id", b.callID, "error", err)

		if !b.tryReconnect() {
			b.setState(StateDisconnected)
			return
		}
		b.setState(StateConnected)
	}
}

func (b *Binding) readUntilError() error {
	conn := b.currentConn()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env relay.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			b.log.Debug("relay bad envelope", "error", err)
			continue
		}

		b.dispatch(env)
	}
}

func (b *Binding) dispatch(env relay.Envelope) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[env.Type]))
	for _, h := range b.subs[env.Type] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (b *Binding) tryReconnect() bool {
	b.setState(StateConnecting)

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-b.done:
			return false
		case <-time.After(reconnectBackoff):
		}

		if err := b.connect(); err != nil {
			b.log.Debug("relay reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		b.log.Info("relay reconnected", "call_id", b.callID, "attempt", attempt)
		return true
	}
	return false
}

func (b *Binding) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-b.outgoing:
			conn := b.currentConn()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				b.log.Debug("relay write failed", "type", env.Type, "error", err)
			}
		case <-ticker.C:
			conn := b.currentConn()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		case <-b.done:
			return
		}
	}
}

func (b *Binding) currentConn() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Binding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Binding) setState(state State) {
	b.mu.Lock()
	if b.state == state {
		b.mu.Unlock()
		return
	}
	b.state = state
	observer := b.onState
	b.mu.Unlock()

	if observer != nil {
		observer(state)
	}
}
