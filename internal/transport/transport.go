// Package transport wraps a websocket connection behind a small interface so
// the registry and relay packages never import gorilla/websocket directly.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Transport.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// ErrClosed is returned by Send when the transport has already closed.
var ErrClosed = errors.New("transport: closed")

// Transport is a bidirectional JSON message channel to a single peer.
// Registry and relay code depend only on this interface (Design notes:
// "duck-typed WebSocket wrapper" -> explicit interface abstraction).
type Transport interface {
	// Send writes one JSON frame. Safe for concurrent use.
	Send(v any) error
	// Close closes the underlying connection with a CDP-style close reason.
	// Idempotent.
	Close(code int, reason string) error
	// OnMessage registers the handler invoked for every inbound frame, as
	// raw bytes; the caller decodes. Must be set before Run.
	OnMessage(func([]byte))
	// OnClose registers the handler invoked exactly once when the
	// transport transitions to StateClosed, for any reason.
	OnClose(func())
	// State reports the current lifecycle state.
	State() State
	// Run blocks reading frames until the connection closes or ctx-like
	// cancellation happens via Close. Callers should run it in its own
	// goroutine.
	Run()
}

// WSTransport is a Transport backed by a gorilla/websocket.Conn.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	onMessage func([]byte)
	onClose   func()
	closeOnce sync.Once
}

// NewWSTransport wraps an already-upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn, state: StateOpen}
}

func (t *WSTransport) Send(v any) error {
	t.mu.Lock()
	closed := t.state == StateClosed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *WSTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		deadline := time.Now().Add(2 * time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		t.writeMu.Unlock()

		err = t.conn.Close()

		t.mu.Lock()
		t.state = StateClosed
		onClose := t.onClose
		t.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
	return err
}

func (t *WSTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *WSTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *WSTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *WSTransport) Run() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.Close(websocket.CloseAbnormalClosure, "read error")
			return
		}

		t.mu.Lock()
		handler := t.onMessage
		t.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}
