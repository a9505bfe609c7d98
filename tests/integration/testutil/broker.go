// Package testutil builds fully wired brokers on ephemeral ports for
// integration tests.
package testutil

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/tracegate/internal/client"
	"github.com/rjsadow/tracegate/internal/server"
	"github.com/rjsadow/tracegate/internal/store"
	"github.com/rjsadow/tracegate/internal/tracer"
	"github.com/rjsadow/tracegate/internal/wire"
)

// Broker wraps a started server with test-specific helpers.
type Broker struct {
	// Server is the underlying broker.
	Server *server.Server
	// Store is the broker's session store.
	Store *store.Store
	// TracerAddr is the tracer TCP address, or "" with a nop tracer listener.
	TracerAddr string
	// ClientURL is the base ws:// URL, or "" with a nop client listener.
	ClientURL string
}

// Option mutates the server options before the broker is built.
type Option func(*server.Options)

// WithNopTracer replaces the tracer listener with a no-op variant.
func WithNopTracer() Option {
	return func(o *server.Options) { o.TracerListener = server.NewNopListener() }
}

// WithNopClient replaces the client listener with a no-op variant.
func WithNopClient() Option {
	return func(o *server.Options) { o.ClientListener = server.NewNopListener() }
}

// NewBroker creates and starts a broker with:
//   - Both listeners on ephemeral 127.0.0.1 ports (unless replaced by nops)
//   - Orphan admission (no attach timeout) unless an option sets one
//   - No authentication unless an option sets predicates
//
// The broker is stopped automatically when the test completes.
func NewBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()

	o := server.Options{
		TracerHost:  "127.0.0.1",
		TracerPort:  0,
		ClientHost:  "127.0.0.1",
		ClientPort:  0,
		AuthTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	srv, err := server.New(o)
	if err != nil {
		t.Fatalf("failed to assemble broker: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start broker: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	b := &Broker{Server: srv, Store: srv.SessionStore()}
	if tl, ok := srv.TracerListener().(*tracer.Listener); ok {
		b.TracerAddr = tl.Addr().String()
	}
	if cl, ok := srv.ClientListener().(*client.Listener); ok {
		b.ClientURL = "ws://" + cl.Addr().String()
	}
	return b
}

// DialTracer opens a raw TCP connection to the tracer listener.
func (b *Broker) DialTracer(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", b.TracerAddr)
	if err != nil {
		t.Fatalf("failed to dial tracer listener: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// DialClient opens a WebSocket connection for the given session uuid.
func (b *Broker) DialClient(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("%s/debug/sessions/%s", b.ClientURL, sessionID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// SendTracerEvent writes one length-prefixed msgpack event on the socket.
func SendTracerEvent(t *testing.T, conn net.Conn, kind string, payload any) {
	t.Helper()
	if err := wire.WriteEvent(conn, wire.MsgpackCodec{}, wire.FormatEvent(kind, payload)); err != nil {
		t.Fatalf("failed to send tracer %s event: %v", kind, err)
	}
}

// StartPayload builds a minimal valid tracer start payload.
func StartPayload(uuid, token string) map[string]any {
	return map[string]any{
		"uuid":  uuid,
		"auth":  token,
		"local": []any{0, 0},
	}
}

// RecvTracerEvent reads one event off the socket within the deadline.
func RecvTracerEvent(t *testing.T, conn net.Conn, deadline time.Duration) wire.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(deadline))
	ev, err := wire.NewFrameReader(conn, wire.MsgpackCodec{}).Next()
	if err != nil {
		t.Fatalf("failed to read tracer event: %v", err)
	}
	return ev
}

// SendClientEvent writes one JSON event on the WebSocket.
func SendClientEvent(t *testing.T, conn *websocket.Conn, kind string, payload any) {
	t.Helper()
	data, err := wire.EncodeJSON(wire.FormatEvent(kind, payload))
	if err != nil {
		t.Fatalf("failed to encode client event: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("failed to send client %s event: %v", kind, err)
	}
}

// RecvClientRaw reads one raw text frame within the deadline.
func RecvClientRaw(t *testing.T, conn *websocket.Conn, deadline time.Duration) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(deadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read client frame: %v", err)
	}
	return string(data)
}

// RecvClientEvent reads one event within the deadline.
func RecvClientEvent(t *testing.T, conn *websocket.Conn, deadline time.Duration) wire.Event {
	t.Helper()
	ev, err := wire.DecodeJSON([]byte(RecvClientRaw(t, conn, deadline)))
	if err != nil {
		t.Fatalf("failed to decode client frame: %v", err)
	}
	return ev
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
