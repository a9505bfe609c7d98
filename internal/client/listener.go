// Package client implements the client-side listener: WebSocket upgrades on
// the session route, the client handshake state machine, and the relay into
// the session store.
package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/tracegate/internal/ratelimit"
	"github.com/rjsadow/tracegate/internal/store"
	"github.com/rjsadow/tracegate/internal/wire"
)

// DefaultRouteFmt is the default URL template for client connections. The
// {uuid} slot becomes the session id.
const DefaultRouteFmt = "/debug/sessions/{uuid}"

const (
	// DefaultAuthTimeout is how long a fresh connection may take to deliver
	// a valid start event.
	DefaultAuthTimeout = 60 * time.Second

	// handshakeWriteTimeout bounds the error/disable writes on a rejected
	// connection.
	handshakeWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The session uuid plus the auth predicate gate access; origin
		// checks belong to a fronting proxy.
		return true
	},
}

// Config holds client listener configuration.
type Config struct {
	Host        string
	Port        int
	Store       *store.Store
	RouteFmt    string
	AuthTimeout time.Duration
	// Limiter, when non-nil, rate limits upgrades per IP.
	Limiter *ratelimit.Limiter
}

// Listener serves WebSocket upgrades for clients and relays their events
// into the session store.
type Listener struct {
	cfg    Config
	prefix string
	suffix string

	mu      sync.Mutex
	ln      net.Listener
	srv     *http.Server
	running bool

	wg sync.WaitGroup
}

// New creates a client listener. The route template must contain a {uuid}
// slot.
func New(cfg Config) (*Listener, error) {
	if cfg.RouteFmt == "" {
		cfg.RouteFmt = DefaultRouteFmt
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	prefix, suffix, ok := strings.Cut(cfg.RouteFmt, "{uuid}")
	if !ok {
		return nil, fmt.Errorf("client route %q has no {uuid} slot", cfg.RouteFmt)
	}
	return &Listener{cfg: cfg, prefix: prefix, suffix: suffix}, nil
}

// Start binds the listening socket and launches the HTTP server. Bind
// failures surface here.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("client listener already running")
	}

	addr := net.JoinHostPort(l.cfg.Host, fmt.Sprintf("%d", l.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("client listener failed to bind %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", l)
	srv := &http.Server{Handler: mux}

	l.ln = ln
	l.srv = srv
	l.running = true

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Client listener serve error: %v", err)
		}
	}()

	log.Printf("Client listener started on %s (route %s)", ln.Addr(), l.cfg.RouteFmt)
	return nil
}

// Stop closes the listening socket and returns once the serve loop has
// observed cancellation. Upgraded connections are hijacked from the HTTP
// server and closed by the store's teardown instead.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	srv := l.srv
	l.srv = nil
	l.ln = nil
	l.mu.Unlock()

	err := srv.Close()
	l.wg.Wait()
	return err
}

// IsRunning reports whether the serve loop is live.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ServeHTTP upgrades a client connection and runs the handshake state
// machine. The path must match the route template with a non-empty uuid.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.cfg.Limiter != nil && !l.cfg.Limiter.AllowRequest(r) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	sessionID, ok := l.parseRoute(r.URL.Path)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Client upgrade failed: %v", err)
		return
	}

	go l.handleConn(sessionID, conn)
}

// parseRoute extracts the uuid capture from the request path.
func (l *Listener) parseRoute(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, l.prefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, l.suffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// handleConn mirrors the tracer handshake with JSON framing: the first text
// frame must be a start event whose payload is the opaque auth token.
func (l *Listener) handleConn(sessionID string, conn *websocket.Conn) {
	tr := &transport{conn: conn}

	conn.SetReadDeadline(time.Now().Add(l.cfg.AuthTimeout))
	ev, err := l.readEvent(conn)
	if err != nil {
		l.rejectOnReadError(tr, err)
		return
	}
	if ev.E != wire.KindStart {
		l.reject(tr, wire.FormatErrorEvent(wire.ErrAuth, "No start event received"))
		return
	}

	if err := l.cfg.Store.AttachClient(sessionID, tokenString(ev.P), ev.P, tr); err != nil {
		var ae *store.AttachError
		if errors.As(err, &ae) {
			l.reject(tr, wire.FormatErrorEvent(ae.Kind, ae.Reason))
		} else {
			l.reject(tr, wire.FormatErrorEvent(wire.ErrClient, "Attach failed"))
		}
		return
	}

	conn.SetReadDeadline(time.Time{})
	l.relay(sessionID, tr, conn)
}

// relay forwards every client event to the tracer half until the stream
// ends. Teardown closes the socket, which unblocks the read.
func (l *Listener) relay(sessionID string, tr *transport, conn *websocket.Conn) {
	for {
		ev, err := l.readEvent(conn)
		if err != nil {
			if !isExpectedClose(err) {
				log.Printf("Session %s: client read ended: %v", sessionID, err)
			}
			l.cfg.Store.DetachClient(sessionID, tr, store.EndReasonClientDisconnect)
			return
		}
		l.cfg.Store.SendToTracer(sessionID, ev)
	}
}

// readEvent reads one text frame and decodes it as an event.
func (l *Listener) readEvent(conn *websocket.Conn) (wire.Event, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Event{}, err
	}
	ev, err := wire.DecodeJSON(data)
	if err != nil {
		return wire.Event{}, &wire.FramingError{Op: "decode json frame", Err: err}
	}
	return ev, nil
}

// rejectOnReadError maps a handshake read failure to the right error event.
func (l *Listener) rejectOnReadError(tr *transport, err error) {
	var fe *wire.FramingError
	switch {
	case errors.As(err, &fe):
		l.reject(tr, wire.FormatErrorEvent(wire.ErrFraming, "Malformed frame"))
	case isTimeout(err):
		l.reject(tr, wire.FormatErrorEvent(wire.ErrAuth, "No start event received"))
	default:
		tr.Close()
	}
}

// reject writes the failure event and a payload-less disable, then closes
// the socket. Failed halves never enter the store.
func (l *Listener) reject(tr *transport, cause wire.Event) {
	tr.SetWriteDeadline(time.Now().Add(handshakeWriteTimeout))
	if err := tr.WriteEvent(cause); err == nil {
		tr.SetWriteDeadline(time.Now().Add(handshakeWriteTimeout))
		tr.WriteEvent(wire.FormatEvent(wire.KindDisable, nil))
	}
	tr.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isExpectedClose(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// tokenString renders a start payload as the auth token. The payload is an
// opaque scalar on the client side; non-string scalars are compared by their
// printed form.
func tokenString(p any) string {
	switch v := p.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// transport adapts a WebSocket connection to the store's Transport with
// JSON text framing.
type transport struct {
	conn *websocket.Conn
}

func (t *transport) WriteEvent(ev wire.Event) error {
	data, err := wire.EncodeJSON(ev)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *transport) SetWriteDeadline(deadline time.Time) error {
	return t.conn.SetWriteDeadline(deadline)
}

func (t *transport) Close() error {
	return t.conn.Close()
}
