// Package tracer implements the tracer-side listener: a TCP accept loop and
// the per-connection handshake that admits debugged programs into the
// session store.
package tracer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rjsadow/tracegate/internal/ratelimit"
	"github.com/rjsadow/tracegate/internal/store"
	"github.com/rjsadow/tracegate/internal/wire"
)

const (
	// DefaultAuthTimeout is how long a fresh connection may take to deliver
	// a valid start event.
	DefaultAuthTimeout = 60 * time.Second

	// handshakeWriteTimeout bounds the error/disable writes on a rejected
	// connection.
	handshakeWriteTimeout = 5 * time.Second

	// maxAcceptBackoff caps the retry delay after transient accept failures.
	maxAcceptBackoff = 1 * time.Second
)

// Config holds tracer listener configuration.
type Config struct {
	Host        string
	Port        int
	Store       *store.Store
	Codec       wire.Codec
	AuthTimeout time.Duration
	// DisableMode is the disable payload written on handshake failures and
	// timeouts, before the store is involved.
	DisableMode string
	// Limiter, when non-nil, rate limits accepted connections per IP.
	Limiter *ratelimit.Limiter
}

// Listener accepts tracer TCP connections, runs the handshake state machine,
// and relays events between the socket and the session store.
type Listener struct {
	cfg Config

	mu      sync.Mutex
	ln      net.Listener
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a tracer listener. Call Start to bind and begin accepting.
func New(cfg Config) *Listener {
	if cfg.Codec == nil {
		cfg.Codec = wire.MsgpackCodec{}
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.DisableMode == "" {
		cfg.DisableMode = store.DisableHard
	}
	return &Listener{cfg: cfg}
}

// Start binds the listening socket and launches the accept loop. Bind
// failures surface here; transient accept failures are retried with backoff.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("tracer listener already running")
	}

	addr := net.JoinHostPort(l.cfg.Host, fmt.Sprintf("%d", l.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tracer listener failed to bind %s: %w", addr, err)
	}
	l.ln = ln
	l.running = true
	l.stopCh = make(chan struct{})

	l.wg.Add(1)
	go l.acceptLoop(ln)

	log.Printf("Tracer listener started on %s", ln.Addr())
	return nil
}

// Stop closes the listening socket and returns once the accept loop has
// observed cancellation. Connections already attached to sessions are closed
// by the store's teardown, not here.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stopCh)
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()

	err := ln.Close()
	l.wg.Wait()
	return err
}

// IsRunning reports whether the accept loop is live.
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

// acceptLoop accepts connections until the listener is stopped.
func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	backoff := 10 * time.Millisecond
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// EMFILE, ECONNRESET and friends: retry with backoff.
			log.Printf("Tracer accept error (retrying in %v): %v", backoff, err)
			time.Sleep(backoff)
			if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			continue
		}
		backoff = 10 * time.Millisecond

		if l.cfg.Limiter != nil && !l.cfg.Limiter.AllowAddr(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		go l.handleConn(conn)
	}
}

// handleConn runs the handshake state machine for one connection:
//
//	connected --(start within auth timeout, auth ok)--> attached
//	connected --(no start within auth timeout)--> disabled[auth]
//	connected --(start but auth rejected)--> disabled[auth]
//	attached  --(socket event)--> forwarded to client
//	attached  --(teardown)--> disabled
func (l *Listener) handleConn(conn net.Conn) {
	tr := &transport{conn: conn, codec: l.cfg.Codec}
	fr := wire.NewFrameReader(conn, l.cfg.Codec)

	conn.SetReadDeadline(time.Now().Add(l.cfg.AuthTimeout))
	ev, err := fr.Next()
	if err != nil {
		l.rejectOnReadError(tr, err)
		return
	}
	if ev.E != wire.KindStart {
		l.reject(tr, wire.FormatErrorEvent(wire.ErrAuth, "No start event received"))
		return
	}

	start, err := parseStart(ev)
	if err != nil {
		l.reject(tr, wire.FormatErrorEvent(wire.ErrAuth, err.Error()))
		return
	}

	if err := l.cfg.Store.AttachTracer(start.uuid, start.auth, tr); err != nil {
		var ae *store.AttachError
		if errors.As(err, &ae) {
			l.reject(tr, wire.FormatErrorEvent(ae.Kind, ae.Reason))
		} else {
			l.reject(tr, wire.FormatErrorEvent(wire.ErrTracer, "Attach failed"))
		}
		return
	}

	// Attached: reads are unbounded from here, writes belong to the store's
	// writer goroutine.
	conn.SetReadDeadline(time.Time{})
	l.relay(start.uuid, tr, fr)
}

// relay forwards every socket event to the client half until the stream
// ends. Teardown closes the socket, which unblocks the read.
func (l *Listener) relay(sessionID string, tr *transport, fr *wire.FrameReader) {
	for {
		ev, err := fr.Next()
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Printf("Session %s: tracer read ended: %v", sessionID, err)
			}
			l.cfg.Store.DetachTracer(sessionID, tr, store.EndReasonTracerDisconnect)
			return
		}
		l.cfg.Store.SendToClient(sessionID, ev)
	}
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
		// Peer hung up before authenticating; nothing to write.
		tr.Close()
	}
}

// reject writes the failure event and a disable, then closes the socket.
// Failed halves never enter the store.
func (l *Listener) reject(tr *transport, cause wire.Event) {
	tr.SetWriteDeadline(time.Now().Add(handshakeWriteTimeout))
	if err := tr.WriteEvent(cause); err == nil {
		tr.SetWriteDeadline(time.Now().Add(handshakeWriteTimeout))
		tr.WriteEvent(wire.FormatEvent(wire.KindDisable, l.cfg.DisableMode))
	}
	tr.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// startInfo is the parsed payload of a tracer start event. Fields beyond
// the known set are retained in payload for future extensions.
type startInfo struct {
	uuid    string
	auth    string
	payload map[string]any
}

// parseStart validates the start event payload: a record with at least a
// non-empty uuid, an auth token, and a local address pair.
func parseStart(ev wire.Event) (*startInfo, error) {
	payload, ok := ev.P.(map[string]any)
	if !ok {
		return nil, errors.New("Invalid start event")
	}

	id, _ := payload["uuid"].(string)
	if id == "" {
		return nil, errors.New("Invalid start event")
	}

	auth := ""
	if a, ok := payload["auth"]; ok && a != nil {
		s, ok := a.(string)
		if !ok {
			return nil, errors.New("Invalid start event")
		}
		auth = s
	}

	if !isAddrPair(payload["local"]) {
		return nil, errors.New("Invalid start event")
	}

	return &startInfo{uuid: id, auth: auth, payload: payload}, nil
}

// isAddrPair reports whether the start event's local field is the documented
// two-integer address pair. The codec hands back a generic slice whose
// element types depend on the serialization, so any integral number counts.
func isAddrPair(v any) bool {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return false
	}
	for _, e := range pair {
		if !isIntegral(e) {
			return false
		}
	}
	return true
}

func isIntegral(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return float64(n) == math.Trunc(float64(n))
	case float64:
		return n == math.Trunc(n)
	default:
		return false
	}
}

// transport adapts a TCP connection to the store's Transport with the
// tracer's length-prefixed framing.
type transport struct {
	conn  net.Conn
	codec wire.Codec
}

func (t *transport) WriteEvent(ev wire.Event) error {
	return wire.WriteEvent(t.conn, t.codec, ev)
}

func (t *transport) SetWriteDeadline(deadline time.Time) error {
	return t.conn.SetWriteDeadline(deadline)
}

func (t *transport) Close() error {
	return t.conn.Close()
}
