package store

import (
	"time"

	"github.com/rjsadow/tracegate/internal/wire"
)

// Side identifies which peer of a session a half belongs to.
type Side string

const (
	TracerSide Side = "tracer"
	ClientSide Side = "client"
)

// Transport is the connection-facing surface a half forwards events to.
// WriteEvent applies the transport's own framing (binary frames for tracers,
// JSON text for clients). Only the half's single writer goroutine calls
// WriteEvent after attach; Close may be called from any goroutine and must
// unblock a pending read on the connection.
type Transport interface {
	WriteEvent(ev wire.Event) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// half is one side of a session: its forward queue, and once attached, its
// transport and writer goroutine. The queue exists from session creation so
// events for a half that has not arrived yet buffer in arrival order and
// flush when the half attaches.
type half struct {
	side      Side
	connID    string
	transport Transport
	queue     chan wire.Event
	quit      chan struct{} // closed to make the writer drain and exit
	done      chan struct{} // closed when the writer goroutine exits
}

func newHalf(side Side, queueSize int) *half {
	return &half{
		side:  side,
		queue: make(chan wire.Event, queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// attached reports whether a transport is installed on this half.
func (h *half) attached() bool { return h.transport != nil }

// disableEvent is the final event written to this half during teardown.
// Tracers receive the disable mode as payload; clients receive no payload.
func (h *half) disableEvent(mode string) wire.Event {
	if h.side == TracerSide {
		return wire.FormatEvent(wire.KindDisable, mode)
	}
	return wire.FormatEvent(wire.KindDisable, nil)
}

// Session is the rendezvous record for one uuid. All fields are guarded by
// the owning store's mutex; the halves' queues and transports are accessed
// by writer goroutines only through the channel discipline above.
type Session struct {
	id           string
	state        State
	createdAt    time.Time
	lastActivity time.Time

	tracer *half
	client *half

	attachTimer *time.Timer

	eventsToTracer int64
	eventsToClient int64
}

// ID returns the session's uuid.
func (s *Session) ID() string { return s.id }

// State returns the session's lifecycle state.
func (s *Session) State() State { return s.state }

// transition moves the session to the next state, logging the change.
// Invalid transitions return a TransitionError and leave the state untouched.
func (s *Session) transition(to State, reason string) error {
	if !CanTransition(s.state, to) {
		return &TransitionError{SessionID: s.id, From: s.state, To: to}
	}
	LogTransition(s.id, s.state, to, reason)
	s.state = to
	return nil
}

// touch advances the inactivity clock. lastActivity is monotone
// non-decreasing because it only ever takes time.Now under the store lock.
func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// halves returns the session's halves in a fixed order: tracer first.
func (s *Session) halves() [2]*half {
	return [2]*half{s.tracer, s.client}
}
