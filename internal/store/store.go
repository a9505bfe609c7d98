// Package store implements the session rendezvous registry: it pairs tracer
// and client halves on a shared uuid, buffers and forwards events between
// them, enforces attach and inactivity timeouts, and tears sessions down.
package store

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/tracegate/internal/auth"
	"github.com/rjsadow/tracegate/internal/wire"
)

// Disable modes forwarded to the tracer on teardown. The broker does not
// interpret them; they tell the tracer how to wind itself down.
const (
	DisableHard = "hard"
	DisableSoft = "soft"
)

const (
	// DefaultInactivityTimeout is the default idle window before a session
	// is swept.
	DefaultInactivityTimeout = 2 * time.Hour

	// DefaultSweepInterval is the default interval between inactivity sweeps.
	DefaultSweepInterval = 1 * time.Minute

	// DefaultAttachTimeout is a one-minute attach timeout. withDefaults does
	// not apply it: a zero Config.AttachTimeout admits orphans.
	DefaultAttachTimeout = 1 * time.Minute

	// DefaultWriteTimeout bounds a single forwarded write. A peer that
	// cannot be written to within this deadline costs the session.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultQueueSize bounds each half's forward queue. Overflow terminates
	// the session with a soft disable.
	DefaultQueueSize = 256

	// shutdownGrace is how long teardown waits for a writer to flush its
	// remaining frames before the transport is closed underneath it.
	shutdownGrace = 2 * time.Second
)

// Session end reasons recorded to the journal and logs.
const (
	EndReasonInactivity       = "inactivity"
	EndReasonAttachTimeout    = "attach_timeout"
	EndReasonTracerDisconnect = "tracer_disconnect"
	EndReasonClientDisconnect = "client_disconnect"
	EndReasonWriteFailure     = "write_failure"
	EndReasonQueueOverflow    = "queue_overflow"
	EndReasonShutdown         = "shutdown"
	EndReasonRequested        = "requested"
)

// AttachError rejects an attach attempt. Kind is the error event subkind
// ("auth" or "duplicate") the listener reports back to the connection.
type AttachError struct {
	Kind   string
	Reason string
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach rejected (%s): %s", e.Kind, e.Reason)
}

// Journal receives session lifecycle notifications. Implementations must
// tolerate being called from multiple goroutines.
type Journal interface {
	SessionCreated(sessionID string, firstSide string, at time.Time)
	SessionPaired(sessionID string, at time.Time)
	SessionEnded(sessionID string, reason string, eventsToTracer, eventsToClient int64, at time.Time)
}

// TranscriptSink receives every forwarded event for optional capture.
type TranscriptSink interface {
	Record(sessionID string, direction string, ev wire.Event)
	SessionClosed(sessionID string)
}

// Config holds session store configuration.
type Config struct {
	// AttachTimeout is how long a half may remain unpaired before the
	// session is terminated. Zero or negative admits orphans indefinitely.
	AttachTimeout time.Duration

	// InactivityTimeout is the idle window before the sweeper terminates
	// a session.
	InactivityTimeout time.Duration

	// SweepInterval is how often the sweeper checks for idle sessions.
	SweepInterval time.Duration

	// TimeoutDisableMode is the disable payload sent to the tracer when any
	// timeout fires. One of DisableHard or DisableSoft.
	TimeoutDisableMode string

	// TracerAuth and ClientAuth validate the auth token from each side's
	// start event. Nil allows everything.
	TracerAuth auth.Func
	ClientAuth auth.Func

	// WriteTimeout bounds each forwarded write.
	WriteTimeout time.Duration

	// QueueSize bounds each half's forward queue.
	QueueSize int

	// Journal, when non-nil, records session lifecycle rows.
	Journal Journal

	// Transcripts, when non-nil, captures every forwarded event.
	Transcripts TranscriptSink
}

// withDefaults fills zero values with package defaults. AttachTimeout is
// left alone: zero means orphans are allowed.
func (c Config) withDefaults() Config {
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.TimeoutDisableMode == "" {
		c.TimeoutDisableMode = DisableHard
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Store is the rendezvous registry, keyed by session uuid. One mutex guards
// the map and every compound operation on it: pair formation, termination,
// and attach-timer cancellation never interleave for the same uuid.
type Store struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a session store. Call Start to launch the inactivity sweeper.
func New(cfg Config) *Store {
	return &Store{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background inactivity sweeper.
func (st *Store) Start() {
	st.wg.Add(1)
	go st.sweepLoop()
	log.Printf("Session store started (inactivity: %v, sweep interval: %v, attach timeout: %v)",
		st.cfg.InactivityTimeout, st.cfg.SweepInterval, st.cfg.AttachTimeout)
}

// Stop halts the sweeper and terminates every live session. Safe to call
// more than once.
func (st *Store) Stop() {
	st.stopOnce.Do(func() { close(st.stopCh) })
	st.wg.Wait()

	for _, id := range st.ids() {
		st.Terminate(id, st.cfg.TimeoutDisableMode, nil, EndReasonShutdown)
	}
}

// Contains reports whether a live session exists for the uuid.
func (st *Store) Contains(sessionID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.sessions[sessionID]
	return ok
}

// SessionState returns the state of a live session. The second return is
// false when the uuid is not in the store.
func (st *Store) SessionState(sessionID string) (State, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.state, true
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// ids snapshots the live session uuids.
func (st *Store) ids() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		out = append(out, id)
	}
	return out
}

// AttachTracer authenticates and installs the tracer half for a uuid. If the
// client half is already waiting the session pairs and any buffered events
// flush in arrival order; otherwise the session parks pending its client.
func (st *Store) AttachTracer(sessionID, token string, tr Transport) error {
	if st.cfg.TracerAuth != nil && !st.cfg.TracerAuth(token) {
		return &AttachError{Kind: wire.ErrAuth, Reason: "Authentication failed"}
	}
	return st.attach(TracerSide, sessionID, tr, nil)
}

// AttachClient authenticates and installs the client half for a uuid. On
// success the client's start event (payload preserved verbatim) is forwarded
// to the tracer side, buffering if the tracer has not arrived yet.
func (st *Store) AttachClient(sessionID, token string, startPayload any, tr Transport) error {
	if st.cfg.ClientAuth != nil && !st.cfg.ClientAuth(token) {
		return &AttachError{Kind: wire.ErrAuth, Reason: "Authentication failed"}
	}
	start := wire.FormatEvent(wire.KindStart, startPayload)
	return st.attach(ClientSide, sessionID, tr, &start)
}

// attach performs the pairing algorithm for one arriving half under the
// store mutex. forward, when non-nil, is enqueued for the opposite half
// after a successful install.
func (st *Store) attach(side Side, sessionID string, tr Transport, forward *wire.Event) error {
	connID := uuid.NewString()

	st.mu.Lock()
	s, exists := st.sessions[sessionID]
	if !exists {
		s = st.createSessionLocked(side, sessionID)
	}

	mine, other := s.tracer, s.client
	if side == ClientSide {
		mine, other = s.client, s.tracer
	}

	if mine.attached() {
		st.mu.Unlock()
		log.Printf("Session %s: rejecting second %s (already attached)", sessionID, side)
		return &AttachError{Kind: wire.ErrDuplicate, Reason: fmt.Sprintf("Session %s already has a %s", sessionID, side)}
	}

	mine.transport = tr
	mine.connID = connID
	s.touch()

	paired := false
	if other.attached() {
		if err := s.transition(StatePaired, "peer attached"); err != nil {
			// Unreachable while the invariants hold; surface loudly if not.
			log.Printf("Session %s: %v", sessionID, err)
		}
		if s.attachTimer != nil {
			s.attachTimer.Stop()
			s.attachTimer = nil
		}
		paired = true
	}

	if forward != nil {
		st.enqueueLocked(s, other, *forward)
	}
	go st.runWriter(sessionID, mine)
	st.mu.Unlock()

	log.Printf("Session %s: %s attached (conn %s)", sessionID, side, connID)
	if !exists && st.cfg.Journal != nil {
		st.cfg.Journal.SessionCreated(sessionID, string(side), time.Now())
	}
	if paired && st.cfg.Journal != nil {
		st.cfg.Journal.SessionPaired(sessionID, time.Now())
	}
	return nil
}

// createSessionLocked inserts a new pending session for the arriving side
// and schedules its attach timer unless orphans are allowed.
func (st *Store) createSessionLocked(side Side, sessionID string) *Session {
	state := StatePendingClient
	if side == ClientSide {
		state = StatePendingTracer
	}
	s := &Session{
		id:           sessionID,
		state:        state,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		tracer:       newHalf(TracerSide, st.cfg.QueueSize),
		client:       newHalf(ClientSide, st.cfg.QueueSize),
	}
	st.sessions[sessionID] = s

	if st.cfg.AttachTimeout > 0 {
		s.attachTimer = time.AfterFunc(st.cfg.AttachTimeout, func() {
			st.attachExpired(sessionID)
		})
	}
	return s
}

// attachExpired fires when a half waited too long for its peer. The state is
// re-checked under the lock: pairing cancels the timer, but a fire already
// in flight must not kill a session that paired in the meantime.
func (st *Store) attachExpired(sessionID string) {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok || s.state == StatePaired {
		st.mu.Unlock()
		return
	}
	var cause wire.Event
	if s.state == StatePendingTracer {
		cause = wire.FormatErrorEvent(wire.ErrTracer, "No tracer")
	} else {
		cause = wire.FormatErrorEvent(wire.ErrClient, "No client")
	}
	st.removeLocked(s, EndReasonAttachTimeout)
	st.mu.Unlock()

	st.shutdown(s, st.cfg.TimeoutDisableMode, &cause, EndReasonAttachTimeout)
}

// Terminate forces a session through disabling to dead: the cause event (if
// any) is delivered to each still-attached half, then a disable event, then
// both transports are closed and the record is removed. Idempotent; returns
// false when no session exists for the uuid.
func (st *Store) Terminate(sessionID, mode string, cause *wire.Event, reason string) bool {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return false
	}
	st.removeLocked(s, reason)
	st.mu.Unlock()

	st.shutdown(s, mode, cause, reason)
	return true
}

// DetachTracer terminates the session only if the given transport is still
// the attached tracer half. A reader whose connection was already replaced
// or torn down must not take down an unrelated session on the same uuid.
func (st *Store) DetachTracer(sessionID string, tr Transport, reason string) {
	st.detach(TracerSide, sessionID, tr, reason)
}

// DetachClient is the client-side counterpart of DetachTracer.
func (st *Store) DetachClient(sessionID string, tr Transport, reason string) {
	st.detach(ClientSide, sessionID, tr, reason)
}

func (st *Store) detach(side Side, sessionID string, tr Transport, reason string) {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return
	}
	mine := s.tracer
	cause := wire.FormatErrorEvent(wire.ErrTracer, "Tracer disconnected")
	if side == ClientSide {
		mine = s.client
		cause = wire.FormatErrorEvent(wire.ErrClient, "Client disconnected")
	}
	if mine.transport != tr {
		st.mu.Unlock()
		return
	}
	st.removeLocked(s, reason)
	st.mu.Unlock()

	st.shutdown(s, st.cfg.TimeoutDisableMode, &cause, reason)
}

// removeLocked transitions the session through disabling to dead and deletes
// it from the map. Dead and removal happen in the same critical section, so
// a uuid is in the store iff its session is live.
func (st *Store) removeLocked(s *Session, reason string) {
	if s.attachTimer != nil {
		s.attachTimer.Stop()
		s.attachTimer = nil
	}
	if err := s.transition(StateDisabling, reason); err != nil {
		log.Printf("Session %s: %v", s.id, err)
	}
	if err := s.transition(StateDead, reason); err != nil {
		log.Printf("Session %s: %v", s.id, err)
	}
	delete(st.sessions, s.id)
}

// shutdown delivers the teardown events and closes both halves. The cause
// error is enqueued strictly before the disable event on each half and both
// drain through the half's single writer, preserving the ordering contract.
func (st *Store) shutdown(s *Session, mode string, cause *wire.Event, reason string) {
	for _, h := range s.halves() {
		if !h.attached() {
			continue
		}
		if cause != nil {
			st.enqueueFinal(s, h, *cause)
		}
		st.enqueueFinal(s, h, h.disableEvent(mode))
		close(h.quit)
	}

	deadline := time.After(shutdownGrace)
	for _, h := range s.halves() {
		if !h.attached() {
			continue
		}
		select {
		case <-h.done:
		case <-deadline:
		}
		h.transport.Close()
	}

	log.Printf("Session %s terminated (mode: %s, reason: %s)", s.id, mode, reason)
	if st.cfg.Journal != nil {
		st.cfg.Journal.SessionEnded(s.id, reason, s.eventsToTracer, s.eventsToClient, time.Now())
	}
	if st.cfg.Transcripts != nil {
		st.cfg.Transcripts.SessionClosed(s.id)
	}
}

// enqueueFinal places a teardown event on a half's queue. If the queue is
// completely full the oldest pending frame is dropped; the disable must
// reach the peer ahead of anything a full buffer might have held.
func (st *Store) enqueueFinal(s *Session, h *half, ev wire.Event) {
	for {
		select {
		case h.queue <- ev:
			return
		default:
		}
		select {
		case <-h.queue:
		default:
		}
	}
}

// SendToClient enqueues an event for the client half. No-op when the uuid is
// not in the store.
func (st *Store) SendToClient(sessionID string, ev wire.Event) {
	st.send(sessionID, ClientSide, ev)
}

// SendToTracer enqueues an event for the tracer half. No-op when the uuid is
// not in the store.
func (st *Store) SendToTracer(sessionID string, ev wire.Event) {
	st.send(sessionID, TracerSide, ev)
}

func (st *Store) send(sessionID string, side Side, ev wire.Event) {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return
	}
	h := s.tracer
	if side == ClientSide {
		h = s.client
	}
	s.touch()
	overflow := !st.enqueueLocked(s, h, ev)
	st.mu.Unlock()

	if st.cfg.Transcripts != nil {
		st.cfg.Transcripts.Record(sessionID, "to_"+string(side), ev)
	}
	if overflow {
		log.Printf("Session %s: forward queue to %s overflowed, terminating", sessionID, side)
		st.Terminate(sessionID, DisableSoft, nil, EndReasonQueueOverflow)
	}
}

// enqueueLocked appends to a half's forward queue and bumps the per-side
// counter. Returns false on overflow.
func (st *Store) enqueueLocked(s *Session, h *half, ev wire.Event) bool {
	select {
	case h.queue <- ev:
		if h.side == TracerSide {
			s.eventsToTracer++
		} else {
			s.eventsToClient++
		}
		return true
	default:
		return false
	}
}

// runWriter drains one half's forward queue onto its transport. It is the
// only goroutine that writes to the transport after attach. A failed or
// overdue write costs the session a soft disable. After quit it flushes
// whatever is already queued, bounded by per-write deadlines, then exits.
func (st *Store) runWriter(sessionID string, h *half) {
	defer close(h.done)
	for {
		select {
		case ev := <-h.queue:
			if !st.writeOne(h, ev) {
				go st.Terminate(sessionID, DisableSoft, nil, EndReasonWriteFailure)
				return
			}
		case <-h.quit:
			for {
				select {
				case ev := <-h.queue:
					if !st.writeOne(h, ev) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (st *Store) writeOne(h *half, ev wire.Event) bool {
	h.transport.SetWriteDeadline(time.Now().Add(st.cfg.WriteTimeout))
	if err := h.transport.WriteEvent(ev); err != nil {
		log.Printf("Write to %s failed: %v", h.side, err)
		return false
	}
	return true
}

// sweepLoop periodically terminates idle sessions. The sweeper never dies:
// per-session failures are logged and swallowed.
func (st *Store) sweepLoop() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.sweep()
		case <-st.stopCh:
			return
		}
	}
}

// sweep terminates every session idle past the inactivity timeout.
func (st *Store) sweep() {
	st.mu.Lock()
	var expired []string
	for id, s := range st.sessions {
		if time.Since(s.lastActivity) > st.cfg.InactivityTimeout {
			expired = append(expired, id)
		}
	}
	st.mu.Unlock()

	for _, id := range expired {
		log.Printf("Session %s: idle past %v, terminating", id, st.cfg.InactivityTimeout)
		st.Terminate(id, st.cfg.TimeoutDisableMode, nil, EndReasonInactivity)
	}
}
