package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rjsadow/tracegate/internal/auth"
	"github.com/rjsadow/tracegate/internal/wire"
)

// fakeTransport records written events and signals each write on a channel.
type fakeTransport struct {
	mu         sync.Mutex
	events     []wire.Event
	closed     bool
	failWrites bool

	wrote chan wire.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{wrote: make(chan wire.Event, 64)}
}

func (t *fakeTransport) WriteEvent(ev wire.Event) error {
	t.mu.Lock()
	fail := t.failWrites
	if !fail {
		t.events = append(t.events, ev)
	}
	t.mu.Unlock()
	if fail {
		return errors.New("write refused")
	}
	t.wrote <- ev
	return nil
}

func (t *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// next waits for one written event.
func (t *fakeTransport) next(tb testing.TB) wire.Event {
	tb.Helper()
	select {
	case ev := <-t.wrote:
		return ev
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for event")
		return wire.Event{}
	}
}

// orphanConfig admits halves with no attach deadline.
func orphanConfig() Config {
	return Config{AttachTimeout: 0, TimeoutDisableMode: DisableHard}
}

func waitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %s", what)
}

func TestAttachTracerCreatesPendingSession(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	tr := newFakeTransport()
	if err := st.AttachTracer("test", "", tr); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}

	if !st.Contains("test") {
		t.Error("Contains(test) = false after attach")
	}
	state, ok := st.SessionState("test")
	if !ok || state != StatePendingClient {
		t.Errorf("state = %v (%v), want %v", state, ok, StatePendingClient)
	}
}

func TestAttachClientCreatesPendingSession(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	if err := st.AttachClient("test", "", "", newFakeTransport()); err != nil {
		t.Fatalf("AttachClient() error = %v", err)
	}

	state, ok := st.SessionState("test")
	if !ok || state != StatePendingTracer {
		t.Errorf("state = %v (%v), want %v", state, ok, StatePendingTracer)
	}
}

func TestPairingForwardsClientStart(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	tracerTr := newFakeTransport()
	if err := st.AttachTracer("test", "", tracerTr); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}
	if err := st.AttachClient("test", "", "", newFakeTransport()); err != nil {
		t.Fatalf("AttachClient() error = %v", err)
	}

	state, _ := st.SessionState("test")
	if state != StatePaired {
		t.Errorf("state = %v, want %v", state, StatePaired)
	}

	// The client's start event reaches the tracer with its payload intact.
	ev := tracerTr.next(t)
	if ev.E != "start" {
		t.Errorf("got e = %q, want %q", ev.E, "start")
	}
	if ev.P != "" {
		t.Errorf("got p = %v, want empty string", ev.P)
	}
}

func TestPairingFlushesBufferedEventsInOrder(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	// Client arrives first; its start event plus two commands buffer for the
	// tracer that has not connected yet.
	if err := st.AttachClient("test", "tok", "tok", newFakeTransport()); err != nil {
		t.Fatalf("AttachClient() error = %v", err)
	}
	st.SendToTracer("test", wire.FormatEvent("step", nil))
	st.SendToTracer("test", wire.FormatEvent("continue", nil))

	tracerTr := newFakeTransport()
	if err := st.AttachTracer("test", "", tracerTr); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}

	want := []string{"start", "step", "continue"}
	for i, kind := range want {
		if ev := tracerTr.next(t); ev.E != kind {
			t.Fatalf("event %d = %q, want %q", i, ev.E, kind)
		}
	}
}

func TestAttachDuplicate(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	if err := st.AttachTracer("test", "", newFakeTransport()); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}

	err := st.AttachTracer("test", "", newFakeTransport())
	var ae *AttachError
	if !errors.As(err, &ae) || ae.Kind != wire.ErrDuplicate {
		t.Fatalf("second AttachTracer() error = %v, want duplicate AttachError", err)
	}

	// The incumbent is untouched.
	if !st.Contains("test") {
		t.Error("Contains(test) = false after duplicate rejection")
	}
}

func TestAttachAuthFailure(t *testing.T) {
	cfg := orphanConfig()
	cfg.TracerAuth = auth.DenyAll()
	st := New(cfg)
	defer st.Stop()

	err := st.AttachTracer("test", "whatever", newFakeTransport())
	var ae *AttachError
	if !errors.As(err, &ae) || ae.Kind != wire.ErrAuth {
		t.Fatalf("AttachTracer() error = %v, want auth AttachError", err)
	}
	if ae.Reason != "Authentication failed" {
		t.Errorf("reason = %q, want %q", ae.Reason, "Authentication failed")
	}
	if st.Contains("test") {
		t.Error("Contains(test) = true after rejected attach")
	}
}

func TestAttachTimeout(t *testing.T) {
	st := New(Config{
		AttachTimeout:      20 * time.Millisecond,
		TimeoutDisableMode: DisableSoft,
	})
	defer st.Stop()

	clientTr := newFakeTransport()
	if err := st.AttachClient("test", "", "", clientTr); err != nil {
		t.Fatalf("AttachClient() error = %v", err)
	}

	// The waiting client is told no tracer showed up, then disabled with no
	// payload.
	ev := clientTr.next(t)
	if ev.E != wire.KindError {
		t.Fatalf("first event = %q, want error", ev.E)
	}
	ep, ok := ev.P.(wire.ErrorPayload)
	if !ok || ep.E != wire.ErrTracer || ep.Reason != "No tracer" {
		t.Errorf("error payload = %+v, want tracer/No tracer", ev.P)
	}

	ev = clientTr.next(t)
	if ev.E != wire.KindDisable || ev.P != nil {
		t.Errorf("second event = %+v, want payload-less disable", ev)
	}

	waitFor(t, "session removal", func() bool { return !st.Contains("test") })
	waitFor(t, "transport close", clientTr.isClosed)
}

func TestTracerAttachTimeoutDisableMode(t *testing.T) {
	for _, mode := range []string{DisableHard, DisableSoft} {
		t.Run(mode, func(t *testing.T) {
			st := New(Config{
				AttachTimeout:      20 * time.Millisecond,
				TimeoutDisableMode: mode,
			})
			defer st.Stop()

			tracerTr := newFakeTransport()
			if err := st.AttachTracer("test", "", tracerTr); err != nil {
				t.Fatalf("AttachTracer() error = %v", err)
			}

			ev := tracerTr.next(t)
			ep, ok := ev.P.(wire.ErrorPayload)
			if ev.E != wire.KindError || !ok || ep.E != wire.ErrClient || ep.Reason != "No client" {
				t.Fatalf("first event = %+v, want client/No client error", ev)
			}

			ev = tracerTr.next(t)
			if ev.E != wire.KindDisable || ev.P != mode {
				t.Errorf("second event = %+v, want disable %q", ev, mode)
			}
		})
	}
}

func TestOrphanAdmitted(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	if err := st.AttachClient("test", "", "", newFakeTransport()); err != nil {
		t.Fatalf("AttachClient() error = %v", err)
	}

	// With no attach deadline the half stays parked.
	time.Sleep(50 * time.Millisecond)
	if !st.Contains("test") {
		t.Error("Contains(test) = false, orphan should remain parked")
	}
}

func TestTerminateOrdering(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	tracerTr := newFakeTransport()
	clientTr := newFakeTransport()
	if err := st.AttachTracer("test", "", tracerTr); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}
	if err := st.AttachClient("test", "", "", clientTr); err != nil {
		t.Fatalf("AttachClient() error = %v", err)
	}
	tracerTr.next(t) // forwarded start

	cause := wire.FormatErrorEvent(wire.ErrInactivity, "Session idle")
	if !st.Terminate("test", DisableSoft, &cause, EndReasonRequested) {
		t.Fatal("Terminate() = false, want true")
	}

	// Each half sees the cause strictly before its disable.
	for _, tr := range []*fakeTransport{tracerTr, clientTr} {
		if ev := tr.next(t); ev.E != wire.KindError {
			t.Fatalf("first teardown event = %q, want error", ev.E)
		}
	}
	if ev := tracerTr.next(t); ev.E != wire.KindDisable || ev.P != DisableSoft {
		t.Errorf("tracer disable = %+v, want disable %q", ev, DisableSoft)
	}
	if ev := clientTr.next(t); ev.E != wire.KindDisable || ev.P != nil {
		t.Errorf("client disable = %+v, want payload-less disable", ev)
	}

	if st.Contains("test") {
		t.Error("Contains(test) = true after terminate")
	}
	waitFor(t, "tracer close", tracerTr.isClosed)
	waitFor(t, "client close", clientTr.isClosed)
}

func TestTerminateIdempotent(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	if err := st.AttachTracer("test", "", newFakeTransport()); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}

	if !st.Terminate("test", DisableHard, nil, EndReasonRequested) {
		t.Error("first Terminate() = false, want true")
	}
	if st.Terminate("test", DisableHard, nil, EndReasonRequested) {
		t.Error("second Terminate() = true, want false")
	}
}

func TestSendAfterTerminateIsNoop(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	if err := st.AttachTracer("test", "", newFakeTransport()); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}
	st.Terminate("test", DisableHard, nil, EndReasonRequested)

	// Must not panic or resurrect the session.
	st.SendToTracer("test", wire.FormatEvent("step", nil))
	st.SendToClient("test", wire.FormatEvent("stdout", "x"))
	if st.Contains("test") {
		t.Error("Contains(test) = true after terminate")
	}
}

func TestInactivitySweep(t *testing.T) {
	for _, mode := range []string{DisableHard, DisableSoft} {
		t.Run(mode, func(t *testing.T) {
			st := New(Config{
				InactivityTimeout:  30 * time.Millisecond,
				SweepInterval:      10 * time.Millisecond,
				TimeoutDisableMode: mode,
			})
			st.Start()
			defer st.Stop()

			tracerTr := newFakeTransport()
			if err := st.AttachTracer("test", "", tracerTr); err != nil {
				t.Fatalf("AttachTracer() error = %v", err)
			}
			if err := st.AttachClient("test", "", "", newFakeTransport()); err != nil {
				t.Fatalf("AttachClient() error = %v", err)
			}

			if ev := tracerTr.next(t); ev.E != "start" {
				t.Fatalf("first tracer event = %q, want start", ev.E)
			}
			if ev := tracerTr.next(t); ev.E != wire.KindDisable || ev.P != mode {
				t.Errorf("sweep disable = %+v, want disable %q", ev, mode)
			}
			waitFor(t, "session removal", func() bool { return !st.Contains("test") })
		})
	}
}

func TestSendKeepsSessionAlive(t *testing.T) {
	st := New(Config{
		InactivityTimeout:  80 * time.Millisecond,
		SweepInterval:      10 * time.Millisecond,
		TimeoutDisableMode: DisableHard,
	})
	st.Start()
	defer st.Stop()

	tracerTr := newFakeTransport()
	if err := st.AttachTracer("test", "", tracerTr); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}

	// Keep traffic flowing past several would-be expirations.
	for i := 0; i < 8; i++ {
		st.SendToTracer("test", wire.FormatEvent("ping", i))
		tracerTr.next(t)
		time.Sleep(25 * time.Millisecond)
	}
	if !st.Contains("test") {
		t.Error("Contains(test) = false, activity should defer the sweep")
	}
}

func TestQueueOverflowTerminatesSoft(t *testing.T) {
	st := New(Config{QueueSize: 1, TimeoutDisableMode: DisableHard})
	defer st.Stop()

	tracerTr := newFakeTransport()
	if err := st.AttachTracer("test", "", tracerTr); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}

	// The client half never attached, so its queue only buffers. Overflowing
	// it costs the session a soft disable.
	st.SendToClient("test", wire.FormatEvent("stdout", "a"))
	st.SendToClient("test", wire.FormatEvent("stdout", "b"))

	waitFor(t, "session removal", func() bool { return !st.Contains("test") })

	sawSoftDisable := func() bool {
		tracerTr.mu.Lock()
		defer tracerTr.mu.Unlock()
		for _, ev := range tracerTr.events {
			if ev.E == wire.KindDisable && ev.P == DisableSoft {
				return true
			}
		}
		return false
	}
	waitFor(t, "soft disable", sawSoftDisable)
}

func TestWriteFailureTerminates(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	tracerTr := newFakeTransport()
	tracerTr.failWrites = true
	if err := st.AttachTracer("test", "", tracerTr); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}

	st.SendToTracer("test", wire.FormatEvent("step", nil))
	waitFor(t, "session removal", func() bool { return !st.Contains("test") })
	waitFor(t, "transport close", tracerTr.isClosed)
}

func TestDetachIgnoresStaleTransport(t *testing.T) {
	st := New(orphanConfig())
	defer st.Stop()

	current := newFakeTransport()
	if err := st.AttachTracer("test", "", current); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}

	// A reader for a connection that was never installed must not take the
	// session down.
	st.DetachTracer("test", newFakeTransport(), EndReasonTracerDisconnect)
	if !st.Contains("test") {
		t.Error("Contains(test) = false after stale detach")
	}

	st.DetachTracer("test", current, EndReasonTracerDisconnect)
	waitFor(t, "session removal", func() bool { return !st.Contains("test") })
}

func TestStopTerminatesAllSessions(t *testing.T) {
	st := New(orphanConfig())
	st.Start()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("sess-%d", i)
		if err := st.AttachTracer(id, "", newFakeTransport()); err != nil {
			t.Fatalf("AttachTracer(%s) error = %v", id, err)
		}
	}
	if st.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", st.Len())
	}

	st.Stop()
	if st.Len() != 0 {
		t.Errorf("Len() = %d after Stop, want 0", st.Len())
	}
}

func TestJournalHooks(t *testing.T) {
	j := &recordingJournal{}
	cfg := orphanConfig()
	cfg.Journal = j
	st := New(cfg)
	defer st.Stop()

	if err := st.AttachTracer("test", "", newFakeTransport()); err != nil {
		t.Fatalf("AttachTracer() error = %v", err)
	}
	if err := st.AttachClient("test", "", "", newFakeTransport()); err != nil {
		t.Fatalf("AttachClient() error = %v", err)
	}
	st.Terminate("test", DisableHard, nil, EndReasonRequested)

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.created || !j.paired || !j.ended {
		t.Errorf("journal hooks = created:%v paired:%v ended:%v, want all true", j.created, j.paired, j.ended)
	}
	if j.firstSide != string(TracerSide) {
		t.Errorf("firstSide = %q, want %q", j.firstSide, TracerSide)
	}
	if j.endReason != EndReasonRequested {
		t.Errorf("endReason = %q, want %q", j.endReason, EndReasonRequested)
	}
}

type recordingJournal struct {
	mu        sync.Mutex
	created   bool
	paired    bool
	ended     bool
	firstSide string
	endReason string
}

func (j *recordingJournal) SessionCreated(_, firstSide string, _ time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.created = true
	j.firstSide = firstSide
}

func (j *recordingJournal) SessionPaired(string, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.paired = true
}

func (j *recordingJournal) SessionEnded(_, reason string, _, _ int64, _ time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended = true
	j.endReason = reason
}
