// Package server composes the tracer listener, client listener, and session
// store into one runnable broker.
package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/rjsadow/tracegate/internal/auth"
	"github.com/rjsadow/tracegate/internal/client"
	"github.com/rjsadow/tracegate/internal/ratelimit"
	"github.com/rjsadow/tracegate/internal/store"
	"github.com/rjsadow/tracegate/internal/tracer"
	"github.com/rjsadow/tracegate/internal/wire"
)

// Listener is the capability set both broker listeners satisfy. NopListener
// satisfies it with no I/O for single-sided deployments and tests.
type Listener interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Options holds everything needed to assemble a broker.
type Options struct {
	TracerHost string
	TracerPort int
	ClientHost string
	ClientPort int

	// RouteFmt is the client URL template; must contain a {uuid} slot.
	RouteFmt string

	// Codec frames tracer payloads. Defaults to msgpack.
	Codec wire.Codec

	AuthTimeout        time.Duration
	AttachTimeout      time.Duration // zero or negative admits orphans
	InactivityTimeout  time.Duration
	SweepInterval      time.Duration
	TimeoutDisableMode string

	TracerAuth auth.Func
	ClientAuth auth.Func

	Journal     store.Journal
	Transcripts store.TranscriptSink

	// TracerLimiter and ClientLimiter rate limit each listener's incoming
	// connections independently.
	TracerLimiter *ratelimit.Limiter
	ClientLimiter *ratelimit.Limiter

	// TracerListener and ClientListener override the real listeners, e.g.
	// with a NopListener when only one side is deployed.
	TracerListener Listener
	ClientListener Listener
}

// Server owns the session store and both listeners.
type Server struct {
	store  *store.Store
	tracer Listener
	client Listener

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New assembles a broker from options. Nothing binds until Start.
func New(opts Options) (*Server, error) {
	st := store.New(store.Config{
		AttachTimeout:      opts.AttachTimeout,
		InactivityTimeout:  opts.InactivityTimeout,
		SweepInterval:      opts.SweepInterval,
		TimeoutDisableMode: opts.TimeoutDisableMode,
		TracerAuth:         opts.TracerAuth,
		ClientAuth:         opts.ClientAuth,
		Journal:            opts.Journal,
		Transcripts:        opts.Transcripts,
	})

	tl := opts.TracerListener
	if tl == nil {
		tl = tracer.New(tracer.Config{
			Host:        opts.TracerHost,
			Port:        opts.TracerPort,
			Store:       st,
			Codec:       opts.Codec,
			AuthTimeout: opts.AuthTimeout,
			DisableMode: opts.TimeoutDisableMode,
			Limiter:     opts.TracerLimiter,
		})
	}

	cl := opts.ClientListener
	if cl == nil {
		var err error
		cl, err = client.New(client.Config{
			Host:        opts.ClientHost,
			Port:        opts.ClientPort,
			Store:       st,
			RouteFmt:    opts.RouteFmt,
			AuthTimeout: opts.AuthTimeout,
			Limiter:     opts.ClientLimiter,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Server{store: st, tracer: tl, client: cl}, nil
}

// Start launches the sweeper and both accept loops. A bind failure on either
// listener rolls back everything already started.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	s.store.Start()
	if err := s.tracer.Start(); err != nil {
		s.store.Stop()
		return err
	}
	if err := s.client.Start(); err != nil {
		s.tracer.Stop()
		s.store.Stop()
		return err
	}

	s.running = true
	s.done = make(chan struct{})
	return nil
}

// Stop cancels the accept loops, terminates every live session, and closes
// the listening sockets. It returns only after both accept loops have
// observed cancellation. Safe to call from any goroutine and more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.done
	s.mu.Unlock()

	terr := s.tracer.Stop()
	cerr := s.client.Stop()
	s.store.Stop()
	close(done)

	if terr != nil {
		return terr
	}
	return cerr
}

// ServeForever blocks until Stop is called from another goroutine. Returns
// immediately when the server is not running.
func (s *Server) ServeForever() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	done := s.done
	s.mu.Unlock()

	<-done
}

// IsRunning reports whether the broker is live.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionStore exposes the rendezvous registry.
func (s *Server) SessionStore() *store.Store { return s.store }

// TracerListener returns the tracer-side listener.
func (s *Server) TracerListener() Listener { return s.tracer }

// ClientListener returns the client-side listener.
func (s *Server) ClientListener() Listener { return s.client }

// With starts the server, runs fn, and guarantees Stop on every exit path,
// including panics in fn.
func With(s *Server, fn func(*Server) error) error {
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()
	return fn(s)
}
