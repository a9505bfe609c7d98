package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rjsadow/tracegate/internal/auth"
	"github.com/rjsadow/tracegate/internal/config"
	"github.com/rjsadow/tracegate/internal/journal"
	"github.com/rjsadow/tracegate/internal/ratelimit"
	"github.com/rjsadow/tracegate/internal/server"
	"github.com/rjsadow/tracegate/internal/store"
	"github.com/rjsadow/tracegate/internal/transcripts"
	"github.com/rjsadow/tracegate/internal/wire"
	"golang.org/x/time/rate"
)

func main() {
	// Parse command-line flags (can override env vars)
	tracerPort := flag.Int("tracer-port", config.DefaultTracerPort, "Port for tracer TCP connections")
	clientPort := flag.Int("client-port", config.DefaultClientPort, "Port for client WebSocket connections")
	journalDB := flag.String("journal", "", "Path to SQLite session journal (empty disables)")
	flag.Parse()

	// Load configuration (env vars + flag overrides)
	cfg, err := config.LoadWithFlags(*tracerPort, *clientPort, *journalDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging with JSON handler for production
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Build auth predicates
	tracerAuth, err := buildAuth(cfg, cfg.TracerAuthMode, cfg.TracerAuthSecret)
	if err != nil {
		slog.Error("failed to initialize tracer auth", "error", err)
		os.Exit(1)
	}
	clientAuth, err := buildAuth(cfg, cfg.ClientAuthMode, cfg.ClientAuthSecret)
	if err != nil {
		slog.Error("failed to initialize client auth", "error", err)
		os.Exit(1)
	}

	// Initialize the session journal
	var jnl store.Journal
	if cfg.JournalDB != "" {
		j, err := journal.Open(cfg.JournalDB)
		if err != nil {
			slog.Error("failed to open session journal", "error", err)
			os.Exit(1)
		}
		defer j.Close()
		jnl = j
	}

	// Initialize transcript capture
	sink, err := buildTranscripts(cfg)
	if err != nil {
		slog.Error("failed to initialize transcript storage", "error", err)
		os.Exit(1)
	}

	// Per-IP connection rate limiting, one limiter per listener so the two
	// sides carry independent budgets.
	var tracerLimiter, clientLimiter *ratelimit.Limiter
	if r := cfg.TracerRate(); r > 0 {
		tracerLimiter = ratelimit.New(rate.Limit(r), cfg.RateLimitBurst)
	}
	if r := cfg.ClientRate(); r > 0 {
		clientLimiter = ratelimit.New(rate.Limit(r), cfg.RateLimitBurst)
	}

	var codec wire.Codec = wire.MsgpackCodec{}
	if cfg.TracerCodec == config.CodecJSON {
		codec = wire.JSONCodec{}
	}

	srv, err := server.New(server.Options{
		TracerHost:         cfg.TracerHost,
		TracerPort:         cfg.TracerPort,
		ClientHost:         cfg.ClientHost,
		ClientPort:         cfg.ClientPort,
		RouteFmt:           cfg.RouteFmt,
		Codec:              codec,
		AuthTimeout:        cfg.AuthTimeout,
		AttachTimeout:      cfg.AttachTimeout,
		InactivityTimeout:  cfg.InactivityTimeout,
		SweepInterval:      cfg.SweepInterval,
		TimeoutDisableMode: cfg.TimeoutDisableMode,
		TracerAuth:         tracerAuth,
		ClientAuth:         clientAuth,
		Journal:            jnl,
		Transcripts:        sink,
		TracerLimiter:      tracerLimiter,
		ClientLimiter:      clientLimiter,
	})
	if err != nil {
		slog.Error("failed to assemble broker", "error", err)
		os.Exit(1)
	}

	// Stop cleanly on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		srv.Stop()
	}()

	err = server.With(srv, func(s *server.Server) error {
		slog.Info("tracegate running",
			"tracer_port", cfg.TracerPort,
			"client_port", cfg.ClientPort,
			"route", cfg.RouteFmt)
		s.ServeForever()
		return nil
	})
	if err != nil {
		slog.Error("broker failed", "error", err)
		os.Exit(1)
	}
}

// buildAuth constructs one side's token predicate from its configured mode.
func buildAuth(cfg *config.Config, mode, secret string) (auth.Func, error) {
	switch mode {
	case config.AuthModeNone:
		return auth.AllowAll(), nil
	case config.AuthModeSecret:
		return auth.SharedSecret(secret), nil
	case config.AuthModeBcrypt:
		return auth.Bcrypt(secret), nil
	case config.AuthModeJWT:
		return auth.JWT(secret), nil
	case config.AuthModeOIDC:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return auth.OIDC(ctx, cfg.OIDCIssuer, cfg.OIDCClientID, cfg.AuthTimeout)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// buildTranscripts constructs the transcript sink from configuration.
func buildTranscripts(cfg *config.Config) (store.TranscriptSink, error) {
	switch cfg.TranscriptStore {
	case config.TranscriptsNone:
		return nil, nil
	case config.TranscriptsLocal:
		return transcripts.NewRecorder(transcripts.NewLocalStore(cfg.TranscriptDir)), nil
	case config.TranscriptsS3:
		s3store, err := transcripts.NewS3Store(
			cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, cfg.S3Prefix,
			cfg.S3AccessKeyID, cfg.S3SecretAccessKey)
		if err != nil {
			return nil, err
		}
		return transcripts.NewRecorder(s3store), nil
	default:
		return nil, fmt.Errorf("unknown transcript store %q", cfg.TranscriptStore)
	}
}

// slogLevel maps the configured level name to a slog level.
func slogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
