package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TracerPort != DefaultTracerPort {
		t.Errorf("TracerPort = %d, want %d", cfg.TracerPort, DefaultTracerPort)
	}
	if cfg.ClientPort != DefaultClientPort {
		t.Errorf("ClientPort = %d, want %d", cfg.ClientPort, DefaultClientPort)
	}
	if cfg.RouteFmt != DefaultRouteFmt {
		t.Errorf("RouteFmt = %q, want %q", cfg.RouteFmt, DefaultRouteFmt)
	}
	if cfg.AuthTimeout != DefaultAuthTimeout {
		t.Errorf("AuthTimeout = %v, want %v", cfg.AuthTimeout, DefaultAuthTimeout)
	}
	if cfg.TimeoutDisableMode != DefaultTimeoutDisableMode {
		t.Errorf("TimeoutDisableMode = %q, want %q", cfg.TimeoutDisableMode, DefaultTimeoutDisableMode)
	}
	if cfg.TracerAuthMode != AuthModeNone || cfg.ClientAuthMode != AuthModeNone {
		t.Errorf("auth modes = %q/%q, want none/none", cfg.TracerAuthMode, cfg.ClientAuthMode)
	}
	if cfg.TranscriptStore != TranscriptsNone {
		t.Errorf("TranscriptStore = %q, want %q", cfg.TranscriptStore, TranscriptsNone)
	}
	if cfg.TracerCodec != CodecMsgpack {
		t.Errorf("TracerCodec = %q, want %q", cfg.TracerCodec, CodecMsgpack)
	}
	if cfg.OrphansAllowed() {
		t.Error("OrphansAllowed() = true with the default attach timeout")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TRACEGATE_TRACER_PORT", "9001")
	t.Setenv("TRACEGATE_CLIENT_PORT", "9002")
	t.Setenv("TRACEGATE_ROUTE", "/dbg/{uuid}")
	t.Setenv("TRACEGATE_AUTH_TIMEOUT", "5")
	t.Setenv("TRACEGATE_ATTACH_TIMEOUT", "0")
	t.Setenv("TRACEGATE_INACTIVITY_TIMEOUT", "30")
	t.Setenv("TRACEGATE_SWEEP_INTERVAL", "2")
	t.Setenv("TRACEGATE_TIMEOUT_DISABLE_MODE", "hard")
	t.Setenv("TRACEGATE_CLIENT_AUTH_MODE", "secret")
	t.Setenv("TRACEGATE_CLIENT_AUTH_SECRET", "hunter2")
	t.Setenv("TRACEGATE_RATE_LIMIT", "2.5")
	t.Setenv("TRACEGATE_RATE_LIMIT_BURST", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TracerPort != 9001 || cfg.ClientPort != 9002 {
		t.Errorf("ports = %d/%d, want 9001/9002", cfg.TracerPort, cfg.ClientPort)
	}
	if cfg.RouteFmt != "/dbg/{uuid}" {
		t.Errorf("RouteFmt = %q, want /dbg/{uuid}", cfg.RouteFmt)
	}
	if cfg.AuthTimeout != 5*time.Second {
		t.Errorf("AuthTimeout = %v, want 5s", cfg.AuthTimeout)
	}
	if !cfg.OrphansAllowed() {
		t.Error("OrphansAllowed() = false with TRACEGATE_ATTACH_TIMEOUT=0")
	}
	if cfg.InactivityTimeout != 30*time.Minute {
		t.Errorf("InactivityTimeout = %v, want 30m", cfg.InactivityTimeout)
	}
	if cfg.SweepInterval != 2*time.Second {
		t.Errorf("SweepInterval = %v, want 2s", cfg.SweepInterval)
	}
	if cfg.TimeoutDisableMode != "hard" {
		t.Errorf("TimeoutDisableMode = %q, want hard", cfg.TimeoutDisableMode)
	}
	if cfg.ClientAuthMode != AuthModeSecret || cfg.ClientAuthSecret != "hunter2" {
		t.Errorf("client auth = %q/%q, want secret/hunter2", cfg.ClientAuthMode, cfg.ClientAuthSecret)
	}
	if cfg.RateLimitPerSec != 2.5 || cfg.RateLimitBurst != 4 {
		t.Errorf("rate limit = %v/%d, want 2.5/4", cfg.RateLimitPerSec, cfg.RateLimitBurst)
	}
}

func TestPerSideRateOverrides(t *testing.T) {
	t.Setenv("TRACEGATE_RATE_LIMIT", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TracerRate() != 5 || cfg.ClientRate() != 5 {
		t.Errorf("rates = %v/%v, want shared 5/5", cfg.TracerRate(), cfg.ClientRate())
	}

	// A per-side rate overrides the shared one for that side only.
	t.Setenv("TRACEGATE_TRACER_RATE_LIMIT", "20")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TracerRate() != 20 {
		t.Errorf("TracerRate() = %v, want override 20", cfg.TracerRate())
	}
	if cfg.ClientRate() != 5 {
		t.Errorf("ClientRate() = %v, want shared 5", cfg.ClientRate())
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad tracer port", "TRACEGATE_TRACER_PORT", "not-a-port"},
		{"port out of range", "TRACEGATE_TRACER_PORT", "70000"},
		{"bad auth timeout", "TRACEGATE_AUTH_TIMEOUT", "soon"},
		{"zero auth timeout", "TRACEGATE_AUTH_TIMEOUT", "0"},
		{"negative attach timeout", "TRACEGATE_ATTACH_TIMEOUT", "-1"},
		{"bad disable mode", "TRACEGATE_TIMEOUT_DISABLE_MODE", "gentle"},
		{"bad tracer codec", "TRACEGATE_TRACER_CODEC", "pickle"},
		{"route without uuid", "TRACEGATE_ROUTE", "/debug/sessions"},
		{"unknown auth mode", "TRACEGATE_CLIENT_AUTH_MODE", "telepathy"},
		{"bad transcripts", "TRACEGATE_TRANSCRIPTS", "tape"},
		{"bad rate", "TRACEGATE_RATE_LIMIT", "fast"},
		{"bad tracer rate", "TRACEGATE_TRACER_RATE_LIMIT", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() accepted %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidateAuthModeRequiresSecret(t *testing.T) {
	for _, mode := range []string{AuthModeSecret, AuthModeBcrypt, AuthModeJWT} {
		t.Run(mode, func(t *testing.T) {
			t.Setenv("TRACEGATE_TRACER_AUTH_MODE", mode)
			if _, err := Load(); err == nil {
				t.Errorf("Load() accepted auth mode %q without a secret", mode)
			}
		})
	}
}

func TestValidateOIDCRequiresIssuer(t *testing.T) {
	t.Setenv("TRACEGATE_CLIENT_AUTH_MODE", "oidc")
	if _, err := Load(); err == nil {
		t.Error("Load() accepted oidc auth without issuer and client id")
	}

	t.Setenv("TRACEGATE_OIDC_ISSUER", "https://issuer.example")
	t.Setenv("TRACEGATE_OIDC_CLIENT_ID", "tracegate")
	if _, err := Load(); err != nil {
		t.Errorf("Load() error = %v with issuer and client id set", err)
	}
}

func TestValidateTranscripts(t *testing.T) {
	t.Run("local requires dir", func(t *testing.T) {
		t.Setenv("TRACEGATE_TRANSCRIPTS", "local")
		if _, err := Load(); err == nil {
			t.Error("Load() accepted local transcripts without a directory")
		}
		t.Setenv("TRACEGATE_TRANSCRIPT_DIR", "/var/lib/tracegate")
		if _, err := Load(); err != nil {
			t.Errorf("Load() error = %v with directory set", err)
		}
	})

	t.Run("s3 requires bucket and region", func(t *testing.T) {
		t.Setenv("TRACEGATE_TRANSCRIPTS", "s3")
		if _, err := Load(); err == nil {
			t.Error("Load() accepted s3 transcripts without bucket/region")
		}
		t.Setenv("TRACEGATE_S3_BUCKET", "transcripts")
		t.Setenv("TRACEGATE_S3_REGION", "us-east-1")
		if _, err := Load(); err != nil {
			t.Errorf("Load() error = %v with bucket and region set", err)
		}
	})
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{
		{Field: "TRACEGATE_TRACER_PORT", Message: "bad"},
		{Field: "TRACEGATE_ROUTE", Message: "worse"},
	}
	msg := errs.Error()
	if !strings.Contains(msg, "TRACEGATE_TRACER_PORT") || !strings.Contains(msg, "TRACEGATE_ROUTE") {
		t.Errorf("Error() = %q, want both fields mentioned", msg)
	}
}

func TestLoadWithFlags(t *testing.T) {
	cfg, err := LoadWithFlags(9100, 9200, "journal.db")
	if err != nil {
		t.Fatalf("LoadWithFlags() error = %v", err)
	}
	if cfg.TracerPort != 9100 || cfg.ClientPort != 9200 {
		t.Errorf("ports = %d/%d, want 9100/9200", cfg.TracerPort, cfg.ClientPort)
	}
	if cfg.JournalDB != "journal.db" {
		t.Errorf("JournalDB = %q, want journal.db", cfg.JournalDB)
	}

	// Default flag values do not override env.
	t.Setenv("TRACEGATE_TRACER_PORT", "9300")
	cfg, err = LoadWithFlags(DefaultTracerPort, DefaultClientPort, "")
	if err != nil {
		t.Fatalf("LoadWithFlags() error = %v", err)
	}
	if cfg.TracerPort != 9300 {
		t.Errorf("TracerPort = %d, want env value 9300", cfg.TracerPort)
	}
}
