// Package config provides centralized configuration management for Tracegate.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail
// fast with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AllowOrphans disables the attach timeout: a lone half stays in the session
// store until something terminates it explicitly.
const AllowOrphans = time.Duration(0)

// Auth modes selectable per side.
const (
	AuthModeNone   = "none"
	AuthModeSecret = "secret"
	AuthModeBcrypt = "bcrypt"
	AuthModeJWT    = "jwt"
	AuthModeOIDC   = "oidc"
)

// Transcript storage backends.
const (
	TranscriptsNone  = "none"
	TranscriptsLocal = "local"
	TranscriptsS3    = "s3"
)

// Tracer payload codecs.
const (
	CodecMsgpack = "msgpack"
	CodecJSON    = "json"
)

// Config holds all application configuration.
type Config struct {
	// Listener configuration
	TracerHost string
	TracerPort int
	ClientHost string
	ClientPort int
	RouteFmt   string

	// TracerCodec selects the opaque-blob serialization on the tracer side.
	TracerCodec string

	// Session configuration
	AuthTimeout        time.Duration
	AttachTimeout      time.Duration // AllowOrphans disables it
	InactivityTimeout  time.Duration
	SweepInterval      time.Duration
	TimeoutDisableMode string

	// Authentication configuration
	TracerAuthMode   string
	TracerAuthSecret string
	ClientAuthMode   string
	ClientAuthSecret string
	OIDCIssuer       string
	OIDCClientID     string

	// Journal configuration ("" disables the journal)
	JournalDB string

	// Transcript configuration
	TranscriptStore   string
	TranscriptDir     string
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3Prefix          string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Rate limiting (connections per second per IP; 0 disables). The shared
	// rate applies to both listeners unless a per-side rate overrides it.
	RateLimitPerSec float64
	TracerRateLimit float64
	ClientRateLimit float64
	RateLimitBurst  int

	// Logging
	LogLevel string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultTracerPort         = 8001
	DefaultClientPort         = 8002
	DefaultRouteFmt           = "/debug/sessions/{uuid}"
	DefaultAuthTimeout        = 60 * time.Second
	DefaultAttachTimeout      = 60 * time.Second
	DefaultInactivityTimeout  = 1 * time.Hour
	DefaultSweepInterval      = 5 * time.Second
	DefaultTimeoutDisableMode = "soft"
	DefaultRateLimitBurst     = 10
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		TracerPort:         DefaultTracerPort,
		ClientPort:         DefaultClientPort,
		RouteFmt:           DefaultRouteFmt,
		TracerCodec:        CodecMsgpack,
		AuthTimeout:        DefaultAuthTimeout,
		AttachTimeout:      DefaultAttachTimeout,
		InactivityTimeout:  DefaultInactivityTimeout,
		SweepInterval:      DefaultSweepInterval,
		TimeoutDisableMode: DefaultTimeoutDisableMode,
		TracerAuthMode:     AuthModeNone,
		ClientAuthMode:     AuthModeNone,
		TranscriptStore:    TranscriptsNone,
		RateLimitBurst:     DefaultRateLimitBurst,
		LogLevel:           "info",
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	parsePort := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				parseErrors = append(parseErrors, ValidationError{
					Field:   name,
					Message: fmt.Sprintf("invalid port number: %q (must be an integer)", v),
				})
			} else {
				*dst = port
			}
		}
	}

	parseSeconds := func(name string, dst *time.Duration, allowZero bool) {
		if v := os.Getenv(name); v != "" {
			seconds, err := strconv.Atoi(v)
			switch {
			case err != nil:
				parseErrors = append(parseErrors, ValidationError{
					Field:   name,
					Message: fmt.Sprintf("invalid timeout: %q (must be an integer representing seconds)", v),
				})
			case seconds < 0 || (seconds == 0 && !allowZero):
				parseErrors = append(parseErrors, ValidationError{
					Field:   name,
					Message: fmt.Sprintf("timeout must be positive: %d", seconds),
				})
			default:
				*dst = time.Duration(seconds) * time.Second
			}
		}
	}

	if v := os.Getenv("TRACEGATE_TRACER_HOST"); v != "" {
		c.TracerHost = v
	}
	parsePort("TRACEGATE_TRACER_PORT", &c.TracerPort)

	if v := os.Getenv("TRACEGATE_CLIENT_HOST"); v != "" {
		c.ClientHost = v
	}
	parsePort("TRACEGATE_CLIENT_PORT", &c.ClientPort)

	if v := os.Getenv("TRACEGATE_ROUTE"); v != "" {
		c.RouteFmt = v
	}

	if v := os.Getenv("TRACEGATE_TRACER_CODEC"); v != "" {
		c.TracerCodec = strings.ToLower(v)
	}

	parseSeconds("TRACEGATE_AUTH_TIMEOUT", &c.AuthTimeout, false)
	// Zero means orphans are admitted with no attach deadline.
	parseSeconds("TRACEGATE_ATTACH_TIMEOUT", &c.AttachTimeout, true)
	parseSeconds("TRACEGATE_SWEEP_INTERVAL", &c.SweepInterval, false)

	if v := os.Getenv("TRACEGATE_INACTIVITY_TIMEOUT"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TRACEGATE_INACTIVITY_TIMEOUT",
				Message: fmt.Sprintf("invalid timeout: %q (must be an integer representing minutes)", v),
			})
		} else if minutes <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TRACEGATE_INACTIVITY_TIMEOUT",
				Message: fmt.Sprintf("timeout must be positive: %d", minutes),
			})
		} else {
			c.InactivityTimeout = time.Duration(minutes) * time.Minute
		}
	}

	if v := os.Getenv("TRACEGATE_TIMEOUT_DISABLE_MODE"); v != "" {
		c.TimeoutDisableMode = v
	}

	if v := os.Getenv("TRACEGATE_TRACER_AUTH_MODE"); v != "" {
		c.TracerAuthMode = v
	}
	if v := os.Getenv("TRACEGATE_TRACER_AUTH_SECRET"); v != "" {
		c.TracerAuthSecret = v
	}
	if v := os.Getenv("TRACEGATE_CLIENT_AUTH_MODE"); v != "" {
		c.ClientAuthMode = v
	}
	if v := os.Getenv("TRACEGATE_CLIENT_AUTH_SECRET"); v != "" {
		c.ClientAuthSecret = v
	}
	if v := os.Getenv("TRACEGATE_OIDC_ISSUER"); v != "" {
		c.OIDCIssuer = v
	}
	if v := os.Getenv("TRACEGATE_OIDC_CLIENT_ID"); v != "" {
		c.OIDCClientID = v
	}

	if v := os.Getenv("TRACEGATE_JOURNAL_DB"); v != "" {
		c.JournalDB = v
	}

	if v := os.Getenv("TRACEGATE_TRANSCRIPTS"); v != "" {
		c.TranscriptStore = v
	}
	if v := os.Getenv("TRACEGATE_TRANSCRIPT_DIR"); v != "" {
		c.TranscriptDir = v
	}
	if v := os.Getenv("TRACEGATE_S3_BUCKET"); v != "" {
		c.S3Bucket = v
	}
	if v := os.Getenv("TRACEGATE_S3_REGION"); v != "" {
		c.S3Region = v
	}
	if v := os.Getenv("TRACEGATE_S3_ENDPOINT"); v != "" {
		c.S3Endpoint = v
	}
	if v := os.Getenv("TRACEGATE_S3_PREFIX"); v != "" {
		c.S3Prefix = v
	}
	if v := os.Getenv("TRACEGATE_S3_ACCESS_KEY_ID"); v != "" {
		c.S3AccessKeyID = v
	}
	if v := os.Getenv("TRACEGATE_S3_SECRET_ACCESS_KEY"); v != "" {
		c.S3SecretAccessKey = v
	}

	parseRate := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			rps, err := strconv.ParseFloat(v, 64)
			if err != nil || rps < 0 {
				parseErrors = append(parseErrors, ValidationError{
					Field:   name,
					Message: fmt.Sprintf("invalid rate: %q (must be a non-negative number)", v),
				})
			} else {
				*dst = rps
			}
		}
	}
	parseRate("TRACEGATE_RATE_LIMIT", &c.RateLimitPerSec)
	parseRate("TRACEGATE_TRACER_RATE_LIMIT", &c.TracerRateLimit)
	parseRate("TRACEGATE_CLIENT_RATE_LIMIT", &c.ClientRateLimit)
	if v := os.Getenv("TRACEGATE_RATE_LIMIT_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil || burst <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "TRACEGATE_RATE_LIMIT_BURST",
				Message: fmt.Sprintf("invalid burst: %q (must be a positive integer)", v),
			})
		} else {
			c.RateLimitBurst = burst
		}
	}

	if v := os.Getenv("TRACEGATE_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.TracerPort < 0 || c.TracerPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "TRACEGATE_TRACER_PORT",
			Message: fmt.Sprintf("port must be between 0 and 65535, got %d", c.TracerPort),
		})
	}
	if c.ClientPort < 0 || c.ClientPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "TRACEGATE_CLIENT_PORT",
			Message: fmt.Sprintf("port must be between 0 and 65535, got %d", c.ClientPort),
		})
	}

	if !strings.Contains(c.RouteFmt, "{uuid}") {
		errs = append(errs, ValidationError{
			Field:   "TRACEGATE_ROUTE",
			Message: fmt.Sprintf("route %q has no {uuid} slot", c.RouteFmt),
		})
	}

	if c.TracerCodec != CodecMsgpack && c.TracerCodec != CodecJSON {
		errs = append(errs, ValidationError{
			Field:   "TRACEGATE_TRACER_CODEC",
			Message: fmt.Sprintf("must be \"msgpack\" or \"json\", got %q", c.TracerCodec),
		})
	}

	if c.TimeoutDisableMode != "hard" && c.TimeoutDisableMode != "soft" {
		errs = append(errs, ValidationError{
			Field:   "TRACEGATE_TIMEOUT_DISABLE_MODE",
			Message: fmt.Sprintf("must be \"hard\" or \"soft\", got %q", c.TimeoutDisableMode),
		})
	}

	errs = append(errs, c.validateAuthMode("TRACEGATE_TRACER_AUTH_MODE", c.TracerAuthMode, c.TracerAuthSecret)...)
	errs = append(errs, c.validateAuthMode("TRACEGATE_CLIENT_AUTH_MODE", c.ClientAuthMode, c.ClientAuthSecret)...)

	switch c.TranscriptStore {
	case TranscriptsNone:
	case TranscriptsLocal:
		if c.TranscriptDir == "" {
			errs = append(errs, ValidationError{
				Field:   "TRACEGATE_TRANSCRIPT_DIR",
				Message: "transcript directory required for local transcript storage",
			})
		}
	case TranscriptsS3:
		if c.S3Bucket == "" {
			errs = append(errs, ValidationError{
				Field:   "TRACEGATE_S3_BUCKET",
				Message: "bucket required for S3 transcript storage",
			})
		}
		if c.S3Region == "" {
			errs = append(errs, ValidationError{
				Field:   "TRACEGATE_S3_REGION",
				Message: "region required for S3 transcript storage",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "TRACEGATE_TRANSCRIPTS",
			Message: fmt.Sprintf("must be \"none\", \"local\" or \"s3\", got %q", c.TranscriptStore),
		})
	}

	return errs
}

// validateAuthMode checks one side's auth mode and its parameters.
func (c *Config) validateAuthMode(field, mode, secret string) ValidationErrors {
	var errs ValidationErrors
	switch mode {
	case AuthModeNone:
	case AuthModeSecret, AuthModeBcrypt, AuthModeJWT:
		if secret == "" {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("auth mode %q requires a secret", mode),
			})
		}
	case AuthModeOIDC:
		if c.OIDCIssuer == "" || c.OIDCClientID == "" {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "auth mode \"oidc\" requires TRACEGATE_OIDC_ISSUER and TRACEGATE_OIDC_CLIENT_ID",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("unknown auth mode %q", mode),
		})
	}
	return errs
}

// TracerRate returns the tracer listener's connection rate: the per-side
// override when set, the shared rate otherwise. Zero disables limiting.
func (c *Config) TracerRate() float64 {
	if c.TracerRateLimit > 0 {
		return c.TracerRateLimit
	}
	return c.RateLimitPerSec
}

// ClientRate is the client-listener counterpart of TracerRate.
func (c *Config) ClientRate() float64 {
	if c.ClientRateLimit > 0 {
		return c.ClientRateLimit
	}
	return c.RateLimitPerSec
}

// OrphansAllowed reports whether the attach timeout is disabled.
func (c *Config) OrphansAllowed() bool {
	return c.AttachTimeout <= AllowOrphans
}

// MustLoad loads configuration and exits the process if it fails.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}

// LoadWithFlags loads configuration from environment variables,
// then applies command-line flag overrides.
func LoadWithFlags(tracerPort, clientPort int, journalDB string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Apply flag overrides (only if non-default values provided)
	if tracerPort != 0 && tracerPort != DefaultTracerPort {
		cfg.TracerPort = tracerPort
	}
	if clientPort != 0 && clientPort != DefaultClientPort {
		cfg.ClientPort = clientPort
	}
	if journalDB != "" {
		cfg.JournalDB = journalDB
	}

	// Re-validate after applying overrides
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}
