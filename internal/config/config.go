// Package config provides configuration helpers for voicebridge.
// All settings come from environment variables with sensible defaults;
// required settings exit with a usage hint when missing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for the relay service.
const (
	DefaultPort          = "8080"
	DefaultUpstreamURL   = "wss://api.openai.com/v1/realtime"
	DefaultUpstreamModel = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVerifyTimeout = 10 * time.Second
	DefaultDialTimeout   = 10 * time.Second
	DefaultFlushTimeout  = 5 * time.Second
	DefaultBufferLimit   = 512
	DefaultUpstreamVoice = "alloy"
)

// Port returns the HTTP listen port from the PORT env var.
func Port() string {
	if p := os.Getenv("PORT"); p != "" {
		return p
	}
	return DefaultPort
}

// UpstreamURL returns the realtime API WebSocket endpoint.
func UpstreamURL() string {
	if u := os.Getenv("UPSTREAM_URL"); u != "" {
		return u
	}
	return DefaultUpstreamURL
}

// UpstreamModel returns the realtime model requested in the upstream dial.
func UpstreamModel() string {
	if m := os.Getenv("UPSTREAM_MODEL"); m != "" {
		return m
	}
	return DefaultUpstreamModel
}

// UpstreamVoice returns the voice configured in the session init message.
func UpstreamVoice() string {
	if v := os.Getenv("UPSTREAM_VOICE"); v != "" {
		return v
	}
	return DefaultUpstreamVoice
}

// UpstreamAPIKeyRequired returns the upstream service credential from
// UPSTREAM_API_KEY. Exits if not set.
func UpstreamAPIKeyRequired() string {
	key := os.Getenv("UPSTREAM_API_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "Error: UPSTREAM_API_KEY environment variable is required")
		fmt.Fprintln(os.Stderr, "Usage: UPSTREAM_API_KEY=sk-... VERIFY_URL=... USAGE_URL=... ./voicebridge")
		os.Exit(1)
	}
	return key
}

// VerifyURLRequired returns the entitlement verification endpoint from
// VERIFY_URL. Exits if not set.
func VerifyURLRequired() string {
	u := os.Getenv("VERIFY_URL")
	if u == "" {
		fmt.Fprintln(os.Stderr, "Error: VERIFY_URL environment variable is required")
		os.Exit(1)
	}
	return u
}

// UsageURLRequired returns the usage accounting endpoint from USAGE_URL.
// Exits if not set.
func UsageURLRequired() string {
	u := os.Getenv("USAGE_URL")
	if u == "" {
		fmt.Fprintln(os.Stderr, "Error: USAGE_URL environment variable is required")
		os.Exit(1)
	}
	return u
}

// LogLevel returns the log level from LOG_LEVEL, defaulting to "info".
func LogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		return l
	}
	return "info"
}

// LogFile returns an optional rotating log file path from LOG_FILE.
func LogFile() string {
	return os.Getenv("LOG_FILE")
}

// VerifyTimeout bounds the entitlement verification call.
func VerifyTimeout() time.Duration {
	return duration("VERIFY_TIMEOUT", DefaultVerifyTimeout)
}

// DialTimeout bounds the upstream WebSocket handshake.
func DialTimeout() time.Duration {
	return duration("DIAL_TIMEOUT", DefaultDialTimeout)
}

// FlushTimeout bounds the fire-and-forget usage flush on shutdown.
func FlushTimeout() time.Duration {
	return duration("FLUSH_TIMEOUT", DefaultFlushTimeout)
}

// BufferLimit is the pending-message queue capacity per session.
// 0 means unbounded.
func BufferLimit() int {
	if v := os.Getenv("SESSION_BUFFER_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return DefaultBufferLimit
}

func duration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
