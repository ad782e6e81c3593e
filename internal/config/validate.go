package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"

	"github.com/breeze-rmm/hidlistener/internal/ipc"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop startup from those that
// were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup must be aborted.
func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped in place
// and reported as warnings; values the engine cannot run with are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.SocketPath) == "" {
		fatal("socket_path must not be empty")
	}

	if !c.Taps.Keyboard && !c.Taps.Media && !c.Taps.Mouse {
		fatal("taps: at least one of keyboard, media or mouse must be enabled")
	}

	if c.Websocket.URL != "" {
		u, err := url.Parse(c.Websocket.URL)
		if err != nil {
			fatal("websocket.url %q is not a valid URL: %w", c.Websocket.URL, err)
		} else {
			switch u.Scheme {
			case "http", "https", "ws", "wss":
			default:
				fatal("websocket.url scheme must be ws, wss, http or https, got %q", u.Scheme)
			}
		}
		for _, s := range c.Websocket.Streams {
			if !ipc.Stream(s).Valid() {
				fatal("websocket.streams: unknown stream %q", s)
			}
		}
	}

	for _, ch := range c.Websocket.Token {
		if unicode.IsControl(ch) {
			fatal("websocket.token contains control characters")
			break
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
		c.LogFormat = "text"
	}

	clamp := func(name string, v *int, lo, hi int) {
		if *v < lo {
			warn("%s %d is below minimum %d, clamping", name, *v, lo)
			*v = lo
		} else if *v > hi {
			warn("%s %d exceeds maximum %d, clamping", name, *v, hi)
			*v = hi
		}
	}
	clamp("owner_queue_size", &c.OwnerQueueSize, 16, 65536)
	clamp("consumer_queue_size", &c.ConsumerQueueSize, 16, 65536)
	clamp("websocket.queue_size", &c.Websocket.QueueSize, 16, 65536)
	clamp("health_interval_seconds", &c.HealthIntervalSeconds, 1, 3600)
	clamp("log_max_size_mb", &c.LogMaxSizeMB, 1, 1024)
	clamp("log_max_backups", &c.LogMaxBackups, 1, 100)

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}
