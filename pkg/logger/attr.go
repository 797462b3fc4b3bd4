package logger

import (
	"log/slog"
	"strconv"
	"time"
)

// Attribute helpers use the empty Attr pattern for nil safety, so calls
// like log.Info("msg", logger.Error(err)) need no explicit nil checks.

// Group creates a group of attributes under a single key.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Error creates an attribute for a single error under the key "error".
// Returns an empty Attr for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Errors groups multiple non-nil errors under the key "errors", keyed by
// index to preserve order. Returns an empty Attr when all are nil.
func Errors(errs ...error) slog.Attr {
	count := 0
	for _, err := range errs {
		if err != nil {
			count++
		}
	}
	if count == 0 {
		return slog.Attr{}
	}

	as := make([]slog.Attr, 0, count)
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Component creates an attribute for component names.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Event creates an attribute for event names.
func Event(name string) slog.Attr {
	return slog.String("event", name)
}

// SessionID creates an attribute for session identifiers.
func SessionID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("session_id", id)
}

// KeyID creates an attribute for registry key identifiers. Key ids are
// opaque handles, safe to log.
func KeyID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("key_id", id)
}

// Category creates an attribute for storage categories.
func Category(c string) slog.Attr {
	return slog.String("category", c)
}

// Reason creates an attribute for termination or failure reasons.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// Result creates an attribute for operation results (success/failure).
func Result(result string) slog.Attr {
	return slog.String("result", result)
}

// Count creates a generic counter attribute.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}

// Duration creates an attribute for a duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Elapsed calculates and logs the duration since the start time.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
