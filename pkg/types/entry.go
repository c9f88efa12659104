// Package types defines the log entry model shared by the server, the
// backends, and the client.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogFields holds the structured key/value pairs attached to an entry.
// Keys are unique; insertion order is not significant.
type LogFields map[string]string

// Level is a syslog-compatible severity. Lower numeric values are more
// severe: 0 is Emergency, 7 is Debug.
type Level int

const (
	// LevelEmergency: system is unusable
	LevelEmergency Level = iota
	// LevelAlert: action must be taken immediately
	LevelAlert
	// LevelCritical: critical conditions
	LevelCritical
	// LevelError: error conditions
	LevelError
	// LevelWarning: warning conditions
	LevelWarning
	// LevelNotice: normal but significant condition
	LevelNotice
	// LevelInfo: informational messages
	LevelInfo
	// LevelDebug: debug-level messages
	LevelDebug
)

// Valid reports whether the level is within the syslog range.
func (l Level) Valid() bool {
	return l >= LevelEmergency && l <= LevelDebug
}

// String returns the short uppercase name used by the human-readable and
// syslog output formats.
func (l Level) String() string {
	switch l {
	case LevelEmergency:
		return "EMERG"
	case LevelAlert:
		return "ALERT"
	case LevelCritical:
		return "CRIT"
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARN"
	case LevelNotice:
		return "NOTICE"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel parses a level name as produced by Level.String. It accepts a
// few common aliases so config files can say "warning" or "err".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "EMERG", "emerg", "emergency":
		return LevelEmergency, nil
	case "ALERT", "alert":
		return LevelAlert, nil
	case "CRIT", "crit", "critical":
		return LevelCritical, nil
	case "ERROR", "error", "err":
		return LevelError, nil
	case "WARN", "warn", "warning":
		return LevelWarning, nil
	case "NOTICE", "notice":
		return LevelNotice, nil
	case "INFO", "info":
		return LevelInfo, nil
	case "DEBUG", "debug":
		return LevelDebug, nil
	}
	return LevelDebug, fmt.Errorf("unknown log level: %q", s)
}

// LogEntry is one structured log record. Entries are immutable once
// constructed. The id, timestamp and daemon fields are always assigned by
// the server and are never trusted from the wire.
type LogEntry struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Daemon    string    `json:"daemon"`
	Message   string    `json:"message"`
	Fields    LogFields `json:"fields,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
}

// NewEntry constructs an entry with a fresh random id and the current UTC
// time. Callers that need per-connection monotonic timestamps overwrite
// Timestamp after construction.
func NewEntry(level Level, daemon, message string) *LogEntry {
	return &LogEntry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Daemon:    daemon,
		Message:   message,
	}
}
