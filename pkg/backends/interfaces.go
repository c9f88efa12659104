// Package backends implements the sinks that receive routed log entries:
// the durable file backend with its rotation engine, and the best-effort
// syslog, journald and NATS backends.
package backends

import (
	"github.com/wayneeseguin/logstream/pkg/types"
)

// Backend is the uniform write contract the router fans entries out to.
type Backend interface {
	// Name identifies the backend in diagnostics ("file", "syslog", ...).
	Name() string

	// Write delivers one entry. Implementations must preserve the order
	// of calls made from a single goroutine.
	Write(entry *types.LogEntry) error

	// Flush pushes buffered data towards durable storage.
	Flush() error

	// Close flushes and releases the backend. Write must not be called
	// after Close.
	Close() error
}
