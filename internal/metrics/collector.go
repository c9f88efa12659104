// Package metrics collects runtime counters for the logstream server. The
// collector only accumulates; exposing the snapshot over HTTP is the
// exporter collaborator's job.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Collector accumulates server counters. All methods are safe for
// concurrent use; counters are plain atomics on the hot path.
type Collector struct {
	entriesReceived  atomic.Uint64
	entriesPersisted atomic.Uint64
	malformedLines   atomic.Uint64
	backendErrors    atomic.Uint64
	rotations        atomic.Uint64
	compressions     atomic.Uint64
	retentionRemoved atomic.Uint64
	bytesWritten     atomic.Uint64
	connRejected     atomic.Uint64
	activeConns      atomic.Int64

	mu              sync.Mutex
	entriesByDaemon map[string]uint64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		entriesByDaemon: make(map[string]uint64),
	}
}

// EntryReceived records one validated entry read from a session.
func (c *Collector) EntryReceived(daemon string) {
	c.entriesReceived.Add(1)
	c.mu.Lock()
	c.entriesByDaemon[daemon]++
	c.mu.Unlock()
}

// EntryPersisted records a successful durable write of n bytes.
func (c *Collector) EntryPersisted(n int) {
	c.entriesPersisted.Add(1)
	if n > 0 {
		c.bytesWritten.Add(uint64(n))
	}
}

// MalformedLine records a protocol line that failed to parse.
func (c *Collector) MalformedLine() { c.malformedLines.Add(1) }

// BackendError records a failed backend write.
func (c *Collector) BackendError() { c.backendErrors.Add(1) }

// ConnectionRejected records a connection closed by admission control.
func (c *Collector) ConnectionRejected() { c.connRejected.Add(1) }

// ConnectionOpened increments the live-connection gauge.
func (c *Collector) ConnectionOpened() { c.activeConns.Add(1) }

// ConnectionClosed decrements the live-connection gauge.
func (c *Collector) ConnectionClosed() { c.activeConns.Add(-1) }

// TrackEvent records rotation/compression/retention events by name. The
// signature matches the handler hooks on the feature managers.
func (c *Collector) TrackEvent(event string) {
	switch event {
	case "rotation_completed":
		c.rotations.Add(1)
	case "compression_completed":
		c.compressions.Add(1)
	case "cleanup_completed":
		c.retentionRemoved.Add(1)
	}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	EntriesReceived     uint64            `json:"entries_received"`
	EntriesPersisted    uint64            `json:"entries_persisted"`
	MalformedLines      uint64            `json:"malformed_lines"`
	BackendErrors       uint64            `json:"backend_errors"`
	Rotations           uint64            `json:"rotations"`
	Compressions        uint64            `json:"compressions"`
	RetentionRemoved    uint64            `json:"retention_removed"`
	BytesWritten        uint64            `json:"bytes_written"`
	ConnectionsRejected uint64            `json:"connections_rejected"`
	ActiveConnections   int64             `json:"active_connections"`
	EntriesByDaemon     map[string]uint64 `json:"entries_by_daemon"`
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		EntriesReceived:     c.entriesReceived.Load(),
		EntriesPersisted:    c.entriesPersisted.Load(),
		MalformedLines:      c.malformedLines.Load(),
		BackendErrors:       c.backendErrors.Load(),
		Rotations:           c.rotations.Load(),
		Compressions:        c.compressions.Load(),
		RetentionRemoved:    c.retentionRemoved.Load(),
		BytesWritten:        c.bytesWritten.Load(),
		ConnectionsRejected: c.connRejected.Load(),
		ActiveConnections:   c.activeConns.Load(),
		EntriesByDaemon:     make(map[string]uint64),
	}
	c.mu.Lock()
	for daemon, count := range c.entriesByDaemon {
		snap.EntriesByDaemon[daemon] = count
	}
	c.mu.Unlock()
	return snap
}
