package backends

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/pkg/types"
)

// NATSBackend relays entries onto a NATS subject per daemon, letting
// downstream consumers subscribe to live log streams. Best-effort: a
// publish failure never blocks the durable path.
type NATSBackend struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSBackend connects to the given NATS URL. subjectPrefix defaults
// to "logstream"; entries from daemon "svc-a" are published on
// "<prefix>.entries.svc-a".
func NewNATSBackend(url, subjectPrefix string) (*NATSBackend, error) {
	if subjectPrefix == "" {
		subjectPrefix = "logstream"
	}
	conn, err := nats.Connect(url,
		nats.Name("logstream-relay"),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to nats")
	}
	return &NATSBackend{conn: conn, subjectPrefix: subjectPrefix}, nil
}

// Name implements Backend.
func (nb *NATSBackend) Name() string { return "nats" }

// SubjectFor returns the publish subject for a daemon name, with
// characters that are significant in NATS subjects replaced.
func (nb *NATSBackend) SubjectFor(daemon string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, daemon)
	if sanitized == "" {
		sanitized = "unknown"
	}
	return nb.subjectPrefix + ".entries." + sanitized
}

// Write publishes one entry as JSON.
func (nb *NATSBackend) Write(entry *types.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal entry for nats")
	}
	if err := nb.conn.Publish(nb.SubjectFor(entry.Daemon), data); err != nil {
		return errors.Wrap(err, "publish entry")
	}
	return nil
}

// Flush waits for published entries to reach the server.
func (nb *NATSBackend) Flush() error {
	return nb.conn.Flush()
}

// Close drains and closes the NATS connection.
func (nb *NATSBackend) Close() error {
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return errors.Wrap(err, "drain nats connection")
	}
	return nil
}
