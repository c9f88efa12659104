package backends

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/pkg/types"
)

// journaldSocketPath is systemd-journald's native protocol socket.
const journaldSocketPath = "/run/systemd/journal/socket"

// JournaldBackend forwards entries to systemd-journald over its native
// datagram protocol. Best-effort, like syslog.
type JournaldBackend struct {
	mu         sync.Mutex
	conn       *net.UnixConn
	identifier string
}

// JournaldAvailable reports whether the journald socket exists on this
// host.
func JournaldAvailable() bool {
	_, err := os.Stat(journaldSocketPath)
	return err == nil
}

// NewJournaldBackend connects to the local journald socket. identifier
// overrides SYSLOG_IDENTIFIER on forwarded entries; when empty, each
// entry's daemon name is used.
func NewJournaldBackend(identifier string) (*JournaldBackend, error) {
	addr := &net.UnixAddr{Name: journaldSocketPath, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial journald")
	}
	return &JournaldBackend{conn: conn, identifier: identifier}, nil
}

// Name implements Backend.
func (jb *JournaldBackend) Name() string { return "journald" }

// Write sends one entry as a journald datagram.
func (jb *JournaldBackend) Write(entry *types.LogEntry) error {
	payload := jb.encode(entry)

	jb.mu.Lock()
	defer jb.mu.Unlock()
	if _, err := jb.conn.Write(payload); err != nil {
		return errors.Wrap(err, "write journald entry")
	}
	return nil
}

// encode serializes an entry in journald's native field format: one
// FIELD=value line per field, with a length-prefixed binary form for
// values containing newlines.
func (jb *JournaldBackend) encode(entry *types.LogEntry) []byte {
	var b bytes.Buffer

	identifier := jb.identifier
	if identifier == "" {
		identifier = entry.Daemon
	}

	appendField(&b, "MESSAGE", entry.Message)
	appendField(&b, "PRIORITY", strconv.Itoa(int(entry.Level)))
	appendField(&b, "SYSLOG_IDENTIFIER", identifier)
	appendField(&b, "LOGSTREAM_ID", entry.ID.String())
	appendField(&b, "LOGSTREAM_DAEMON", entry.Daemon)
	if entry.PID != 0 {
		appendField(&b, "LOGSTREAM_PID", strconv.Itoa(entry.PID))
	}
	if entry.Hostname != "" {
		appendField(&b, "LOGSTREAM_HOSTNAME", entry.Hostname)
	}
	for key, value := range entry.Fields {
		appendField(&b, fieldName(key), value)
	}
	return b.Bytes()
}

// fieldName maps a user field key onto journald's [A-Z0-9_] namespace,
// prefixed to avoid colliding with trusted journal fields.
func fieldName(key string) string {
	var b strings.Builder
	b.WriteString("LOGSTREAM_F_")
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func appendField(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	if strings.ContainsRune(value, '\n') {
		// Binary form: NAME \n <64-bit LE length> <value> \n
		b.WriteByte('\n')
		var size [8]byte
		binary.LittleEndian.PutUint64(size[:], uint64(len(value)))
		b.Write(size[:])
		b.WriteString(value)
	} else {
		b.WriteByte('=')
		b.WriteString(value)
	}
	b.WriteByte('\n')
}

// Flush is a no-op; datagrams are unbuffered.
func (jb *JournaldBackend) Flush() error { return nil }

// Close closes the journald connection.
func (jb *JournaldBackend) Close() error {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.conn.Close()
}
