package server

import (
	"bufio"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/pkg/types"
)

// MaxLineMultiplier bounds a protocol line at this multiple of the
// configured buffer size. A longer line is a protocol violation and
// terminates the connection.
const MaxLineMultiplier = 8

// session handles one accepted connection: the handshake line naming the
// daemon, then a stream of newline-framed JSON entries. The daemon name
// is immutable for the connection's lifetime.
type session struct {
	conn   net.Conn
	server *Server

	daemon string
	parser types.WireParser

	// lastTimestamp enforces monotonically non-decreasing server
	// timestamps within this connection.
	lastTimestamp time.Time
}

// run reads the session to completion. Any return path releases the
// connection-count slot held by the acceptor.
func (s *session) run() {
	defer s.server.sessionDone(s)

	scanner := bufio.NewScanner(s.conn)
	bufSize := s.server.cfg.Server.BufferSize
	scanner.Buffer(make([]byte, bufSize), bufSize*MaxLineMultiplier)

	if err := s.handshake(scanner); err != nil {
		s.server.reportError("session", s.remote(), "Handshake failed", err)
		return
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}

	// Scanner termination: clean EOF leaves a nil error; an oversized
	// line surfaces as ErrTooLong and is a protocol violation, the
	// partial data discarded with the connection.
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.server.reportError("session", s.daemon, "Line exceeds protocol limit, closing connection", err)
		} else if !isClosedConn(err) {
			s.server.reportError("session", s.daemon, "Connection read failed", err)
		}
	}
}

// handshake reads the first line as the daemon's self-reported name. No
// acknowledgment is sent; entries may follow immediately.
func (s *session) handshake(scanner *bufio.Scanner) error {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return errors.Wrap(err, "read handshake")
		}
		return io.ErrUnexpectedEOF
	}
	name := strings.TrimSuffix(scanner.Text(), "\r")
	if name == "" {
		return errors.New("empty daemon name")
	}
	if !utf8.ValidString(name) {
		return errors.New("daemon name is not valid UTF-8")
	}
	s.daemon = name
	return nil
}

// handleLine parses one entry line and routes it. A malformed line is
// recorded and skipped; the rest of the daemon's stream is not penalized
// for one bad line.
func (s *session) handleLine(line []byte) {
	wire, err := s.parser.Parse(line)
	if err != nil {
		s.server.collector.MalformedLine()
		s.server.reportError("session", s.daemon, "Discarding malformed entry line", err)
		return
	}

	entry := &types.LogEntry{
		ID:        uuid.New(),
		Timestamp: s.nextTimestamp(),
		Level:     wire.Level,
		Daemon:    s.daemon,
		Message:   wire.Message,
		Fields:    wire.Fields,
		PID:       wire.PID,
		Hostname:  wire.Hostname,
	}
	if entry.Hostname == "" {
		entry.Hostname = s.server.hostname
	}

	s.server.collector.EntryReceived(s.daemon)
	// The router reports failures itself; the session keeps reading so a
	// transient file error does not drop the connection.
	_ = s.server.router.Route(entry)
}

// nextTimestamp returns the receipt time, clamped so timestamps never
// run backwards within the connection.
func (s *session) nextTimestamp() time.Time {
	ts := time.Now().UTC()
	if ts.Before(s.lastTimestamp) {
		ts = s.lastTimestamp
	}
	s.lastTimestamp = ts
	return ts
}

func (s *session) remote() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// isClosedConn reports whether err is the "use of closed network
// connection" produced when shutdown closes a session's socket.
func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
