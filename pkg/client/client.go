// Package client implements the logstream client library: a non-blocking
// logger that connects to the daemon's Unix socket, buffers entries while
// disconnected, and reconnects with exponential backoff.
package client

import (
	"encoding/json"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/pkg/config"
	"github.com/wayneeseguin/logstream/pkg/types"
)

// State is the client connection state.
type State int32

const (
	// StateDisconnected: no usable connection; entries are buffered.
	StateDisconnected State = iota
	// StateConnecting: a dial attempt is in progress.
	StateConnecting
	// StateHandshaking: connected, sending the daemon name.
	StateHandshaking
	// StateConnected: handshake done, entries flow to the server.
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by logging calls after Close.
var ErrClosed = errors.New("client is closed")

// wireRecord is the line format sent to the server. The server assigns
// id, timestamp, and daemon itself.
type wireRecord struct {
	Level    types.Level     `json:"level"`
	Message  string          `json:"message"`
	Fields   types.LogFields `json:"fields,omitempty"`
	PID      int             `json:"pid,omitempty"`
	Hostname string          `json:"hostname,omitempty"`
}

// Client is a logstream client. Logging calls never block on the network:
// entries go through a bounded FIFO queue drained by a background
// goroutine, and when the queue is full the oldest entry is dropped to
// admit the newest. All methods are safe for concurrent use.
type Client struct {
	cfg      config.ClientConfig
	pid      int
	hostname string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool

	state   atomic.Int32
	dropped atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a client and starts its connection loop. The first dial
// happens in the background; entries logged before the handshake
// completes are buffered and flushed in order once connected.
func New(cfg *config.ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	c := &Client{
		cfg:      *cfg,
		pid:      os.Getpid(),
		hostname: hostname,
		done:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Dropped returns the number of entries discarded because the local
// queue was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Log queues one entry. Entries less severe than the configured minimum
// level are discarded without touching the queue.
func (c *Client) Log(level types.Level, message string, fields types.LogFields) error {
	if !level.Valid() {
		return errors.Errorf("invalid level %d", level)
	}
	if level > c.cfg.MinLevel {
		return nil
	}

	line, err := json.Marshal(wireRecord{
		Level:    level,
		Message:  message,
		Fields:   fields,
		PID:      c.pid,
		Hostname: c.hostname,
	})
	if err != nil {
		return errors.Wrap(err, "encode entry")
	}
	return c.enqueue(append(line, '\n'))
}

// Emergency logs at EMERG level.
func (c *Client) Emergency(message string) error { return c.Log(types.LevelEmergency, message, nil) }

// Alert logs at ALERT level.
func (c *Client) Alert(message string) error { return c.Log(types.LevelAlert, message, nil) }

// Critical logs at CRIT level.
func (c *Client) Critical(message string) error { return c.Log(types.LevelCritical, message, nil) }

// Error logs at ERROR level.
func (c *Client) Error(message string) error { return c.Log(types.LevelError, message, nil) }

// Warning logs at WARN level.
func (c *Client) Warning(message string) error { return c.Log(types.LevelWarning, message, nil) }

// Notice logs at NOTICE level.
func (c *Client) Notice(message string) error { return c.Log(types.LevelNotice, message, nil) }

// Info logs at INFO level.
func (c *Client) Info(message string) error { return c.Log(types.LevelInfo, message, nil) }

// Debug logs at DEBUG level.
func (c *Client) Debug(message string) error { return c.Log(types.LevelDebug, message, nil) }

// InfoWithFields logs at INFO level with structured fields.
func (c *Client) InfoWithFields(message string, fields types.LogFields) error {
	return c.Log(types.LevelInfo, message, fields)
}

// ErrorWithFields logs at ERROR level with structured fields.
func (c *Client) ErrorWithFields(message string, fields types.LogFields) error {
	return c.Log(types.LevelError, message, fields)
}

// Close stops the client. If a connection is live the remaining queue is
// flushed first; entries still queued while disconnected are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	return nil
}

func (c *Client) enqueue(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if len(c.queue) >= c.cfg.QueueSize {
		c.queue = c.queue[1:]
		c.dropped.Add(1)
	}
	c.queue = append(c.queue, line)
	c.cond.Signal()
	return nil
}

// requeueFront puts a line whose write failed back at the head of the
// queue so flush order is preserved across reconnects.
func (c *Client) requeueFront(line []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append([][]byte{line}, c.queue...)
	if len(c.queue) > c.cfg.QueueSize {
		c.queue = c.queue[1:]
		c.dropped.Add(1)
	}
}

// run is the connection loop: dial, handshake, drain the queue, and on
// any failure fall back to backoff-paced reconnection.
func (c *Client) run() {
	defer c.wg.Done()
	defer c.state.Store(int32(StateDisconnected))

	reconnect := newReconnectBackoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff)

	for {
		conn, err := c.connect()
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			if c.isClosed() {
				return
			}
			select {
			case <-time.After(reconnect.NextBackOff()):
			case <-c.done:
				return
			}
			continue
		}

		// A completed handshake resets the schedule; the next outage
		// starts from the initial delay again.
		reconnect.Reset()
		c.state.Store(int32(StateConnected))

		err = c.drain(conn)
		_ = conn.Close()
		c.state.Store(int32(StateDisconnected))
		if errors.Is(err, ErrClosed) || c.isClosed() {
			return
		}
		select {
		case <-time.After(reconnect.NextBackOff()):
		case <-c.done:
			return
		}
	}
}

// connect dials the socket and performs the handshake. The configured
// timeout covers both phases.
func (c *Client) connect() (net.Conn, error) {
	c.state.Store(int32(StateConnecting))
	deadline := time.Now().Add(c.cfg.ConnectTimeout)

	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	c.state.Store(int32(StateHandshaking))
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write([]byte(c.cfg.DaemonName + "\n")); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// drain sends queued lines in FIFO order until a write fails or the
// client closes. Returns ErrClosed on a clean close with an empty queue.
func (c *Client) drain(conn net.Conn) error {
	for {
		line, err := c.next()
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectTimeout))
		if _, err := conn.Write(line); err != nil {
			c.requeueFront(line)
			return errors.Wrap(err, "write entry")
		}
	}
}

// next blocks until a line is queued or the client is closed with
// nothing left to flush.
func (c *Client) next() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 {
		if c.closed {
			return nil, ErrClosed
		}
		c.cond.Wait()
	}
	line := c.queue[0]
	c.queue = c.queue[1:]
	return line, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// QueueLen returns the number of buffered entries, for tests and
// introspection.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
