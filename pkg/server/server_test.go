package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wayneeseguin/logstream/pkg/backends"
	"github.com/wayneeseguin/logstream/pkg/config"
	"github.com/wayneeseguin/logstream/pkg/types"
)

// startTestServer builds a file-backend-only server in a temp directory
// and runs its accept loop until the test ends.
func startTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *config.ServerConfig) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultServerConfig()
	cfg.Server.SocketPath = filepath.Join(dir, "logstream.sock")
	cfg.Storage.OutputDirectory = filepath.Join(dir, "logs")
	cfg.Backends.File.Compression = false
	cfg.Backends.Journald.Enabled = false
	cfg.Backends.Syslog.Enabled = false
	cfg.Backends.NATS.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, SilentErrorHandler)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
	})
	return srv, cfg
}

func dialAndHandshake(t *testing.T, socketPath, daemon string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", socketPath, err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", daemon); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	return conn
}

func sendEntry(t *testing.T, conn net.Conn, level types.Level, message string) {
	t.Helper()
	line, err := json.Marshal(map[string]interface{}{
		"level":   int(level),
		"message": message,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("entry write: %v", err)
	}
}

// readPersisted parses every entry currently in the active log file.
func readPersisted(t *testing.T, cfg *config.ServerConfig) []types.LogEntry {
	t.Helper()
	path := filepath.Join(cfg.Storage.OutputDirectory, backends.ActiveFileName)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("open active file: %v", err)
	}
	defer file.Close()

	var entries []types.LogEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry types.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("unmarshal persisted line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerPersistsEntries(t *testing.T) {
	srv, cfg := startTestServer(t, nil)

	conn := dialAndHandshake(t, cfg.Server.SocketPath, "svc-a")
	defer conn.Close()

	sendEntry(t, conn, types.LevelInfo, "starting up")
	sendEntry(t, conn, types.LevelWarning, "cache miss rate high")
	sendEntry(t, conn, types.LevelError, "upstream timeout")

	waitFor(t, 3*time.Second, "3 persisted entries", func() bool {
		return len(readPersisted(t, cfg)) == 3
	})

	entries := readPersisted(t, cfg)
	messages := []string{"starting up", "cache miss rate high", "upstream timeout"}
	for i, entry := range entries {
		if entry.Daemon != "svc-a" {
			t.Errorf("entry %d daemon = %q, want svc-a", i, entry.Daemon)
		}
		if entry.Message != messages[i] {
			t.Errorf("entry %d message = %q, want %q", i, entry.Message, messages[i])
		}
		if entry.ID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Errorf("entry %d has zero id", i)
		}
		if entry.Hostname == "" {
			t.Errorf("entry %d has empty hostname", i)
		}
		if i > 0 && entry.Timestamp.Before(entries[i-1].Timestamp) {
			t.Errorf("entry %d timestamp %v precedes entry %d timestamp %v",
				i, entry.Timestamp, i-1, entries[i-1].Timestamp)
		}
	}

	snap := srv.Metrics()
	if snap.EntriesReceived != 3 {
		t.Errorf("EntriesReceived = %d, want 3", snap.EntriesReceived)
	}
	if snap.EntriesByDaemon["svc-a"] != 3 {
		t.Errorf("EntriesByDaemon[svc-a] = %d, want 3", snap.EntriesByDaemon["svc-a"])
	}
}

func TestServerSkipsMalformedLines(t *testing.T) {
	srv, cfg := startTestServer(t, nil)

	conn := dialAndHandshake(t, cfg.Server.SocketPath, "svc-b")
	defer conn.Close()

	sendEntry(t, conn, types.LevelInfo, "before")
	if _, err := conn.Write([]byte("{not json at all\n")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	if _, err := conn.Write([]byte(`{"level":99,"message":"bad level"}` + "\n")); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	// The connection must survive the bad lines.
	sendEntry(t, conn, types.LevelInfo, "after")

	waitFor(t, 3*time.Second, "2 persisted entries", func() bool {
		return len(readPersisted(t, cfg)) == 2
	})

	entries := readPersisted(t, cfg)
	if entries[0].Message != "before" || entries[1].Message != "after" {
		t.Errorf("persisted messages = %q, %q; want before, after", entries[0].Message, entries[1].Message)
	}
	if got := srv.Metrics().MalformedLines; got != 2 {
		t.Errorf("MalformedLines = %d, want 2", got)
	}
}

func TestServerRejectsOverLimit(t *testing.T) {
	srv, cfg := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Server.MaxConnections = 1
	})

	first := dialAndHandshake(t, cfg.Server.SocketPath, "svc-held")
	defer first.Close()
	sendEntry(t, first, types.LevelInfo, "holding the slot")
	waitFor(t, 3*time.Second, "first session registered", func() bool {
		return srv.ActiveConnections() == 1
	})

	second, err := net.DialTimeout("unix", cfg.Server.SocketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	// Admission control closes the surplus connection without reading a
	// handshake; the client observes EOF.
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("surplus connection should have been closed by the server")
	}
	waitFor(t, 3*time.Second, "rejection counted", func() bool {
		return srv.Metrics().ConnectionsRejected == 1
	})

	// Closing the held slot frees capacity for a new client.
	first.Close()
	waitFor(t, 3*time.Second, "slot released", func() bool {
		return srv.ActiveConnections() == 0
	})
	third := dialAndHandshake(t, cfg.Server.SocketPath, "svc-next")
	defer third.Close()
	sendEntry(t, third, types.LevelInfo, "admitted")
	waitFor(t, 3*time.Second, "entry from recovered slot", func() bool {
		for _, entry := range readPersisted(t, cfg) {
			if entry.Daemon == "svc-next" {
				return true
			}
		}
		return false
	})
}

func TestServerClosesOversizedLine(t *testing.T) {
	_, cfg := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Server.BufferSize = 64
	})

	conn := dialAndHandshake(t, cfg.Server.SocketPath, "svc-noisy")
	defer conn.Close()

	// 64 * MaxLineMultiplier is the hard line limit; exceed it without a
	// newline so the scanner cannot complete the token.
	if _, err := conn.Write([]byte(strings.Repeat("x", 64*MaxLineMultiplier+1))); err != nil {
		t.Fatalf("oversized write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("server should close the connection on an oversized line")
	}
}

func TestServerShutdownPersistsInFlight(t *testing.T) {
	srv, cfg := startTestServer(t, nil)

	conn := dialAndHandshake(t, cfg.Server.SocketPath, "svc-final")
	sendEntry(t, conn, types.LevelNotice, "last words")
	waitFor(t, 3*time.Second, "entry received", func() bool {
		return srv.Metrics().EntriesReceived == 1
	})
	conn.Close()

	if err := srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	entries := readPersisted(t, cfg)
	if len(entries) != 1 || entries[0].Message != "last words" {
		t.Fatalf("persisted entries after shutdown = %+v, want the one in-flight entry", entries)
	}
	if _, err := os.Stat(cfg.Server.SocketPath); !os.IsNotExist(err) {
		t.Errorf("socket file should be removed on shutdown, stat err = %v", err)
	}

	// Dialing again must fail now that the socket is gone.
	if _, err := net.DialTimeout("unix", cfg.Server.SocketPath, 200*time.Millisecond); err == nil {
		t.Error("dial after shutdown should fail")
	}
}

func TestServerRejectsEmptyHandshake(t *testing.T) {
	srv, cfg := startTestServer(t, nil)

	conn, err := net.DialTimeout("unix", cfg.Server.SocketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("server should close a connection with an empty handshake")
	}
	waitFor(t, 3*time.Second, "session torn down", func() bool {
		return srv.ActiveConnections() == 0
	})
}
