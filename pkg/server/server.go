// Package server implements the logstream daemon core: the Unix socket
// acceptor, per-connection sessions, and the router that fans entries out
// to the configured backends.
package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/internal/metrics"
	"github.com/wayneeseguin/logstream/pkg/backends"
	"github.com/wayneeseguin/logstream/pkg/config"
	"github.com/wayneeseguin/logstream/pkg/features"
	"github.com/wayneeseguin/logstream/pkg/formatters"
)

// StderrErrorHandler writes internal failures to stderr. It is the
// default when no handler is configured.
var StderrErrorHandler features.ErrorHandler = func(source, path, msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "logstream: [%s] %s (%s): %v\n", source, msg, path, err)
	} else {
		fmt.Fprintf(os.Stderr, "logstream: [%s] %s (%s)\n", source, msg, path)
	}
}

// SilentErrorHandler discards all errors (used in tests).
var SilentErrorHandler features.ErrorHandler = func(source, path, msg string, err error) {}

// Server owns the accept loop, the backend set, and the background
// rotation/compression tasks.
type Server struct {
	cfg          *config.ServerConfig
	hostname     string
	collector    *metrics.Collector
	errorHandler features.ErrorHandler

	router      *Router
	fileBackend *backends.FileBackend
	allBackends []backends.Backend
	rotation    *features.RotationManager
	compression *features.CompressionManager

	listener     net.Listener
	activeConns  atomic.Int64
	shuttingDown atomic.Bool

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}
	sessionWg  sync.WaitGroup
}

// New builds a server from configuration. Failures that would leave the
// durable path broken (inaccessible output directory, locked active
// file) are returned as errors; best-effort backend failures are logged
// and the backend skipped.
func New(cfg *config.ServerConfig, errorHandler features.ErrorHandler) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if errorHandler == nil {
		errorHandler = StderrErrorHandler
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	s := &Server{
		cfg:          cfg,
		hostname:     hostname,
		collector:    metrics.NewCollector(),
		errorHandler: errorHandler,
		sessions:     make(map[*session]struct{}),
	}

	var durable backends.Backend
	if cfg.Backends.File.Enabled {
		if err := s.setupFileBackend(); err != nil {
			return nil, err
		}
		durable = s.fileBackend
	}

	var bestEffort []backends.Backend
	if cfg.Backends.Journald.Enabled {
		jb, err := backends.NewJournaldBackend(cfg.Backends.Journald.SyslogIdentifier)
		if err != nil {
			errorHandler("startup", "journald", "Journald backend unavailable, continuing without it", err)
		} else {
			bestEffort = append(bestEffort, jb)
			s.allBackends = append(s.allBackends, jb)
		}
	}
	if cfg.Backends.Syslog.Enabled {
		sb, err := backends.NewSyslogBackend(cfg.Backends.Syslog.Server, cfg.Backends.Syslog.Facility)
		if err != nil {
			errorHandler("startup", "syslog", "Syslog backend unavailable, continuing without it", err)
		} else {
			bestEffort = append(bestEffort, sb)
			s.allBackends = append(s.allBackends, sb)
		}
	}
	if cfg.Backends.NATS.Enabled {
		nb, err := backends.NewNATSBackend(cfg.Backends.NATS.URL, cfg.Backends.NATS.SubjectPrefix)
		if err != nil {
			errorHandler("startup", "nats", "NATS backend unavailable, continuing without it", err)
		} else {
			bestEffort = append(bestEffort, nb)
			s.allBackends = append(s.allBackends, nb)
		}
	}

	s.router = NewRouter(durable, bestEffort, errorHandler, s.collector)
	return s, nil
}

func (s *Server) setupFileBackend() error {
	fileCfg := s.cfg.Backends.File
	storage := s.cfg.Storage

	formatter, err := formatters.New(fileCfg.Format)
	if err != nil {
		return err
	}

	logPath := filepath.Join(storage.OutputDirectory, backends.ActiveFileName)
	rotation := features.NewRotationManager(logPath)
	rotation.SetErrorHandler(s.errorHandler)
	rotation.SetMetricsHandler(s.collector.TrackEvent)
	rotation.SetMaxAge(time.Duration(storage.Rotation.MaxAgeHours) * time.Hour)
	rotation.SetMaxFiles(storage.Rotation.KeepFiles)

	var compression *features.CompressionManager
	if fileCfg.Compression {
		algorithm, err := features.ParseCompressionAlgorithm(fileCfg.CompressionAlgorithm)
		if err != nil {
			return err
		}
		compression = features.NewCompressionManager(algorithm)
		compression.SetErrorHandler(s.errorHandler)
		compression.SetMetricsHandler(s.collector.TrackEvent)
	}

	fb, err := backends.NewFileBackend(backends.FileBackendOptions{
		Directory:       storage.OutputDirectory,
		Formatter:       formatter,
		MaxFileSize:     storage.MaxFileSize,
		RotationEnabled: storage.Rotation.Enabled,
		Rotation:        rotation,
		Compression:     compression,
		ErrorHandler:    s.errorHandler,
		OnWrite:         s.collector.EntryPersisted,
	})
	if err != nil {
		return err
	}

	s.fileBackend = fb
	s.rotation = rotation
	s.compression = compression
	s.allBackends = append(s.allBackends, fb)
	return nil
}

// Listen binds the configured Unix socket, replacing a stale socket file
// left by a previous run. Bind failure is fatal to startup.
func (s *Server) Listen() error {
	path := s.cfg.Server.SocketPath
	if info, err := os.Stat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return errors.Wrap(err, "remove stale socket")
		}
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrap(err, "bind socket")
	}
	s.listener = listener
	return nil
}

// Serve runs the accept loop until Shutdown closes the listener. An
// incoming connection over the admission limit is closed immediately,
// before any handshake is read. Acceptance never blocks on session work;
// each session runs in its own goroutine.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	if s.rotation != nil {
		s.rotation.Start()
	}
	if s.compression != nil {
		s.compression.Start()
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.reportError("accept", s.cfg.Server.SocketPath, "Accept failed", err)
			continue
		}

		if s.activeConns.Load() >= int64(s.cfg.Server.MaxConnections) {
			s.collector.ConnectionRejected()
			_ = conn.Close()
			continue
		}

		sess := &session{conn: conn, server: s}
		s.activeConns.Add(1)
		s.collector.ConnectionOpened()
		s.sessionsMu.Lock()
		s.sessions[sess] = struct{}{}
		s.sessionsMu.Unlock()
		s.sessionWg.Add(1)
		go sess.run()
	}
}

// ListenAndServe binds the socket and serves until shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Addr returns the bound socket address, for tests.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the live session count.
func (s *Server) ActiveConnections() int64 {
	return s.activeConns.Load()
}

// Metrics returns a snapshot of the server counters.
func (s *Server) Metrics() metrics.Snapshot {
	return s.collector.Snapshot()
}

// Shutdown stops accepting, lets sessions finish in-flight work for up
// to grace, forcibly closes whatever remains, then flushes and closes
// the backends and background tasks.
func (s *Server) Shutdown(grace time.Duration) error {
	s.shuttingDown.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	if !s.waitSessions(grace) {
		// Grace expired; abort the stragglers by closing their sockets.
		s.sessionsMu.Lock()
		for sess := range s.sessions {
			_ = sess.conn.Close()
		}
		s.sessionsMu.Unlock()
		s.waitSessions(5 * time.Second)
	}

	if s.rotation != nil {
		s.rotation.Stop()
	}

	var firstErr error
	for _, backend := range s.allBackends {
		if err := backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Compression drains after the file backend closes so rotations
	// performed during the final writes still get compressed.
	if s.compression != nil {
		s.compression.Stop()
	}

	if err := os.Remove(s.cfg.Server.SocketPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Server) waitSessions(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.sessionWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// sessionDone releases everything a session holds: its socket, its
// registry slot, and its admission-counter slot.
func (s *Server) sessionDone(sess *session) {
	_ = sess.conn.Close()
	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
	s.activeConns.Add(-1)
	s.collector.ConnectionClosed()
	s.sessionWg.Done()
}

func (s *Server) reportError(source, path, msg string, err error) {
	if s.errorHandler != nil {
		s.errorHandler(source, path, msg, err)
	}
}
