// Package config provides configuration loading for the logstream server
// and client. Server configuration is read from a single YAML file; the
// command line may override individual values after loading.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/wayneeseguin/logstream/pkg/types"
)

// ServerConfig is the full configuration consumed by the server core.
type ServerConfig struct {
	Server   ServerSettings  `yaml:"server"`
	Storage  StorageSettings `yaml:"storage"`
	Backends BackendSettings `yaml:"backends"`
	Metrics  MetricsSettings `yaml:"metrics"`
}

// ServerSettings configures the socket acceptor.
type ServerSettings struct {
	// SocketPath is the Unix domain socket the server binds.
	SocketPath string `yaml:"socket_path"`

	// MaxConnections is the admission limit. A connection accepted while
	// this many sessions are live is closed before its handshake is read.
	MaxConnections int `yaml:"max_connections"`

	// BufferSize seeds each session's read buffer. A line longer than a
	// fixed multiple of this size is a protocol violation.
	BufferSize int `yaml:"buffer_size"`
}

// StorageSettings configures the file backend's directory and rotation.
type StorageSettings struct {
	OutputDirectory string           `yaml:"output_directory"`
	MaxFileSize     int64            `yaml:"max_file_size"`
	Rotation        RotationSettings `yaml:"rotation"`
}

// RotationSettings controls rotation and retention of archived files.
type RotationSettings struct {
	Enabled bool `yaml:"enabled"`

	// MaxAgeHours removes archived files older than this many hours.
	MaxAgeHours int `yaml:"max_age_hours"`

	// KeepFiles caps how many archived files are retained. The active
	// file does not count against the cap.
	KeepFiles int `yaml:"keep_files"`
}

// BackendSettings holds the per-backend enable flags and options. The set
// of enabled backends is fixed at startup.
type BackendSettings struct {
	File     FileBackendSettings     `yaml:"file"`
	Journald JournaldBackendSettings `yaml:"journald"`
	Syslog   SyslogBackendSettings   `yaml:"syslog"`
	NATS     NATSBackendSettings     `yaml:"nats"`
}

// FileBackendSettings configures the durable file backend.
type FileBackendSettings struct {
	Enabled bool `yaml:"enabled"`

	// Format selects the record encoding: "json", "human" or "syslog".
	Format string `yaml:"format"`

	// Compression compresses rotated files asynchronously.
	Compression bool `yaml:"compression"`

	// CompressionAlgorithm is "gzip" or "lz4".
	CompressionAlgorithm string `yaml:"compression_algorithm"`
}

// JournaldBackendSettings configures the best-effort journald backend.
type JournaldBackendSettings struct {
	Enabled bool `yaml:"enabled"`

	// SyslogIdentifier overrides the identifier attached to forwarded
	// entries. When empty the entry's daemon name is used.
	SyslogIdentifier string `yaml:"syslog_identifier"`
}

// SyslogBackendSettings configures the best-effort syslog backend.
type SyslogBackendSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Facility string `yaml:"facility"`

	// Server is a remote syslog address ("host:port"). Empty means the
	// local syslog socket.
	Server string `yaml:"server"`
}

// NATSBackendSettings configures the optional best-effort NATS relay.
type NATSBackendSettings struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`

	// SubjectPrefix prefixes the per-daemon publish subject.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsSettings configures the metrics exporter collaborator. The core
// only maintains counters; serving them over HTTP happens elsewhere.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// ClientConfig configures a logstream client.
type ClientConfig struct {
	SocketPath string      `yaml:"socket_path"`
	DaemonName string      `yaml:"daemon_name"`
	MinLevel   types.Level `yaml:"min_level"`

	// ConnectTimeout bounds the connect and handshake phases together.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// QueueSize bounds the local buffer used while disconnected. When the
	// queue is full the oldest buffered entry is dropped.
	QueueSize int `yaml:"queue_size"`

	// InitialBackoff and MaxBackoff bound the reconnect delay. The delay
	// doubles per consecutive failure and resets on a successful handshake.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Server: ServerSettings{
			SocketPath:     "/tmp/logstream.sock",
			MaxConnections: 1000,
			BufferSize:     8192,
		},
		Storage: StorageSettings{
			OutputDirectory: "/var/log/logstream",
			MaxFileSize:     100 * 1024 * 1024,
			Rotation: RotationSettings{
				Enabled:     true,
				MaxAgeHours: 24,
				KeepFiles:   7,
			},
		},
		Backends: BackendSettings{
			File: FileBackendSettings{
				Enabled:              true,
				Format:               "json",
				Compression:          false,
				CompressionAlgorithm: "gzip",
			},
			NATS: NATSBackendSettings{
				SubjectPrefix: "logstream",
			},
		},
		Metrics: MetricsSettings{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// DefaultClientConfig returns the built-in client defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		SocketPath:     "/tmp/logstream.sock",
		DaemonName:     "unknown",
		MinLevel:       types.LevelInfo,
		ConnectTimeout: 5 * time.Second,
		QueueSize:      1024,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// LoadServerConfig reads and validates a YAML server configuration file.
// Values absent from the file keep their defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is operator-supplied
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a server configuration for values the server cannot
// start with.
func (c *ServerConfig) Validate() error {
	if c.Server.SocketPath == "" {
		return errors.New("socket path cannot be empty")
	}
	if c.Server.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.Server.BufferSize <= 0 {
		return errors.New("buffer_size must be positive")
	}
	if c.Backends.File.Enabled {
		if c.Storage.OutputDirectory == "" {
			return errors.New("output_directory cannot be empty when the file backend is enabled")
		}
		if c.Storage.MaxFileSize <= 0 {
			return errors.New("max_file_size must be positive")
		}
		switch c.Backends.File.Format {
		case "json", "human", "syslog":
		default:
			return errors.Errorf("unknown file format %q", c.Backends.File.Format)
		}
		if c.Backends.File.Compression {
			switch c.Backends.File.CompressionAlgorithm {
			case "gzip", "lz4":
			default:
				return errors.Errorf("unknown compression algorithm %q", c.Backends.File.CompressionAlgorithm)
			}
		}
	}
	if c.Storage.Rotation.Enabled {
		if c.Storage.Rotation.MaxAgeHours < 0 {
			return errors.New("max_age_hours cannot be negative")
		}
		if c.Storage.Rotation.KeepFiles < 0 {
			return errors.New("keep_files cannot be negative")
		}
	}
	if c.Backends.NATS.Enabled && c.Backends.NATS.URL == "" {
		return errors.New("nats url cannot be empty when the nats backend is enabled")
	}
	return nil
}

// Validate checks a client configuration.
func (c *ClientConfig) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket path cannot be empty")
	}
	if c.DaemonName == "" {
		return errors.New("daemon name cannot be empty")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue_size must be positive")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return errors.New("backoff bounds are inconsistent")
	}
	return nil
}
