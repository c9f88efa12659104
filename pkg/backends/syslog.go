package backends

import (
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/pkg/formatters"
	"github.com/wayneeseguin/logstream/pkg/types"
)

// localSyslogPaths are probed in order when no remote server is
// configured.
var localSyslogPaths = []string{"/dev/log", "/var/run/syslog", "/var/run/log"}

// SyslogBackend forwards entries to a local or remote syslog daemon. It
// is best-effort: the router logs its failures and moves on.
type SyslogBackend struct {
	mu        sync.Mutex
	network   string
	address   string
	conn      net.Conn
	formatter *formatters.SyslogFormatter
}

// NewSyslogBackend connects to syslog. An empty address probes the common
// local socket paths; otherwise address is a remote "host:port" reached
// over UDP, syslog's traditional transport.
func NewSyslogBackend(address, facility string) (*SyslogBackend, error) {
	fac, err := formatters.ParseFacility(facility)
	if err != nil {
		return nil, err
	}

	network := "udp"
	if address == "" {
		for _, path := range localSyslogPaths {
			if _, err := os.Stat(path); err == nil {
				network, address = "unixgram", path
				break
			}
		}
		if address == "" {
			return nil, errors.New("no local syslog socket found")
		}
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrap(err, "dial syslog")
	}

	return &SyslogBackend{
		network:   network,
		address:   address,
		conn:      conn,
		formatter: formatters.NewSyslogFormatter(fac),
	}, nil
}

// Name implements Backend.
func (sb *SyslogBackend) Name() string { return "syslog" }

// Write forwards one entry as a syslog datagram/line. A failed write
// attempts one reconnect before giving up on the entry.
func (sb *SyslogBackend) Write(entry *types.LogEntry) error {
	data, err := sb.formatter.Format(entry)
	if err != nil {
		return errors.Wrap(err, "format syslog entry")
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, err := sb.conn.Write(data); err == nil {
		return nil
	}
	// The syslog daemon may have restarted; try a fresh connection once.
	conn, dialErr := net.Dial(sb.network, sb.address)
	if dialErr != nil {
		return errors.Wrap(dialErr, "reconnect syslog")
	}
	_ = sb.conn.Close()
	sb.conn = conn
	if _, err := sb.conn.Write(data); err != nil {
		return errors.Wrap(err, "write syslog entry")
	}
	return nil
}

// Flush is a no-op; syslog writes are unbuffered.
func (sb *SyslogBackend) Flush() error { return nil }

// Close closes the syslog connection.
func (sb *SyslogBackend) Close() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.conn.Close()
}
