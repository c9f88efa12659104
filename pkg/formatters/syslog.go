package formatters

import (
	"fmt"
	"strings"

	"github.com/wayneeseguin/logstream/pkg/types"
)

// Syslog facility numbers (RFC 3164).
const (
	FacilityKern   = 0
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

// ParseFacility maps a facility name from configuration to its number.
// An empty name defaults to the daemon facility.
func ParseFacility(name string) (int, error) {
	switch name {
	case "", "daemon":
		return FacilityDaemon, nil
	case "kern":
		return FacilityKern, nil
	case "user":
		return FacilityUser, nil
	case "local0":
		return FacilityLocal0, nil
	case "local1":
		return FacilityLocal0 + 1, nil
	case "local2":
		return FacilityLocal0 + 2, nil
	case "local3":
		return FacilityLocal0 + 3, nil
	case "local4":
		return FacilityLocal0 + 4, nil
	case "local5":
		return FacilityLocal0 + 5, nil
	case "local6":
		return FacilityLocal0 + 6, nil
	case "local7":
		return FacilityLocal7, nil
	}
	return 0, fmt.Errorf("unknown syslog facility: %q", name)
}

// SyslogFormatter emits RFC 3164 style lines:
//
//	<30>Jan 15 14:30:52 host01 auth-daemon[812]: login succeeded
//
// The priority combines the configured facility with the entry's severity.
type SyslogFormatter struct {
	Facility int
}

// NewSyslogFormatter creates a syslog-line formatter for the given facility.
func NewSyslogFormatter(facility int) *SyslogFormatter {
	return &SyslogFormatter{Facility: facility}
}

// Priority returns the syslog priority value for a severity.
func (f *SyslogFormatter) Priority(level types.Level) int {
	return f.Facility*8 + int(level)
}

// Format formats an entry as a syslog-style line.
func (f *SyslogFormatter) Format(entry *types.LogEntry) ([]byte, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "<%d>", f.Priority(entry.Level))
	b.WriteString(entry.Timestamp.Format("Jan _2 15:04:05"))
	b.WriteByte(' ')
	if entry.Hostname != "" {
		b.WriteString(entry.Hostname)
		b.WriteByte(' ')
	}
	b.WriteString(entry.Daemon)
	if entry.PID != 0 {
		fmt.Fprintf(&b, "[%d]", entry.PID)
	}
	b.WriteString(": ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')

	return []byte(b.String()), nil
}
