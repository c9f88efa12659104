// Package formatters encodes log entries into the line formats the file
// backend persists: JSON, human-readable text, and syslog-style lines.
package formatters

import (
	"github.com/wayneeseguin/logstream/pkg/types"
)

// Formatter encodes one entry as a single output line. The returned bytes
// include the trailing newline; an entry is never split across lines.
type Formatter interface {
	Format(entry *types.LogEntry) ([]byte, error)
}

// HumanTimeFormat is the timestamp layout used by the human-readable format.
const HumanTimeFormat = "2006-01-02 15:04:05.000"
