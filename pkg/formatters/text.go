package formatters

import (
	"sort"
	"strings"

	"github.com/wayneeseguin/logstream/pkg/types"
)

// TextFormatter emits human-readable lines:
//
//	2024-01-15 14:30:52.123 INFO auth-daemon: login succeeded user=admin
//
// Structured fields are appended as key=value pairs in sorted key order so
// output is stable.
type TextFormatter struct{}

// NewTextFormatter creates a new human-readable text formatter.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{}
}

// Format formats an entry as a human-readable line.
func (f *TextFormatter) Format(entry *types.LogEntry) ([]byte, error) {
	var b strings.Builder

	b.WriteString(entry.Timestamp.Format(HumanTimeFormat))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	b.WriteString(entry.Daemon)
	b.WriteString(": ")
	b.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(entry.Fields[k])
		}
	}
	b.WriteByte('\n')

	return []byte(b.String()), nil
}
