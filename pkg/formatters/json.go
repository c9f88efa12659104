package formatters

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/pkg/types"
)

// JSONFormatter emits one JSON object per line. This is the only format
// that round-trips: a persisted line unmarshals back into an equal entry.
type JSONFormatter struct{}

// NewJSONFormatter creates a new JSON formatter.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

// Format formats an entry as line-delimited JSON.
func (f *JSONFormatter) Format(entry *types.LogEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, errors.Wrap(err, "marshal entry")
	}
	return append(data, '\n'), nil
}
