package formatters

import (
	"github.com/pkg/errors"
)

// New creates the formatter named by a config's file format setting:
// "json", "human" or "syslog".
func New(format string) (Formatter, error) {
	switch format {
	case "json":
		return NewJSONFormatter(), nil
	case "human":
		return NewTextFormatter(), nil
	case "syslog":
		return NewSyslogFormatter(FacilityDaemon), nil
	}
	return nil, errors.Errorf("unknown format: %q", format)
}
