package types

import (
	"github.com/pkg/errors"
	"github.com/valyala/fastjson"
)

// WireEntry is the client-supplied portion of a log entry as it appears on
// one protocol line. Everything else on a persisted record (id, timestamp,
// daemon) is server-assigned.
type WireEntry struct {
	Level    Level
	Message  string
	Fields   LogFields
	PID      int
	Hostname string
}

// WireParser parses newline-framed wire entries. It is not safe for
// concurrent use; each session owns one parser so the underlying buffers
// are reused across lines.
type WireParser struct {
	parser fastjson.Parser
}

// Parse parses a single wire line into a WireEntry. The returned entry does
// not alias the input buffer.
func (p *WireParser) Parse(line []byte) (*WireEntry, error) {
	v, err := p.parser.ParseBytes(line)
	if err != nil {
		return nil, errors.Wrap(err, "parse entry line")
	}
	if v.Type() != fastjson.TypeObject {
		return nil, errors.New("entry line is not a JSON object")
	}

	lv := v.Get("level")
	if lv == nil {
		return nil, errors.New("entry missing level")
	}
	level, err := lv.Int()
	if err != nil {
		return nil, errors.Wrap(err, "entry level")
	}
	if !Level(level).Valid() {
		return nil, errors.Errorf("entry level %d out of range", level)
	}

	msg := v.Get("message")
	if msg == nil {
		return nil, errors.New("entry missing message")
	}
	msgBytes, err := msg.StringBytes()
	if err != nil {
		return nil, errors.Wrap(err, "entry message")
	}

	entry := &WireEntry{
		Level:   Level(level),
		Message: string(msgBytes),
	}

	if fv := v.Get("fields"); fv != nil && fv.Type() != fastjson.TypeNull {
		obj, err := fv.Object()
		if err != nil {
			return nil, errors.Wrap(err, "entry fields")
		}
		fields := make(LogFields, obj.Len())
		var visitErr error
		obj.Visit(func(key []byte, val *fastjson.Value) {
			if visitErr != nil {
				return
			}
			sb, err := val.StringBytes()
			if err != nil {
				visitErr = errors.Errorf("field %q is not a string", key)
				return
			}
			fields[string(key)] = string(sb)
		})
		if visitErr != nil {
			return nil, visitErr
		}
		entry.Fields = fields
	}

	if pv := v.Get("pid"); pv != nil && pv.Type() != fastjson.TypeNull {
		pid, err := pv.Int()
		if err != nil {
			return nil, errors.Wrap(err, "entry pid")
		}
		entry.PID = pid
	}

	if hv := v.Get("hostname"); hv != nil && hv.Type() != fastjson.TypeNull {
		hb, err := hv.StringBytes()
		if err != nil {
			return nil, errors.Wrap(err, "entry hostname")
		}
		entry.Hostname = string(hb)
	}

	return entry, nil
}
