package logfile

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
)

// Record is one parsed line of a log file.
type Record struct {
	Time    time.Time
	Stream  string
	Partial bool
	// Payload holds the original bytes of the record: it includes the line's
	// newline for full records and excludes the newline appended to partial
	// ones.
	Payload []byte
}

// ErrMalformedRecord is returned by ParseRecord for lines not written by
// Writer.
var ErrMalformedRecord = errors.New("malformed log record")

// ParseRecord parses a single log line, with or without its trailing newline.
// The returned payload aliases line.
func ParseRecord(line []byte) (Record, error) {
	line = bytes.TrimSuffix(line, newline)

	ts, rest, ok := cut(line)
	if !ok {
		return Record{}, ErrMalformedRecord
	}

	t, err := time.Parse(TimeFormat, string(ts))
	if err != nil {
		return Record{}, errors.Wrap(ErrMalformedRecord, err.Error())
	}

	stream, rest, ok := cut(rest)
	if !ok {
		return Record{}, ErrMalformedRecord
	}

	tag, payload, ok := cut(rest)
	if !ok || len(tag) != 1 {
		return Record{}, ErrMalformedRecord
	}

	r := Record{
		Time:   t,
		Stream: string(stream),
	}

	switch tag[0] {
	case 'P':
		r.Partial = true
		r.Payload = payload
	case 'F':
		// Restore the newline that ended the line.
		r.Payload = append(payload[:len(payload):len(payload)], '\n')
	default:
		return Record{}, ErrMalformedRecord
	}

	return r, nil
}

func cut(b []byte) (before, after []byte, ok bool) {
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return nil, nil, false
	}
	return b[:i], b[i+1:], true
}
