package journal

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"git.unix.lgbt/diamondburned/ctrmon/ctrmon"
	"github.com/pkg/errors"
)

// Event describes the JSON structure of an event to be written.
type Event struct {
	Time time.Time    `json:"time"`
	Type string       `json:"type"`
	Data ctrmon.Event `json:"data"`
}

// Writer is a simple journaler that writes line-delimited JSON events into the
// writer.
type Writer struct {
	w   io.Writer
	now func() time.Time
}

var _ ctrmon.Journaler = Writer{}

// NewWriter creates a new journal writer.
func NewWriter(w io.Writer) Writer {
	return Writer{w, time.Now}
}

// Write writes the given event into the writer. Each event is written with a
// single Write call, so appends to a file opened with O_APPEND are atomic.
func (l Writer) Write(ev ctrmon.Event) error {
	evJSON := Event{
		Time: l.now(),
		Type: ev.Type(),
		Data: ev,
	}

	buf := bytes.Buffer{}
	buf.Grow(512)

	// Encode appends the new line.
	if err := json.NewEncoder(&buf).Encode(evJSON); err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	_, err := l.w.Write(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "failed to write event")
	}

	return nil
}
