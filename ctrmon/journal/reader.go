package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"git.unix.lgbt/diamondburned/ctrmon/ctrmon"
	"github.com/diamondburned/backwardio"
	"github.com/pkg/errors"
)

// Reader reads journals written by Writer from the newest event to the
// oldest.
type Reader struct {
	b *backwardio.Scanner
}

var _ ctrmon.JournalReader = (*Reader)(nil)

// NewReader creates a new journal reader.
func NewReader(r io.ReadSeeker) *Reader {
	return &Reader{backwardio.NewScanner(r)}
}

// Read reads a single entry, starting from the end of the file. An EOF error
// is returned if the file has been fully consumed.
func (r *Reader) Read() (ctrmon.Event, time.Time, error) {
	var line []byte
	var err error

	for {
		line, err = r.b.ReadUntil('\n')
		if err != nil {
			return nil, time.Time{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			break
		}
	}

	var rawEvent struct {
		Time time.Time       `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(line, &rawEvent); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "failed to decode JSON")
	}

	event := ctrmon.NewEvent(rawEvent.Type)
	if event == nil {
		return nil, time.Time{}, fmt.Errorf("unknown event %q", rawEvent.Type)
	}

	if err := json.Unmarshal(rawEvent.Data, event); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "failed to decode event data")
	}

	return event, rawEvent.Time, nil
}

// ReadPreviousStateFromFile reads the PreviousState from the given file path.
func ReadPreviousStateFromFile(path string) (*ctrmon.PreviousState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadPreviousState(f)
}

// ReadPreviousState reads backwards the given reader to return the
// PreviousState.
func ReadPreviousState(r io.ReadSeeker) (*ctrmon.PreviousState, error) {
	return ctrmon.ReadPreviousState(NewReader(r))
}

// Entry is a single event read back from a journal.
type Entry struct {
	Time  time.Time
	Event ctrmon.Event
}

// ReadLast returns up to the last n events of the journal, oldest first. A
// line that cannot be decoded stops the scan, and the events read so far are
// returned along with the error.
func ReadLast(r io.ReadSeeker, n int) ([]Entry, error) {
	reader := NewReader(r)
	entries := make([]Entry, 0, n)

	for len(entries) < n {
		ev, t, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			reverseEntries(entries)
			return entries, err
		}
		entries = append(entries, Entry{t, ev})
	}

	reverseEntries(entries)
	return entries, nil
}

func reverseEntries(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
