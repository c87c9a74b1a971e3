package logfile

import (
	"bytes"
	"io"

	"github.com/diamondburned/backwardio"
	"github.com/pkg/errors"
)

// Line is a logical line reassembled from one or more records.
type Line struct {
	Stream string
	Data   []byte
	// Complete is false if the line was still waiting for its F record.
	Complete bool
}

type tailLine struct {
	Line
	parts [][]byte // newest first
}

// Tail returns the last n logical lines of a log file, oldest first. The file
// is scanned backwards, so only the end of a large file is read. Lines that
// fail to parse are skipped.
func Tail(r io.ReadSeeker, n int) ([]Line, error) {
	if n <= 0 {
		return nil, nil
	}

	s := backwardio.NewScanner(r)

	var lines []*tailLine
	// open holds the line of each stream whose older records we are still
	// collecting.
	open := map[string]*tailLine{}

	for {
		b, err := s.ReadUntil('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Wrap(err, "failed to read log backwards")
		}
		b = bytes.TrimLeft(b, "\n")
		if len(b) == 0 {
			continue
		}

		rec, err := ParseRecord(b)
		if err != nil {
			continue
		}

		payload := append([]byte(nil), rec.Payload...)
		current := open[rec.Stream]

		// An F record ends the line before the one we are collecting.
		if !rec.Partial || current == nil {
			delete(open, rec.Stream)

			if len(lines) == n {
				if len(open) == 0 {
					break
				}
				continue
			}

			current = &tailLine{Line: Line{
				Stream:   rec.Stream,
				Complete: !rec.Partial,
			}}
			lines = append(lines, current)
			open[rec.Stream] = current
		}

		current.parts = append(current.parts, payload)
	}

	out := make([]Line, len(lines))
	for i, l := range lines {
		for j := len(l.parts) - 1; j >= 0; j-- {
			l.Data = append(l.Data, l.parts[j]...)
		}
		out[len(lines)-1-i] = l.Line
	}

	return out, nil
}
