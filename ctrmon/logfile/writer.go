// Package logfile writes container output in the CRI log format:
//
//	2006-01-02T15:04:05.000000000-07:00 stdout F a full line
//	2006-01-02T15:04:05.000000000-07:00 stderr P a partial li
//
// Every file line is a self-contained record. A logical line that did not fit
// into one read is written as a series of P (partial) records closed by an F
// (full) record, so concatenating the payloads of all records of a stream in
// file order reproduces the original output byte for byte.
package logfile

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TimeFormat is the fixed-width timestamp format of every record.
const TimeFormat = "2006-01-02T15:04:05.000000000-07:00"

// Stream identifies one of the standard streams of the container process.
// Its numeric value is also the framing byte of the attach socket protocol,
// which clients depend on, so the values must never change.
type Stream byte

const (
	NoStream Stream = iota
	Stdin
	Stdout
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "NONE"
	}
}

var (
	tagFull    = []byte("F ")
	tagPartial = []byte("P ")
	newline    = []byte("\n")
)

// Writer writes records to a log file, rotating it once it would grow past
// MaxSize. It must only be used from one goroutine.
type Writer struct {
	// Now is the clock used for record timestamps.
	Now func() time.Time
	// OnRotate, if set, is called after the file has been recreated.
	OnRotate func(path string)
	// Log receives warnings about records that could not be written.
	Log logrus.FieldLogger

	path    string
	file    *os.File
	vec     *Vector
	written int64
	maxSize int64
}

// Open opens or creates the log file at path for appending. A maxSize of zero
// or less disables rotation.
func Open(path string, maxSize int64) (*Writer, error) {
	w := &Writer{
		Now:     time.Now,
		Log:     logrus.StandardLogger(),
		path:    path,
		maxSize: maxSize,
	}

	if err := w.open(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Writer) open() error {
	// os.OpenFile sets O_CLOEXEC.
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to open log file")
	}

	w.file = f
	w.written = 0

	if w.vec == nil {
		w.vec = NewVector(int(f.Fd()))
	} else {
		w.vec.SetFD(int(f.Fd()))
	}

	return nil
}

// Path returns the path of the log file.
func (w *Writer) Path() string { return w.path }

// Written returns the number of bytes written since the file was last opened.
func (w *Writer) Written() int64 { return w.written }

// Write writes p as one or more records of the given stream. All records
// produced from p share one timestamp. Records that fail to be queued are
// skipped and logged; the error returned only reports the final flush.
func (w *Writer) Write(stream Stream, p []byte) error {
	if w.file == nil {
		// A previous rotation failed halfway; try to get a file back.
		if err := w.open(); err != nil {
			return err
		}
	}

	header := make([]byte, 0, len(TimeFormat)+len(" stdout "))
	header = w.Now().AppendFormat(header, TimeFormat)
	header = append(header, ' ')
	header = append(header, stream.String()...)
	header = append(header, ' ')

	for len(p) > 0 {
		var line []byte
		var partial bool

		if i := bytes.IndexByte(p, '\n'); i >= 0 {
			line = p[:i+1]
		} else {
			line = p
			partial = true
		}
		p = p[len(line):]

		size := int64(len(header) + len(tagFull) + len(line))
		if partial {
			size++
		}

		if w.maxSize > 0 && w.written+size > w.maxSize {
			if err := w.rotate(); err != nil {
				return err
			}
		}

		if err := w.appendRecord(header, line, partial); err != nil {
			w.Log.WithError(err).Warnln("failed to write record to log")
			continue
		}

		w.written += size
	}

	if _, err := w.vec.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush log")
	}

	return nil
}

func (w *Writer) appendRecord(header, line []byte, partial bool) error {
	tag := tagFull
	if partial {
		tag = tagPartial
	}

	if err := w.vec.Append(header); err != nil {
		return errors.Wrap(err, "failed to write (timestamp, stream)")
	}
	if err := w.vec.Append(tag); err != nil {
		return errors.Wrap(err, "failed to write log tag")
	}
	if err := w.vec.Append(line); err != nil {
		return errors.Wrap(err, "failed to write line")
	}
	if partial {
		if err := w.vec.Append(newline); err != nil {
			return errors.Wrap(err, "failed to write newline")
		}
	}

	return nil
}

// rotate replaces the log file with an empty one at the same path. Records
// queued for the old file are flushed into it first.
func (w *Writer) rotate() error {
	w.Log.WithField("path", w.path).Infoln("creating new log file")

	if _, err := w.vec.Flush(); err != nil {
		w.Log.WithError(err).Warnln("failed to flush log before rotation")
	}

	w.file.Close()
	w.file = nil

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to unlink log file")
	}

	if err := w.open(); err != nil {
		return err
	}

	if w.OnRotate != nil {
		w.OnRotate(w.path)
	}

	return nil
}

// Reopen closes and reopens the log file without unlinking it, for use after
// an external tool has moved the file away. The byte counter restarts at
// zero.
func (w *Writer) Reopen() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}

	return w.open()
}

// Close closes the log file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}
