package ctrmon

import (
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Journaler describes an event logger.
type Journaler interface {
	Write(Event) error
}

// JournalReader reads events back, newest first. Read returns io.EOF once
// every event has been read.
type JournalReader interface {
	Read() (Event, time.Time, error)
}

type loggerJournaler struct {
	log logrus.FieldLogger
}

// NewLoggerJournaler creates a journaler that logs events as human-readable
// diagnostics. Warnings are logged at warning level and everything else at
// info level.
func NewLoggerJournaler(log logrus.FieldLogger) Journaler {
	return loggerJournaler{log}
}

func (l loggerJournaler) Write(ev Event) error {
	entry := l.log.WithField("event", ev.Type())

	if warning, ok := ev.(*EventWarning); ok {
		entry.WithField("component", warning.Component).Warnln(warning.Error)
		return nil
	}

	b, err := json.Marshal(ev)
	if err == nil {
		entry = entry.WithField("data", string(b))
	}

	entry.Infoln(ev.Type())
	return nil
}

// PreviousState is the last known state of a monitored container as recorded
// in a journal.
type PreviousState struct {
	// PID is the container PID, or 0 if the container was never started.
	PID int
	// Exited is true if the journal holds the container's exit.
	Exited   bool
	ExitCode int
	OOM      bool
	TimedOut bool
	// Time is the time of the newest event.
	Time time.Time
}

// ReadPreviousState folds the events of r into the state of the most recent
// container. Since r yields events newest first, reading stops at the
// container-started event.
func ReadPreviousState(r JournalReader) (*PreviousState, error) {
	var state PreviousState

	for first := true; ; first = false {
		ev, t, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &state, nil
			}
			return nil, err
		}

		if first {
			state.Time = t
		}

		switch ev := ev.(type) {
		case *EventContainerExited:
			if !state.Exited {
				state.Exited = true
				state.ExitCode = ev.ExitCode
			}
		case *EventTimedOut:
			state.TimedOut = true
		case *EventOOM:
			state.OOM = true
		case *EventContainerStarted:
			state.PID = ev.PID
			return &state, nil
		}
	}
}
