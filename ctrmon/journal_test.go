package ctrmon

import (
	"io"
	"reflect"
	"sync"
	"testing"
	"time"
)

// mockJournal is an in-memory storage of journals, primarily used for testing.
// A zero-value instance is a valid instance.
type mockJournal struct {
	mutex    sync.Mutex
	finalize bool
	journals []Event
}

var _ Journaler = (*mockJournal)(nil)

// Finalize locks the memory store. Future writes will cause a panic.
func (m *mockJournal) Finalize() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.finalize = true
}

// Write appends a journal event into the internal store.
func (m *mockJournal) Write(ev Event) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.finalize {
		panic("log write when finalized")
	}

	m.journals = append(m.journals, ev)
	return nil
}

// Find returns the first stored event with the same type as ev, or nil.
func (m *mockJournal) Find(ev Event) Event {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, j := range m.journals {
		if j.Type() == ev.Type() {
			return j
		}
	}
	return nil
}

// Journals returns the journal slice.
func (m *mockJournal) Journals() []Event {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.journals
}

// Verify verifies that the given journals slice is equal to the one stored
// internally. If strict is true, then a length check is performed, otherwise,
// the unmatched events are returned.
//
// Consecutive calls to Verify will match the remaining unmatched events.
func (m *mockJournal) Verify(t *testing.T, strict bool, journals []Event) []Event {
	t.Helper()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if strict && len(journals) != len(m.journals) {
		t.Errorf("mismatch journal length, got %d, expected %d", len(m.journals), len(journals))
		return nil
	}

	for i, ev := range journals {
		if !reflect.DeepEqual(m.journals[i], ev) {
			t.Errorf("journal %d mismatch, got %#v, expected %#v", i, m.journals[i], ev)
		}
	}

	m.journals = m.journals[len(journals):]
	return m.journals
}

type sliceReader struct {
	events []Event
	times  []time.Time
}

// Read returns events from the end of the slice.
func (r *sliceReader) Read() (Event, time.Time, error) {
	if len(r.events) == 0 {
		return nil, time.Time{}, io.EOF
	}

	i := len(r.events) - 1
	ev, t := r.events[i], r.times[i]
	r.events, r.times = r.events[:i], r.times[:i]

	return ev, t, nil
}

func TestReadPreviousState(t *testing.T) {
	base := time.Date(2021, 4, 13, 0, 0, 0, 0, time.UTC)

	r := &sliceReader{
		events: []Event{
			&EventContainerStarted{PID: 10},
			&EventContainerExited{PID: 10, ExitCode: 1},
			&EventContainerStarted{PID: 20},
			&EventTimedOut{PID: 20},
			&EventContainerExited{PID: 20, ExitCode: 137, Signal: "killed"},
		},
	}
	for i := range r.events {
		r.times = append(r.times, base.Add(time.Duration(i)*time.Second))
	}

	state, err := ReadPreviousState(r)
	if err != nil {
		t.Fatal("failed to read state:", err)
	}

	expect := PreviousState{
		PID:      20,
		Exited:   true,
		ExitCode: 137,
		TimedOut: true,
		Time:     base.Add(4 * time.Second),
	}
	if *state != expect {
		t.Fatalf("got state %+v, expected %+v", *state, expect)
	}

	// An empty journal gives the zero state.
	state, err = ReadPreviousState(&sliceReader{})
	if err != nil {
		t.Fatal("failed to read empty state:", err)
	}
	if *state != (PreviousState{}) {
		t.Fatalf("unexpected state from empty journal: %+v", *state)
	}
}
