// Package loop implements a small single-threaded, level-triggered event loop
// over poll(2). Callbacks registered with the loop are only ever called from
// the goroutine running Run, so the state they touch needs no locking.
package loop

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Condition is a poll(2) event mask.
type Condition int16

const (
	In  Condition = unix.POLLIN
	Out Condition = unix.POLLOUT
	Hup Condition = unix.POLLHUP
	Err Condition = unix.POLLERR
)

// Has returns true if all bits of c2 are set in c.
func (c Condition) Has(c2 Condition) bool { return c&c2 == c2 }

// Action is returned by callbacks to tell the loop whether the source should
// stay registered.
type Action bool

const (
	Continue Action = true
	Remove   Action = false
)

// Callback is called when a descriptor becomes ready. cond holds the events
// that fired, which may include Hup and Err even if they were not requested.
type Callback func(fd int, cond Condition) Action

// SourceID identifies a registered source. The zero value is never used.
type SourceID uint64

// ErrNoSources is returned by Run if the loop has nothing left to wait on.
var ErrNoSources = errors.New("loop has no sources to wait on")

type source struct {
	id       SourceID
	fd       int
	cond     Condition
	fn       Callback
	onRemove func()
	removed  bool
}

type timer struct {
	id       SourceID
	deadline time.Time
	interval time.Duration
	fn       func() Action
	removed  bool
}

// Loop is a cooperative scheduler. A zero-value Loop is not valid; use New.
type Loop struct {
	sources []*source
	timers  []*timer
	lastID  SourceID
	quit    bool

	now func() time.Time
}

// New creates a new empty loop.
func New() *Loop {
	return &Loop{now: time.Now}
}

func (l *Loop) nextID() SourceID {
	l.lastID++
	return l.lastID
}

// AddFD registers fd to be watched for cond. Sources are dispatched in the
// order they were added.
func (l *Loop) AddFD(fd int, cond Condition, fn Callback) SourceID {
	return l.addFD(fd, cond, fn, nil)
}

func (l *Loop) addFD(fd int, cond Condition, fn Callback, onRemove func()) SourceID {
	src := &source{
		id:       l.nextID(),
		fd:       fd,
		cond:     cond,
		fn:       fn,
		onRemove: onRemove,
	}
	l.sources = append(l.sources, src)
	return src.id
}

// AddTimeout schedules fn to run after d. If fn returns Continue, it is
// rescheduled with the same interval.
func (l *Loop) AddTimeout(d time.Duration, fn func() Action) SourceID {
	t := &timer{
		id:       l.nextID(),
		deadline: l.now().Add(d),
		interval: d,
		fn:       fn,
	}
	l.timers = append(l.timers, t)
	return t.id
}

// Remove deregisters the source or timer with the given ID. Removing an
// unknown or already removed ID is a no-op.
func (l *Loop) Remove(id SourceID) {
	for _, src := range l.sources {
		if src.id == id {
			l.removeSource(src)
			return
		}
	}
	for _, t := range l.timers {
		if t.id == id {
			t.removed = true
			return
		}
	}
}

func (l *Loop) removeSource(src *source) {
	if src.removed {
		return
	}
	src.removed = true
	if src.onRemove != nil {
		src.onRemove()
	}
}

// Quit makes Run return after the current iteration.
func (l *Loop) Quit() { l.quit = true }

// Run dispatches events until Quit is called. If Quit was called before Run,
// Run returns immediately. The quit flag is cleared when Run returns, so a
// loop may be run several times.
func (l *Loop) Run() error {
	defer func() { l.quit = false }()

	for !l.quit {
		if err := l.Iterate(true); err != nil {
			return err
		}
	}
	return nil
}

// Iterate runs a single poll and dispatch pass. If block is false, the poll
// returns immediately when nothing is ready.
func (l *Loop) Iterate(block bool) error {
	l.compact()

	if len(l.sources) == 0 && len(l.timers) == 0 {
		return ErrNoSources
	}

	pollfds := make([]unix.PollFd, len(l.sources))
	for i, src := range l.sources {
		pollfds[i] = unix.PollFd{Fd: int32(src.fd), Events: int16(src.cond)}
	}

	timeout := 0
	if block {
		timeout = l.pollTimeout()
	}

	n, err := unix.Poll(pollfds, timeout)
	if err != nil && err != unix.EINTR {
		return errors.Wrap(err, "failed to poll")
	}

	if n > 0 {
		// Snapshot, since callbacks may add sources.
		sources := l.sources
		for i, src := range sources {
			revents := Condition(pollfds[i].Revents)
			if revents == 0 || src.removed {
				continue
			}
			if revents&unix.POLLNVAL != 0 {
				// The descriptor was closed behind our back; it will never
				// become valid again.
				l.removeSource(src)
				continue
			}
			if src.fn(src.fd, revents) == Remove {
				l.removeSource(src)
			}
			if l.quit {
				break
			}
		}
	}

	l.fireTimers()
	return nil
}

func (l *Loop) pollTimeout() int {
	var next time.Time
	for _, t := range l.timers {
		if t.removed {
			continue
		}
		if next.IsZero() || t.deadline.Before(next) {
			next = t.deadline
		}
	}

	if next.IsZero() {
		return -1
	}

	d := next.Sub(l.now())
	if d <= 0 {
		return 0
	}

	// Round up so we never wake before the deadline.
	ms := math.Ceil(float64(d) / float64(time.Millisecond))
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

func (l *Loop) fireTimers() {
	now := l.now()
	timers := l.timers
	for _, t := range timers {
		if t.removed || now.Before(t.deadline) {
			continue
		}
		if t.fn() == Remove {
			t.removed = true
			continue
		}
		t.deadline = now.Add(t.interval)
	}
}

func (l *Loop) compact() {
	sources := l.sources[:0]
	for _, src := range l.sources {
		if !src.removed {
			sources = append(sources, src)
		}
	}
	for i := len(sources); i < len(l.sources); i++ {
		l.sources[i] = nil
	}
	l.sources = sources

	timers := l.timers[:0]
	for _, t := range l.timers {
		if !t.removed {
			timers = append(timers, t)
		}
	}
	for i := len(timers); i < len(l.timers); i++ {
		l.timers[i] = nil
	}
	l.timers = timers
}

// Close removes every source, running their cleanup hooks. It does not close
// descriptors added with AddFD; those belong to the caller.
func (l *Loop) Close() {
	for _, src := range l.sources {
		l.removeSource(src)
	}
	for _, t := range l.timers {
		t.removed = true
	}
	l.compact()
}
