package exec

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Handler is called exactly once with the raw wait status of a reaped child.
type Handler func(pid int, status unix.WaitStatus)

// WaitFunc is a non-blocking wait for any child. It has the semantics of
// wait4(-1, &status, WNOHANG, nil): pid 0 means no child has exited yet.
type WaitFunc func() (pid int, status unix.WaitStatus, err error)

// Wait4 is the WaitFunc used outside of tests.
func Wait4() (int, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
	return pid, ws, err
}

// maxUnclaimed bounds the number of exit statuses kept for children that have
// no handler yet.
const maxUnclaimed = 1024

// Reaper maps child PIDs to exit handlers. It must only be used from one
// goroutine.
type Reaper struct {
	handlers map[int]Handler
	// unclaimed holds the statuses of children reaped before a handler was
	// registered for them, such as a container that exits before the
	// runtime that created it.
	unclaimed map[int]unix.WaitStatus
	wait      WaitFunc
}

// NewReaper creates a reaper that waits using the given function. If wait is
// nil, Wait4 is used.
func NewReaper(wait WaitFunc) *Reaper {
	if wait == nil {
		wait = Wait4
	}

	return &Reaper{
		handlers:  make(map[int]Handler),
		unclaimed: make(map[int]unix.WaitStatus),
		wait:      wait,
	}
}

// Handle registers fn to be called once pid is reaped. If pid has already been
// reaped, fn is called before Handle returns. A later call for the same PID
// replaces the handler.
func (r *Reaper) Handle(pid int, fn Handler) {
	if ws, ok := r.unclaimed[pid]; ok {
		delete(r.unclaimed, pid)
		fn(pid, ws)
		return
	}
	r.handlers[pid] = fn
}

// Pending returns the number of PIDs that still have a handler.
func (r *Reaper) Pending() int {
	return len(r.handlers)
}

// Reap collects every child that has exited so far and dispatches its handler.
// The status of a child without a handler is kept until one is registered
// with Handle. It returns noChildren when there is nothing left to wait for.
func (r *Reaper) Reap() (noChildren bool, err error) {
	for {
		pid, ws, err := r.wait()
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			return true, nil
		case err != nil:
			return false, errors.Wrap(err, "failed to read child process status")
		case pid <= 0:
			return false, nil
		}

		fn, ok := r.handlers[pid]
		if !ok {
			// Most of these are orphans reparented to us that nobody will
			// ever ask for.
			if len(r.unclaimed) < maxUnclaimed {
				r.unclaimed[pid] = ws
			}
			continue
		}

		delete(r.handlers, pid)
		fn(pid, ws)
	}
}
