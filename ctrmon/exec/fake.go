package exec

import (
	"sync"

	"golang.org/x/sys/unix"
)

// FakeWaiter replays queued wait results. It is used for testing code that
// depends on a Reaper without forking real processes. A zero-value instance
// reports no children.
type FakeWaiter struct {
	mutex   sync.Mutex
	exited  []fakeExit
	running int
}

type fakeExit struct {
	pid    int
	status unix.WaitStatus
}

// Start records a running child that has not exited yet.
func (w *FakeWaiter) Start() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.running++
}

// Exit queues pid as exited with the given exit code.
func (w *FakeWaiter) Exit(pid, code int) {
	w.queue(pid, unix.WaitStatus(code<<8))
}

// Kill queues pid as killed by sig.
func (w *FakeWaiter) Kill(pid int, sig unix.Signal) {
	w.queue(pid, unix.WaitStatus(sig))
}

func (w *FakeWaiter) queue(pid int, status unix.WaitStatus) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.running > 0 {
		w.running--
	}
	w.exited = append(w.exited, fakeExit{pid, status})
}

// Wait implements WaitFunc.
func (w *FakeWaiter) Wait() (int, unix.WaitStatus, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if len(w.exited) > 0 {
		exit := w.exited[0]
		w.exited = w.exited[1:]
		return exit.pid, exit.status, nil
	}

	if w.running > 0 {
		return 0, 0, nil
	}

	return -1, 0, unix.ECHILD
}
