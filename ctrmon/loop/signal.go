package loop

import (
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// AddSignal registers fn to be called on the loop whenever one of sigs is
// delivered to the process. Signals are turned into a byte on a non-blocking
// self-pipe, so nothing but that write happens outside the loop. Several
// signals arriving before the loop wakes up coalesce into one call.
func (l *Loop) AddSignal(fn func() Action, sigs ...os.Signal) (SourceID, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, errors.Wrap(err, "failed to create signal pipe")
	}
	r, w := p[0], p[1]

	ch := make(chan os.Signal, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for range ch {
			// EAGAIN means a wakeup is already pending.
			unix.Write(w, []byte{0})
		}
	}()

	signal.Notify(ch, sigs...)

	onRemove := func() {
		signal.Stop(ch)
		close(ch)
		<-done
		unix.Close(w)
		unix.Close(r)
	}

	id := l.addFD(r, In, func(fd int, cond Condition) Action {
		drain(fd)
		return fn()
	}, onRemove)

	return id, nil
}

func drain(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}
