package ctrmon

import (
	"os"
	"time"

	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/logfile"
	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/loop"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// stdioBufSize is the size of a single read from the container.
const stdioBufSize = 8192

// DrainTimeout bounds how long the drain after the container exits waits for
// more output. Descendants of the container may keep its pipes open forever.
var DrainTimeout = time.Second

// ioChannel is one of the container's standard streams on the monitor side.
type ioChannel struct {
	fd     int
	stream logfile.Stream
	source loop.SourceID
	// shared is true for the terminal master, which is used for both stdin
	// and stdout and is owned by the console file.
	shared bool
	closed bool
}

// newPipe creates a pipe for one of the runtime's standard streams. The
// monitor end is non-blocking.
func newPipe(childReads bool) (master int, child *os.File, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, nil, errors.Wrap(err, "failed to create pipe")
	}

	master, childFD, name := p[0], p[1], "output"
	if childReads {
		master, childFD, name = p[1], p[0], "stdin"
	}

	if err := unix.SetNonblock(master, true); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return -1, nil, errors.Wrap(err, "failed to make pipe non-blocking")
	}

	return master, os.NewFile(uintptr(childFD), name), nil
}

// watchStdio registers an output channel on the loop.
func (m *Monitor) watchStdio(ch *ioChannel) {
	ch.source = m.loop.AddFD(ch.fd, loop.In, func(fd int, cond loop.Condition) loop.Action {
		return m.handleStdio(ch, cond)
	})
}

// readStdio reads one chunk from ch and hands it to the log and the attach
// client, in that order.
func (m *Monitor) readStdio(ch *ioChannel) (eof bool, err error) {
	n, err := unix.Read(ch.fd, m.buf[1:])
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}

	if err := m.logw.Write(ch.stream, m.buf[1:1+n]); err != nil {
		m.warn("log", err)
	}

	if m.attach != nil {
		m.buf[0] = byte(ch.stream)
		m.attach.forward(m.buf[:1+n])
	}

	return false, nil
}

func (m *Monitor) handleStdio(ch *ioChannel, cond loop.Condition) loop.Action {
	var eof bool
	var err error

	hasInput := cond.Has(loop.In)
	if hasInput {
		eof, err = m.readStdio(ch)
		if err == unix.EAGAIN || err == unix.EINTR {
			return loop.Continue
		}
	}

	// A terminal hangs up whenever its last reader goes away, which may
	// only be temporary, so poll it again later instead of closing it.
	if ch.shared && (cond.Has(loop.Hup) || err == unix.EIO) {
		m.scheduleHupPoll(ch)
		return loop.Remove
	}

	if err != nil {
		m.warn("stdio", errors.Wrapf(err, "failed to read %s", ch.stream))
	}

	if eof || err != nil || !hasInput {
		m.closeChannel(ch)
		return loop.Remove
	}

	return loop.Continue
}

// scheduleHupPoll re-adds ch to the loop after the hang up interval. Repeated
// hang ups before then are coalesced.
func (m *Monitor) scheduleHupPoll(ch *ioChannel) {
	if m.hupScheduled {
		return
	}
	m.hupScheduled = true

	m.loop.AddTimeout(m.cfg.TTYHupInterval, func() loop.Action {
		m.hupScheduled = false
		if !ch.closed {
			m.watchStdio(ch)
		}
		return loop.Remove
	})
}

// closeChannel stops watching ch and closes its descriptor, unless it's the
// shared terminal.
func (m *Monitor) closeChannel(ch *ioChannel) {
	if ch == nil || ch.closed {
		return
	}
	ch.closed = true

	if ch.source != 0 {
		m.loop.Remove(ch.source)
	}
	if !ch.shared {
		unix.Close(ch.fd)
	}
}

// closeStdin closes the container's stdin once the attach client is done
// writing, if stdin is kept open for it.
func (m *Monitor) closeStdin() {
	if !m.cfg.Stdin {
		return
	}
	m.closeChannel(m.stdin)
}

// openStdin returns the channel attach input is written to.
func (m *Monitor) openStdin() *ioChannel {
	if m.stdin == nil || m.stdin.closed {
		return nil
	}
	return m.stdin
}

// drain reads whatever output is left in ch until EOF. It gives up if no
// output arrives for DrainTimeout.
func (m *Monitor) drain(ch *ioChannel) {
	if ch == nil || ch.closed {
		return
	}

	for {
		eof, err := m.readStdio(ch)
		if eof {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if waitReadable(ch.fd, DrainTimeout) {
				continue
			}
			break
		}
		if err != nil {
			if err != unix.EIO {
				m.warn("stdio", errors.Wrapf(err, "failed to drain %s", ch.stream))
			}
			break
		}
	}

	m.closeChannel(ch)
}

// waitReadable waits until fd is readable or hung up, or d has passed.
func waitReadable(fd int, d time.Duration) bool {
	pollfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(d)

	for {
		timeout := time.Until(deadline)
		if timeout < 0 {
			return false
		}

		n, err := unix.Poll(pollfds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		return err == nil && n > 0
	}
}
