package logfile

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxSegments is the largest iovec count a single writev(2) accepts.
const maxSegments = 1024

// Vector batches byte segments and writes them with a single writev(2). The
// segments are not copied, so they must stay untouched until Flush returns.
type Vector struct {
	fd   int
	segs [][]byte
}

// NewVector creates a vector writing to fd.
func NewVector(fd int) *Vector {
	return &Vector{fd: fd}
}

// SetFD points the vector at a new descriptor. Pending segments must have been
// flushed or discarded beforehand.
func (v *Vector) SetFD(fd int) {
	v.fd = fd
}

// Len returns the number of pending segments.
func (v *Vector) Len() int {
	return len(v.segs)
}

// Append queues data. If the vector is already full, the pending segments
// are flushed first and a flush failure is returned.
func (v *Vector) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if len(v.segs) == maxSegments {
		if _, err := v.Flush(); err != nil {
			return err
		}
	}

	v.segs = append(v.segs, data)
	return nil
}

// Discard drops all pending segments.
func (v *Vector) Discard() {
	for i := range v.segs {
		v.segs[i] = nil
	}
	v.segs = v.segs[:0]
}

// Flush writes all pending segments, retrying on partial writes and EINTR. On
// error, the pending segments are discarded.
func (v *Vector) Flush() (int, error) {
	defer v.Discard()

	segs := v.segs
	var count int

	for len(segs) > 0 {
		n, err := unix.Writev(v.fd, segs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return count, errors.Wrap(err, "failed to writev")
		}
		if n <= 0 {
			return count, io.ErrShortWrite
		}

		count += n

		// Skip over what was written, trimming a partially written segment.
		for n > 0 {
			if n < len(segs[0]) {
				segs[0] = segs[0][n:]
				break
			}
			n -= len(segs[0])
			segs = segs[1:]
		}
	}

	return count, nil
}

// ErrWriteTimeout is returned by WriteAllTimeout if fd stayed unwritable for
// too long.
var ErrWriteTimeout = errors.New("timed out waiting for descriptor to become writable")

// WriteAll writes p to fd in full, retrying on partial writes and EINTR. A
// non-blocking fd that is not writable is waited on until it is.
func WriteAll(fd int, p []byte) error {
	return WriteAllTimeout(fd, p, 0)
}

// WriteAllTimeout is like WriteAll, but gives up with ErrWriteTimeout once a
// non-blocking fd has not been writable for d. A zero d waits forever. Part of
// p may have been written when it gives up.
func WriteAllTimeout(fd int, p []byte, d time.Duration) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if err := waitWritable(fd, d); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func waitWritable(fd int, d time.Duration) error {
	pollfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}

	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}

	for {
		timeout := -1
		if d > 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrWriteTimeout
			}
			timeout = int((left + time.Millisecond - 1) / time.Millisecond)
		}

		n, err := unix.Poll(pollfds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "failed to poll for writability")
		}
		if n == 0 {
			continue
		}
		if pollfds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return unix.EPIPE
		}
		return nil
	}
}
