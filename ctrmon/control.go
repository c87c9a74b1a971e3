package ctrmon

import (
	"bytes"
	"os"
	"strconv"

	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/loop"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Control message types accepted on the ctl FIFO.
const (
	ControlResize    = 1
	ControlReopenLog = 2
)

// controlBufSize is the size of the ctl reassembly buffer. A single message
// must fit into it.
const controlBufSize = 200

// ErrControlTooLarge is returned when the control buffer fills up without a
// complete line. The buffered bytes are discarded.
var ErrControlTooLarge = errors.New("control message too large")

// ControlMessage is a single line read from the ctl FIFO:
//
//	<type> <height> <width>\n
//
// Height and width are only meaningful for ControlResize.
type ControlMessage struct {
	Type   int
	Height int
	Width  int
}

// ParseControlMessage parses one line without its trailing newline. Only the
// first three fields are looked at.
func ParseControlMessage(line []byte) (ControlMessage, error) {
	fields := bytes.Fields(line)
	if len(fields) < 3 {
		return ControlMessage{}, errors.Errorf("malformed control message %q", line)
	}

	var v [3]int
	for i := range v {
		n, err := strconv.Atoi(string(fields[i]))
		if err != nil {
			return ControlMessage{}, errors.Errorf("malformed control message %q", line)
		}
		v[i] = n
	}

	msg := ControlMessage{Type: v[0], Height: v[1], Width: v[2]}
	if msg.Type == ControlResize {
		if msg.Height < 0 || msg.Height > 0xFFFF || msg.Width < 0 || msg.Width > 0xFFFF {
			return ControlMessage{}, errors.Errorf("terminal size %dx%d out of range", msg.Width, msg.Height)
		}
	}

	return msg, nil
}

// controlBuffer reassembles newline-terminated lines out of arbitrarily split
// reads.
type controlBuffer struct {
	buf [controlBufSize]byte
	n   int
}

// fill reads once into the free space of the buffer using read and returns
// every line completed by it, without their newlines. A trailing incomplete
// line stays buffered for the next call.
func (c *controlBuffer) fill(read func([]byte) (int, error)) ([][]byte, error) {
	n, err := read(c.buf[c.n:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.New("unexpected EOF")
	}
	c.n += n

	data := c.buf[:c.n]

	var lines [][]byte
	var start int
	for {
		i := bytes.IndexByte(data[start:], '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, data[start:start+i])
		lines = append(lines, line)
		start += i + 1
	}

	if start == 0 && c.n == len(c.buf) {
		c.n = 0
		return nil, ErrControlTooLarge
	}

	c.n = copy(c.buf[:], data[start:])
	return lines, nil
}

// controlChannel is the ctl FIFO. A dummy writer is kept open so the read end
// never sees a hang up when a client closes its end.
type controlChannel struct {
	path  string
	rfd   int
	dummy int
	buf   controlBuffer

	onMessage func(ControlMessage)
	onWarning func(error)
}

// openControl creates the FIFO at path and opens both of its ends. A stale
// FIFO left at path is replaced.
func openControl(path string) (*controlChannel, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to remove stale ctl fifo")
	}

	if err := unix.Mkfifo(path, 0666); err != nil {
		return nil, errors.Wrap(err, "failed to create ctl fifo")
	}

	rfd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ctl fifo for reading")
	}

	// Opening the write end cannot block since the read end is open.
	dummy, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(rfd)
		return nil, errors.Wrap(err, "failed to open ctl fifo dummy writer")
	}

	return &controlChannel{
		path:  path,
		rfd:   rfd,
		dummy: dummy,
	}, nil
}

func (c *controlChannel) handle(fd int, cond loop.Condition) loop.Action {
	lines, err := c.buf.fill(func(b []byte) (int, error) { return unix.Read(fd, b) })
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return loop.Continue
		}
		c.onWarning(errors.Wrap(err, "failed to read ctl message"))
		if err == ErrControlTooLarge {
			return loop.Continue
		}
		// The dummy writer keeps the FIFO open, so anything else is not
		// going to go away.
		return loop.Remove
	}

	for _, line := range lines {
		msg, err := ParseControlMessage(line)
		if err != nil {
			c.onWarning(err)
			continue
		}
		c.onMessage(msg)
	}

	return loop.Continue
}

func (c *controlChannel) Close() error {
	unix.Close(c.dummy)
	return unix.Close(c.rfd)
}
