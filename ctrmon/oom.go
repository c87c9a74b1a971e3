package ctrmon

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/loop"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// OOMMarkerName is the file created in the working directory once the
// container is killed for running out of memory.
const OOMMarkerName = "oom"

// ErrNoOOMControl is returned when the memory cgroup has no event control
// file, which happens in some restricted environments. It is not fatal.
var ErrNoOOMControl = errors.New("memory cgroup has no cgroup.event_control")

// oomWatcher watches the memory cgroup of the container for OOM kills. With
// cgroup v1, fd is an eventfd registered on memory.oom_control. With cgroup
// v2, fd is an inotify watch on memory.events, and the oom_kill counter in it
// is compared against the last value seen.
type oomWatcher struct {
	fd      int
	ctlFD   int
	unified bool
	events  string
	kills   uint64
	buf     [4096]byte

	// marker is the path of the OOM marker file.
	marker string

	onOOM     func()
	onWarning func(error)
}

// watchOOM starts watching the given cgroup.
func watchOOM(cg memoryCgroup) (*oomWatcher, error) {
	if cg.Unified {
		return watchOOMv2(cg.Path)
	}
	return watchOOMv1(cg.Path)
}

func watchOOMv1(dir string) (*oomWatcher, error) {
	ctl, err := os.OpenFile(filepath.Join(dir, "cgroup.event_control"), os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoOOMControl
		}
		return nil, errors.Wrap(err, "failed to open cgroup.event_control")
	}
	defer ctl.Close()

	ctlFD, err := unix.Open(filepath.Join(dir, "memory.oom_control"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open memory.oom_control")
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(ctlFD)
		return nil, errors.Wrap(err, "failed to create eventfd")
	}

	if _, err := fmt.Fprintf(ctl, "%d %d", efd, ctlFD); err != nil {
		unix.Close(efd)
		unix.Close(ctlFD)
		return nil, errors.Wrap(err, "failed to register OOM eventfd")
	}

	return &oomWatcher{
		fd:     efd,
		ctlFD:  ctlFD,
		marker: OOMMarkerName,
	}, nil
}

func watchOOMv2(dir string) (*oomWatcher, error) {
	events := filepath.Join(dir, "memory.events")

	kills, err := readOOMKills(events)
	if err != nil {
		return nil, err
	}

	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create inotify instance")
	}

	if _, err := unix.InotifyAddWatch(fd, events, unix.IN_MODIFY); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "failed to watch %s", events)
	}

	return &oomWatcher{
		fd:      fd,
		ctlFD:   -1,
		unified: true,
		events:  events,
		kills:   kills,
		marker:  OOMMarkerName,
	}, nil
}

// readOOMKills reads the oom_kill counter of a memory.events file.
func readOOMKills(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read memory.events")
	}

	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		fields := bytes.Fields(scanner.Bytes())
		if len(fields) == 2 && string(fields[0]) == "oom_kill" {
			return strconv.ParseUint(string(fields[1]), 10, 64)
		}
	}

	return 0, nil
}

func (w *oomWatcher) handle(fd int, cond loop.Condition) loop.Action {
	if !cond.Has(loop.In) {
		if cond.Has(loop.Hup) || cond.Has(loop.Err) {
			return loop.Remove
		}
		return loop.Continue
	}

	n, err := unix.Read(fd, w.buf[:])
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			w.onWarning(errors.Wrap(err, "failed to read OOM event"))
		}
		return loop.Continue
	}
	if n == 0 {
		return loop.Remove
	}

	if !w.unified {
		if n != 8 {
			w.onWarning(fmt.Errorf("short OOM event read of %d bytes", n))
		}
		w.oom()
		return loop.Continue
	}

	ignored := inotifyEventsHaveMask(w.buf[:n], unix.IN_IGNORED)

	kills, err := readOOMKills(w.events)
	if err != nil {
		if !ignored {
			w.onWarning(err)
		}
	} else if kills > w.kills {
		w.kills = kills
		w.oom()
	}

	if ignored {
		// The cgroup is gone.
		return loop.Remove
	}
	return loop.Continue
}

// inotifyEventsHaveMask returns true if any event in the buffer has one of
// the given mask bits set.
func inotifyEventsHaveMask(buffer []byte, mask uint32) bool {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		if binary.NativeEndian.Uint32(buffer[offset+4:offset+8])&mask != 0 {
			return true
		}
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		offset += unix.SizeofInotifyEvent + nameLength
	}
	return false
}

func (w *oomWatcher) oom() {
	f, err := os.OpenFile(w.marker, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		w.onWarning(errors.Wrap(err, "failed to create OOM marker"))
	} else {
		f.Close()
	}

	w.onOOM()
}

func (w *oomWatcher) Close() error {
	if w.ctlFD >= 0 {
		unix.Close(w.ctlFD)
	}
	return unix.Close(w.fd)
}
