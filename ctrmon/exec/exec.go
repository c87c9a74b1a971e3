// Package exec provides the process supervision primitives of the monitor:
// marking the monitor as a subreaper, spawning children with explicit stdio,
// and reaping them through a pid-to-handler table.
package exec

import (
	"os"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetSubreaper marks the current process as a child subreaper. The OCI
// runtime forks the container process and exits, so without this the
// container would be reparented to init and we could never wait on it.
func SetSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return errors.Wrap(err, "failed to set subreaper")
	}
	return nil
}

// Stdio holds the descriptors a child gets as its fd 0, 1 and 2. Nil entries
// are replaced with /dev/null by the caller of Spawn.
type Stdio struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Spawn starts argv[0] with the given stdio and returns its PID. The process
// is released immediately: it must be reaped through a Reaper, never through
// os.Process.Wait.
func Spawn(argv []string, stdio Stdio, dir string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("empty argv")
	}

	p, err := os.StartProcess(argv[0], argv, &os.ProcAttr{
		Dir:   dir,
		Env:   os.Environ(),
		Files: []*os.File{stdio.Stdin, stdio.Stdout, stdio.Stderr},
		Sys:   &syscall.SysProcAttr{},
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to start %s", argv[0])
	}

	pid := p.Pid
	// Release only drops our handle; the child stays unreaped.
	p.Release()

	return pid, nil
}

// ExitStatus is a process' exit status.
type ExitStatus struct {
	PID    int
	Code   int            // valid if Signal is 0
	Signal syscall.Signal // non-zero if the process was killed by a signal
}

// DecodeStatus converts a raw wait status into an ExitStatus.
func DecodeStatus(pid int, ws unix.WaitStatus) ExitStatus {
	status := ExitStatus{PID: pid}

	switch {
	case ws.Exited():
		status.Code = ws.ExitStatus()
	case ws.Signaled():
		status.Signal = syscall.Signal(ws.Signal())
	default:
		status.Code = -1
	}

	return status
}

// Success returns true if the process exited normally with code 0.
func (s ExitStatus) Success() bool {
	return s.Signal == 0 && s.Code == 0
}

// ExitCode returns the shell-style exit code: the exit code for a normal exit
// or 128+signal for a process killed by a signal.
func (s ExitStatus) ExitCode() int {
	if s.Signal != 0 {
		return 128 + int(s.Signal)
	}
	return s.Code
}

func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return "killed by " + s.Signal.String()
	}
	return "exit status " + strconv.Itoa(s.Code)
}
