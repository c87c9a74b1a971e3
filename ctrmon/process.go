package ctrmon

import (
	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/exec"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ProcessKind is the role of a supervised process.
type ProcessKind uint8

const (
	RuntimeCreate ProcessKind = iota
	RuntimeExec
	ContainerProcess
)

func (k ProcessKind) String() string {
	switch k {
	case RuntimeCreate:
		return "runtime create"
	case RuntimeExec:
		return "runtime exec"
	case ContainerProcess:
		return "container"
	default:
		return "unknown"
	}
}

// SupervisedProcess is a child of the monitor that it waits on. Status is
// set once the process has been reaped.
type SupervisedProcess struct {
	PID    int
	Kind   ProcessKind
	Status *exec.ExitStatus
}

// Exited returns true if the process has been reaped.
func (p *SupervisedProcess) Exited() bool {
	return p.Status != nil
}

// reaped records the wait status of the process.
func (p *SupervisedProcess) reaped(ws unix.WaitStatus) exec.ExitStatus {
	status := exec.DecodeStatus(p.PID, ws)
	p.Status = &status
	return status
}

// Kill sends SIGKILL to the process unless it has already been reaped.
func (p *SupervisedProcess) Kill() error {
	if p.Exited() {
		return nil
	}

	if err := unix.Kill(p.PID, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return errors.Wrapf(err, "failed to kill %s %d", p.Kind, p.PID)
	}

	return nil
}
