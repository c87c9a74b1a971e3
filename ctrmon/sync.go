package ctrmon

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// SyncPipeEnv holds the descriptor number of the pipe the container PID
	// or exec exit code is reported on.
	SyncPipeEnv = "_OCI_SYNCPIPE"
	// StartPipeEnv holds the descriptor number of the pipe the monitor waits
	// on before doing anything.
	StartPipeEnv = "_OCI_STARTPIPE"
)

// PipeFromEnv returns the inherited pipe whose descriptor number is in the
// given environment variable, or nil if the variable is unset. The descriptor
// is made close-on-exec so it does not leak into the runtime.
func PipeFromEnv(name string) (*os.File, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}

	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return nil, errors.Errorf("invalid %s %q", name, v)
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return nil, errors.Wrapf(err, "failed to set close-on-exec on %s", name)
	}

	return os.NewFile(uintptr(fd), name), nil
}

// WaitStartPipe blocks until the parent writes to or closes the start pipe,
// then closes it. It does nothing if the pipe is nil.
func WaitStartPipe(f *os.File) error {
	if f == nil {
		return nil
	}
	defer f.Close()

	var buf [8192]byte
	if _, err := f.Read(buf[:]); err != nil && err != io.EOF {
		return errors.Wrap(err, "failed to read from start pipe")
	}

	return nil
}

// SyncPipe reports the outcome of the monitor to its parent. A nil SyncPipe
// discards everything sent to it.
type SyncPipe struct {
	f    *os.File
	exec bool
}

// NewSyncPipe wraps f. If exec is true, results are reported as exit codes
// instead of PIDs. A nil f gives a nil SyncPipe.
func NewSyncPipe(f *os.File, exec bool) *SyncPipe {
	if f == nil {
		return nil
	}
	return &SyncPipe{f: f, exec: exec}
}

type syncPID struct {
	PID     int    `json:"pid"`
	Message string `json:"message,omitempty"`
}

type syncExitCode struct {
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message,omitempty"`
}

// encodeSyncMessage encodes the single line sent over the sync pipe.
func encodeSyncMessage(exec bool, res int, message string) ([]byte, error) {
	var v interface{}
	if exec {
		v = syncExitCode{ExitCode: res, Message: message}
	} else {
		v = syncPID{PID: res, Message: message}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return append(b, '\n'), nil
}

// Send writes one message to the pipe. res is the container PID, or the exit
// code for exec sessions; a negative res reports a failure described by
// message.
func (p *SyncPipe) Send(res int, message string) error {
	if p == nil {
		return nil
	}

	b, err := encodeSyncMessage(p.exec, res, message)
	if err != nil {
		return errors.Wrap(err, "failed to encode sync message")
	}

	if _, err := p.f.Write(b); err != nil {
		return errors.Wrap(err, "failed to write to sync pipe")
	}

	return nil
}

// Close closes the pipe.
func (p *SyncPipe) Close() error {
	if p == nil {
		return nil
	}
	return p.f.Close()
}

// ExitFilePath returns the path of the exit file of the given container.
func ExitFilePath(dir, id string) string {
	return filepath.Join(dir, id)
}

// WriteExitFile atomically writes the exit code of the given container into
// dir. The file is written to a temporary location in the same directory,
// fsynced and renamed into place, so readers never see a partial write.
func WriteExitFile(dir, id string, code int) error {
	path := ExitFilePath(dir, id)
	temporaryPath := filepath.Join(dir, "."+id+".tmp")

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create exit file")
	}

	if _, err := file.WriteString(strconv.Itoa(code)); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return errors.Wrap(err, "failed to write exit file")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return errors.Wrap(err, "failed to sync exit file")
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return errors.Wrap(err, "failed to close exit file")
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return errors.Wrap(err, "failed to rename exit file into place")
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	return nil
}

// ReadExitFile reads the exit code written by WriteExitFile.
func ReadExitFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, errors.Wrapf(err, "malformed exit file %s", path)
	}

	return code, nil
}

// readPIDFile reads the PID the runtime wrote.
func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read pid file")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, errors.Errorf("invalid pid %q in %s", b, path)
	}

	return pid, nil
}
