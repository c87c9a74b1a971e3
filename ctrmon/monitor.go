package ctrmon

import (
	"os"
	"path/filepath"
	"strings"

	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/exec"
	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/logfile"
	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/loop"
	"github.com/creack/pty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrRuntimeFailed is returned by Run if the runtime create or exec command
// failed. The failure has already been reported over the sync pipe.
var ErrRuntimeFailed = errors.New("runtime failed")

// Monitor supervises a single container. All of its state is owned by the
// event loop; it must not be touched from other goroutines while Run is
// running.
type Monitor struct {
	cfg  Config
	log  logrus.FieldLogger
	j    Journaler
	sync *SyncPipe

	loop   *loop.Loop
	reaper *exec.Reaper
	logw   *logfile.Writer

	consoleSock   *consoleSocket
	consoleSource loop.SourceID
	console       *os.File
	childFiles    []*os.File

	stdin  *ioChannel
	stdout *ioChannel
	stderr *ioChannel

	attach  *attachServer
	control *controlChannel
	oom     *oomWatcher

	runtime   *SupervisedProcess
	container *SupervisedProcess

	hupScheduled bool
	timedOut     bool
	fatal        error

	// buf holds the attach frame tag followed by one stdio read.
	buf [1 + stdioBufSize]byte
}

// NewMonitor creates a monitor for an already validated configuration. sync
// may be nil.
func NewMonitor(cfg Config, sync *SyncPipe, log logrus.FieldLogger, j Journaler) *Monitor {
	return &Monitor{
		cfg:    cfg,
		log:    log,
		j:      j,
		sync:   sync,
		loop:   loop.New(),
		reaper: exec.NewReaper(exec.Wait4),
	}
}

// Run starts the runtime, supervises the container until it exits and
// reports its exit status. Every descriptor the monitor opened is closed by
// the time Run returns.
func (m *Monitor) Run() error {
	defer m.close()

	if err := m.setup(); err != nil {
		return err
	}

	if err := m.startRuntime(); err != nil {
		return err
	}

	if err := m.startContainer(); err != nil {
		return err
	}

	if err := m.loop.Run(); err != nil {
		return errors.Wrap(err, "event loop failed")
	}
	if m.fatal != nil {
		return m.fatal
	}

	return m.finish()
}

func (m *Monitor) setup() error {
	w, err := logfile.Open(m.cfg.LogPath, m.cfg.LogSizeMax)
	if err != nil {
		return err
	}
	w.Log = m.log
	w.OnRotate = func(path string) { m.j.Write(&EventLogRotated{Path: path}) }
	m.logw = w

	if err := exec.SetSubreaper(); err != nil {
		return err
	}

	if _, err := m.loop.AddSignal(m.onSIGCHLD, unix.SIGCHLD); err != nil {
		return errors.Wrap(err, "failed to watch SIGCHLD")
	}

	return nil
}

// setupStdio creates the standard streams of the runtime. In terminal mode
// only stderr is a pipe; the runtime sends the terminal over the console
// socket instead.
func (m *Monitor) setupStdio() (exec.Stdio, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return exec.Stdio{}, errors.Wrap(err, "failed to open /dev/null")
	}
	m.childFiles = append(m.childFiles, devNull)

	stdio := exec.Stdio{
		Stdin:  devNull,
		Stdout: devNull,
		Stderr: devNull,
	}

	if m.cfg.Terminal {
		cs, err := listenConsole()
		if err != nil {
			return stdio, err
		}
		m.consoleSock = cs
	} else {
		if m.cfg.Stdin {
			fd, child, err := newPipe(true)
			if err != nil {
				return stdio, err
			}
			m.childFiles = append(m.childFiles, child)
			m.stdin = &ioChannel{fd: fd, stream: logfile.Stdin}
			stdio.Stdin = child
		}

		fd, child, err := newPipe(false)
		if err != nil {
			return stdio, err
		}
		m.childFiles = append(m.childFiles, child)
		m.stdout = &ioChannel{fd: fd, stream: logfile.Stdout}
		stdio.Stdout = child
	}

	fd, child, err := newPipe(false)
	if err != nil {
		return stdio, err
	}
	m.childFiles = append(m.childFiles, child)
	m.stderr = &ioChannel{fd: fd, stream: logfile.Stderr}
	stdio.Stderr = child

	return stdio, nil
}

// startRuntime runs the runtime create or exec command and waits for it to
// exit.
func (m *Monitor) startRuntime() error {
	stdio, err := m.setupStdio()
	if err != nil {
		return err
	}

	var consolePath string
	if m.consoleSock != nil {
		consolePath = m.consoleSock.path
	}

	argv := m.cfg.RuntimeArgs(consolePath)

	pid, err := exec.Spawn(argv, stdio, "")
	m.closeChildFiles()
	if err != nil {
		return err
	}

	kind := RuntimeCreate
	if m.cfg.Exec {
		kind = RuntimeExec
	}

	m.runtime = &SupervisedProcess{PID: pid, Kind: kind}
	m.reaper.Handle(pid, m.onRuntimeExit)
	m.j.Write(&EventRuntimeSpawned{PID: pid, Argv: argv})

	if m.consoleSock != nil {
		m.consoleSource = m.loop.AddFD(m.consoleSock.fd, loop.In, m.onConsole)
	}

	if err := m.loop.Run(); err != nil {
		return errors.Wrap(err, "event loop failed")
	}
	if m.fatal != nil {
		return m.fatal
	}

	status := m.runtime.Status
	if status == nil {
		return errors.Errorf("%s exited without being reaped", kind)
	}

	if !status.Success() {
		message := m.runtimeError(status)

		m.j.Write(&EventRuntimeExited{
			PID:      pid,
			ExitCode: status.ExitCode(),
			Message:  message,
		})

		if err := m.sync.Send(-1, message); err != nil {
			m.warn("sync", err)
		}

		return errors.Wrapf(ErrRuntimeFailed, "%s: %s", kind, status)
	}

	m.j.Write(&EventRuntimeExited{PID: pid})

	if m.cfg.Terminal && m.console == nil {
		// The runtime may have exited before its connection was accepted.
		if err := m.acceptConsole(); err != nil {
			return err
		}
		if m.console == nil {
			return errors.New("runtime did not set up terminal")
		}
	}

	return nil
}

// runtimeError returns what the runtime printed to stderr before failing.
func (m *Monitor) runtimeError(status *exec.ExitStatus) string {
	n, err := unix.Read(m.stderr.fd, m.buf[:stdioBufSize])
	if err == nil && n > 0 {
		if msg := strings.TrimSpace(string(m.buf[:n])); msg != "" {
			return msg
		}
	}

	return "runtime " + status.String()
}

// startContainer reads the container PID and registers every source of the
// main loop.
func (m *Monitor) startContainer() error {
	pid, err := readPIDFile(m.cfg.PIDFile)
	if err != nil {
		return err
	}

	m.container = &SupervisedProcess{PID: pid, Kind: ContainerProcess}
	m.j.Write(&EventContainerStarted{PID: pid})
	m.log.WithField("pid", pid).Infoln("container started")

	// The container may already have been reaped along with the runtime, in
	// which case the handler runs right away.
	m.reaper.Handle(pid, m.onContainerExit)

	if !m.cfg.Exec {
		if err := m.startAttach(); err != nil {
			return err
		}
		if err := m.startControl(); err != nil {
			return err
		}
		if err := m.sync.Send(pid, ""); err != nil {
			m.warn("sync", err)
		}
	}

	m.startOOM(pid)

	if m.stdout != nil {
		m.watchStdio(m.stdout)
	}
	if m.stderr != nil {
		m.watchStdio(m.stderr)
	}

	if m.cfg.Timeout > 0 {
		m.loop.AddTimeout(m.cfg.Timeout, m.onTimeout)
	}

	// Pick up anything that exited while the sources were being set up.
	m.reap()
	return nil
}

func (m *Monitor) startAttach() error {
	a, err := listenAttach(m.cfg.SocketDir, m.cfg.ContainerUUID, m.cfg.Bundle)
	if err != nil {
		return err
	}

	a.stdin = m.openStdin
	a.closeStdin = m.closeStdin
	a.onAccept = func(fd int) { m.j.Write(&EventAttachAccepted{FD: fd}) }
	a.onClose = func(fd int) { m.j.Write(&EventAttachClosed{FD: fd}) }
	a.onWarning = func(err error) { m.warn("attach", err) }
	a.start(m.loop)

	m.attach = a
	return nil
}

func (m *Monitor) startControl() error {
	c, err := openControl(filepath.Join(m.cfg.Bundle, "ctl"))
	if err != nil {
		return err
	}

	c.onMessage = m.applyControl
	c.onWarning = func(err error) { m.warn("ctl", err) }
	m.loop.AddFD(c.rfd, loop.In, c.handle)

	m.control = c
	return nil
}

func (m *Monitor) applyControl(msg ControlMessage) {
	switch msg.Type {
	case ControlResize:
		if m.console == nil {
			m.warn("ctl", errors.New("resize requested without a terminal"))
			return
		}

		ws := pty.Winsize{
			Rows: uint16(msg.Height),
			Cols: uint16(msg.Width),
		}
		if err := pty.Setsize(m.console, &ws); err != nil {
			m.warn("ctl", errors.Wrap(err, "failed to resize terminal"))
		}

	case ControlReopenLog:
		if err := m.logw.Reopen(); err != nil {
			m.warn("ctl", err)
		}

	default:
		m.log.WithField("type", msg.Type).Debugln("ignoring unknown control message")
	}
}

// startOOM watches the container's memory cgroup. OOM reporting is best
// effort, so failures are only warned about.
func (m *Monitor) startOOM(pid int) {
	cg, err := findMemoryCgroup(pid)
	if err != nil {
		m.warn("oom", err)
		return
	}

	w, err := watchOOM(cg)
	if err != nil {
		m.warn("oom", err)
		return
	}

	w.onOOM = func() { m.j.Write(&EventOOM{PID: pid}) }
	w.onWarning = func(err error) { m.warn("oom", err) }
	m.loop.AddFD(w.fd, loop.In, w.handle)

	m.oom = w
}

// finish drains the container's output and reports its exit status.
func (m *Monitor) finish() error {
	if m.timedOut {
		if err := m.container.Kill(); err != nil {
			m.warn("timeout", err)
		}
	}

	m.drain(m.stdout)
	m.drain(m.stderr)

	code, message := m.exitStatus()

	if m.cfg.Exec {
		if err := m.sync.Send(code, message); err != nil {
			return err
		}
		return nil
	}

	if err := WriteExitFile(m.cfg.ExitDir, m.cfg.ContainerID, code); err != nil {
		return errors.Wrapf(err, "failed to write exit status %d", code)
	}

	return nil
}

// exitStatus returns the status reported for the container.
func (m *Monitor) exitStatus() (int, string) {
	if m.timedOut {
		return -1, "command timed out"
	}

	if m.container.Status == nil {
		m.warn("reaper", errors.New("container exit status is unknown"))
		return -1, ""
	}

	return m.container.Status.ExitCode(), ""
}

func (m *Monitor) onSIGCHLD() loop.Action {
	m.reap()
	return loop.Continue
}

func (m *Monitor) reap() {
	noChildren, err := m.reaper.Reap()
	if err != nil {
		m.fail(err)
		return
	}
	if noChildren {
		m.loop.Quit()
	}
}

func (m *Monitor) onRuntimeExit(pid int, ws unix.WaitStatus) {
	status := m.runtime.reaped(ws)
	m.log.WithFields(logrus.Fields{
		"pid":    pid,
		"status": status.String(),
	}).Debugln("runtime exited")

	m.loop.Quit()
}

func (m *Monitor) onContainerExit(pid int, ws unix.WaitStatus) {
	status := m.container.reaped(ws)

	ev := &EventContainerExited{
		PID:      pid,
		ExitCode: status.ExitCode(),
	}
	if status.Signal != 0 {
		ev.Signal = status.Signal.String()
	}
	m.j.Write(ev)

	m.loop.Quit()
}

func (m *Monitor) onTimeout() loop.Action {
	m.timedOut = true
	m.j.Write(&EventTimedOut{PID: m.container.PID})
	m.loop.Quit()
	return loop.Remove
}

func (m *Monitor) onConsole(fd int, cond loop.Condition) loop.Action {
	if m.console != nil {
		return loop.Remove
	}
	if err := m.acceptConsole(); err != nil {
		m.fail(err)
		return loop.Remove
	}
	if m.console == nil {
		return loop.Continue
	}
	return loop.Remove
}

// acceptConsole takes the terminal from the runtime if it has connected. The
// console socket and its loop source are removed once that happens.
func (m *Monitor) acceptConsole() error {
	if m.console != nil {
		return nil
	}

	console, ok, err := m.consoleSock.accept()
	if err != nil || !ok {
		return err
	}

	// The listener's descriptor number is reused by the next socket, so
	// the source must not outlive it.
	m.loop.Remove(m.consoleSource)
	m.consoleSock.Close()
	m.console = console

	fd := int(console.Fd())
	m.stdout = &ioChannel{fd: fd, stream: logfile.Stdout, shared: true}
	m.stdin = &ioChannel{fd: fd, stream: logfile.Stdin, shared: true}

	return nil
}

func (m *Monitor) warn(component string, err error) {
	m.j.Write(&EventWarning{
		Component: component,
		Error:     err.Error(),
	})
}

// fail stops the loop with a fatal error. Only the first error is kept.
func (m *Monitor) fail(err error) {
	if m.fatal == nil {
		m.fatal = err
	}
	m.loop.Quit()
}

func (m *Monitor) closeChildFiles() {
	for _, f := range m.childFiles {
		f.Close()
	}
	m.childFiles = nil
}

// close releases everything Run opened. It may be called more than once.
func (m *Monitor) close() {
	m.loop.Close()

	if m.attach != nil {
		if err := m.attach.Close(); err != nil {
			m.warn("attach", err)
		}
		m.attach = nil
	}
	if m.control != nil {
		m.control.Close()
		m.control = nil
	}
	if m.oom != nil {
		m.oom.Close()
		m.oom = nil
	}
	if m.consoleSock != nil {
		m.consoleSock.Close()
	}

	m.closeChannel(m.stdin)
	m.closeChannel(m.stdout)
	m.closeChannel(m.stderr)

	if m.console != nil {
		m.console.Close()
		m.console = nil
	}
	if m.logw != nil {
		m.logw.Close()
		m.logw = nil
	}

	m.closeChildFiles()
}
