package ctrmon

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/logfile"
	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/loop"
	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *mockJournal) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	j := &mockJournal{}
	m := NewMonitor(cfg, nil, log, j)

	w, err := logfile.Open(filepath.Join(t.TempDir(), "ctr.log"), 0)
	if err != nil {
		t.Fatal("failed to open log:", err)
	}
	m.logw = w

	t.Cleanup(m.close)
	return m, j
}

// runUntil runs the monitor loop until done returns true.
func runUntil(t *testing.T, l *loop.Loop, done func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	tick := l.AddTimeout(5*time.Millisecond, func() loop.Action {
		if done() || time.Now().After(deadline) {
			l.Quit()
		}
		return loop.Continue
	})
	defer l.Remove(tick)

	if err := l.Run(); err != nil {
		t.Fatal("run failed:", err)
	}
	if !done() {
		t.Fatal("timed out")
	}
}

// readLogStreams reassembles the output of each stream from a log file.
func readLogStreams(t *testing.T, path string) map[string]string {
	t.Helper()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal("failed to read log:", err)
	}

	streams := map[string]string{}

	// Terminal output ends lines with \r\n, so only \n separates records.
	for _, line := range bytes.SplitAfter(b, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		r, err := logfile.ParseRecord(line)
		if err != nil {
			t.Fatalf("malformed record %q: %v", line, err)
		}
		streams[r.Stream] += string(r.Payload)
	}

	return streams
}

func TestStdioRelay(t *testing.T) {
	m, _ := newTestMonitor(t, Config{TTYHupInterval: DefaultTTYHupInterval})

	stdoutFD, stdout, err := newPipe(false)
	if err != nil {
		t.Fatal(err)
	}
	stderrFD, stderr, err := newPipe(false)
	if err != nil {
		t.Fatal(err)
	}

	m.stdout = &ioChannel{fd: stdoutFD, stream: logfile.Stdout}
	m.stderr = &ioChannel{fd: stderrFD, stream: logfile.Stderr}
	m.watchStdio(m.stdout)
	m.watchStdio(m.stderr)

	ours, peer := socketpair(t)
	m.attach = &attachServer{
		l:         m.loop,
		fd:        -1,
		stdin:     m.openStdin,
		onAccept:  func(int) {},
		onClose:   func(int) {},
		onWarning: func(err error) { t.Error("attach warning:", err) },
	}
	m.attach.attach(ours)
	defer func() {
		m.attach.closeSession()
		m.attach = nil
	}()

	stdout.WriteString("hello\n")
	stderr.WriteString("oops\n")
	stdout.WriteString("world")
	stdout.Close()
	stderr.Close()

	runUntil(t, m.loop, func() bool { return m.stdout.closed && m.stderr.closed })

	streams := readLogStreams(t, m.logw.Path())
	if streams["stdout"] != "hello\nworld" {
		t.Errorf("stdout log %q", streams["stdout"])
	}
	if streams["stderr"] != "oops\n" {
		t.Errorf("stderr log %q", streams["stderr"])
	}

	unix.SetNonblock(peer, true)

	attached := map[byte]string{}
	for {
		var buf [1 + stdioBufSize]byte
		n, err := unix.Read(peer, buf[:])
		if err != nil || n == 0 {
			break
		}
		attached[buf[0]] += string(buf[1:n])
	}

	if attached[byte(logfile.Stdout)] != "hello\nworld" {
		t.Errorf("attached stdout %q", attached[byte(logfile.Stdout)])
	}
	if attached[byte(logfile.Stderr)] != "oops\n" {
		t.Errorf("attached stderr %q", attached[byte(logfile.Stderr)])
	}
}

func TestStdioDrain(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	fd, child, err := newPipe(false)
	if err != nil {
		t.Fatal(err)
	}
	m.stdout = &ioChannel{fd: fd, stream: logfile.Stdout}

	// More than a single read's worth.
	data := bytes.Repeat([]byte("0123456789abcde\n"), stdioBufSize/8)
	go func() {
		child.Write(data)
		child.Close()
	}()

	m.drain(m.stdout)

	if !m.stdout.closed {
		t.Fatal("channel not closed after drain")
	}
	if got := readLogStreams(t, m.logw.Path())["stdout"]; got != string(data) {
		t.Fatalf("drained %d bytes, expected %d", len(got), len(data))
	}
}

func TestStdioTerminalHangup(t *testing.T) {
	m, j := newTestMonitor(t, Config{TTYHupInterval: 10 * time.Millisecond})

	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skip("no pty available:", err)
	}
	defer ptmx.Close()

	ttyName := tty.Name()

	fd := int(ptmx.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatal("failed to make pty non-blocking:", err)
	}

	m.stdout = &ioChannel{fd: fd, stream: logfile.Stdout, shared: true}
	m.watchStdio(m.stdout)

	logged := func(s string) func() bool {
		return func() bool {
			return bytes.Contains([]byte(readLogStreams(t, m.logw.Path())["stdout"]), []byte(s))
		}
	}

	tty.WriteString("first\n")
	tty.Close()

	runUntil(t, m.loop, logged("first"))

	// The last reader is gone, but the terminal is only polled, not closed.
	runUntil(t, m.loop, func() bool { return m.hupScheduled })
	if m.stdout.closed {
		t.Fatal("terminal closed on hang up")
	}

	// A new reader shows up and output continues.
	tty, err = os.OpenFile(ttyName, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		t.Fatal("failed to reopen tty:", err)
	}
	defer tty.Close()

	tty.WriteString("second\n")
	runUntil(t, m.loop, logged("second"))

	if ev := j.Find(&EventWarning{}); ev != nil {
		t.Fatalf("unexpected warning %+v", ev)
	}
}
