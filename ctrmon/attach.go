package ctrmon

import (
	"os"
	"path/filepath"
	"time"

	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/logfile"
	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/loop"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	attachSocketName = "attach"
	attachBacklog    = 10
	attachBufSize    = 32 * 1024
)

// AttachWriteTimeout bounds how long a write to the attach client or to the
// container's stdin may wait for the other end to read. Output the client
// does not take in time is no longer sent to it; stdin input is dropped.
var AttachWriteTimeout = time.Second

// attachSession is an accepted attach client. Each direction is closed
// independently; the socket is closed once both are.
type attachSession struct {
	fd       int
	source   loop.SourceID
	readable bool
	writable bool
}

// attachServer listens for attach clients and keeps at most one session.
type attachServer struct {
	l       *loop.Loop
	fd      int
	source  loop.SourceID
	symlink string
	path    string
	session *attachSession
	buf     [attachBufSize]byte

	// stdin returns the channel input is forwarded to, or nil if the
	// container has no open stdin.
	stdin func() *ioChannel
	// closeStdin is called when the client closes its write side.
	closeStdin func()

	onAccept  func(fd int)
	onClose   func(fd int)
	onWarning func(error)
}

// listenAttach creates the <socketDir>/<uuid> symlink pointing to the bundle
// and listens on the attach socket inside it. The symlink keeps the socket
// path short enough for sockaddr_un regardless of the bundle path.
func listenAttach(socketDir, uuid, bundle string) (*attachServer, error) {
	symlink := filepath.Join(socketDir, uuid)
	if err := os.Remove(symlink); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to remove stale attach symlink")
	}
	if err := os.Symlink(bundle, symlink); err != nil {
		return nil, errors.Wrap(err, "failed to create attach symlink")
	}

	path := filepath.Join(symlink, attachSocketName)

	fd, err := listenPacket(path)
	if err != nil {
		os.Remove(symlink)
		return nil, err
	}

	return &attachServer{
		fd:      fd,
		symlink: symlink,
		path:    path,
	}, nil
}

// listenPacket listens on a non-blocking SOCK_SEQPACKET socket at path.
func listenPacket(path string) (int, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return -1, errors.Wrap(err, "failed to remove stale attach socket")
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "failed to create attach socket")
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "failed to bind attach socket %s", path)
	}

	if err := unix.Chmod(path, 0700); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "failed to change attach socket permissions")
	}

	if err := unix.Listen(fd, attachBacklog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "failed to listen on attach socket")
	}

	return fd, nil
}

func (a *attachServer) start(l *loop.Loop) {
	a.l = l
	a.source = l.AddFD(a.fd, loop.In, a.accept)
}

func (a *attachServer) accept(fd int, cond loop.Condition) loop.Action {
	conn, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			a.onWarning(errors.Wrap(err, "failed to accept attach client"))
		}
		return loop.Continue
	}

	a.attach(conn)
	return loop.Continue
}

// attach makes conn the current session, replacing any previous one.
func (a *attachServer) attach(conn int) {
	// Only the newest client is served.
	if a.session != nil {
		a.closeSession()
	}

	if err := unix.SetNonblock(conn, true); err != nil {
		a.onWarning(errors.Wrap(err, "failed to make attach client non-blocking"))
	}

	s := &attachSession{
		fd:       conn,
		readable: true,
		writable: true,
	}
	s.source = a.l.AddFD(conn, loop.In, a.read)
	a.session = s

	a.onAccept(conn)
}

// read forwards client input to the container's stdin.
func (a *attachServer) read(fd int, cond loop.Condition) loop.Action {
	s := a.session
	if s == nil || s.fd != fd {
		return loop.Remove
	}

	if cond.Has(loop.In) {
		n, err := unix.Read(fd, a.buf[:])
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			return loop.Continue
		case err != nil:
			a.onWarning(errors.Wrap(err, "failed to read from attach client"))
		case n > 0:
			if ch := a.stdin(); ch != nil {
				if err := logfile.WriteAllTimeout(ch.fd, a.buf[:n], AttachWriteTimeout); err != nil {
					a.onWarning(errors.Wrap(err, "failed to write to container stdin"))
				}
			}
			return loop.Continue
		}
	} else if !cond.Has(loop.Hup) && !cond.Has(loop.Err) {
		return loop.Continue
	}

	// EOF, a read error or a hang up with nothing left to read.
	a.shutdown(unix.SHUT_RD)
	if a.closeStdin != nil {
		a.closeStdin()
	}

	return loop.Remove
}

// forward writes one framed chunk to the client, if it is still reading.
// frame[0] must hold the stream tag.
func (a *attachServer) forward(frame []byte) {
	s := a.session
	if s == nil || !s.writable {
		return
	}

	if err := logfile.WriteAllTimeout(s.fd, frame, AttachWriteTimeout); err != nil {
		a.onWarning(errors.Wrap(err, "failed to write to attach client"))
		a.shutdown(unix.SHUT_WR)
	}
}

// shutdown closes one direction of the session. The socket is closed once
// both directions are.
func (a *attachServer) shutdown(how int) {
	s := a.session
	if s == nil {
		return
	}

	if err := unix.Shutdown(s.fd, how); err != nil && err != unix.ENOTCONN {
		a.onWarning(errors.Wrap(err, "failed to shut down attach client"))
	}

	switch how {
	case unix.SHUT_RD:
		s.readable = false
	case unix.SHUT_WR:
		s.writable = false
	}

	if !s.readable && !s.writable {
		a.closeSession()
	}
}

func (a *attachServer) closeSession() {
	s := a.session
	a.session = nil

	a.l.Remove(s.source)
	unix.Close(s.fd)
	a.onClose(s.fd)
}

// Close closes the session and the listener and removes the symlink.
func (a *attachServer) Close() error {
	if a.session != nil {
		a.closeSession()
	}
	if a.l != nil {
		a.l.Remove(a.source)
	}

	unix.Close(a.fd)
	os.Remove(a.path)

	if err := os.Remove(a.symlink); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove attach symlink")
	}
	return nil
}
