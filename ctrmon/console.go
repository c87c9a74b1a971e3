package ctrmon

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// consoleSocket is the socket the runtime sends the terminal master of the
// container over. It is used exactly once.
type consoleSocket struct {
	fd   int
	path string
}

// listenConsole listens on a new Unix socket in the temporary directory.
func listenConsole() (*consoleSocket, error) {
	// Reserve a unique name, then replace the file with the socket.
	f, err := os.CreateTemp("", "ctrmon-term.")
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate console socket path")
	}
	path := f.Name()
	f.Close()

	if err := os.Remove(path); err != nil {
		return nil, errors.Wrap(err, "failed to unlink console socket path")
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create console socket")
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "failed to bind console socket %s", path)
	}

	if err := unix.Chmod(path, 0700); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, errors.Wrap(err, "failed to change console socket permissions")
	}

	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, errors.Wrap(err, "failed to listen on console socket")
	}

	return &consoleSocket{fd: fd, path: path}, nil
}

// accept accepts the runtime's connection and receives the terminal master
// from it. ok is false if nobody has connected yet.
func (c *consoleSocket) accept() (console *os.File, ok bool, err error) {
	conn, _, err := unix.Accept4(c.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to accept console socket")
	}
	defer unix.Close(conn)

	fd, err := recvFD(conn)
	if err != nil {
		return nil, false, err
	}

	if err := setONLCR(fd); err != nil {
		unix.Close(fd)
		return nil, false, err
	}

	// Wrap the descriptor while it is blocking, so that the File never
	// touches its flags.
	unix.SetNonblock(fd, false)
	console = os.NewFile(uintptr(fd), "console")

	if err := unix.SetNonblock(fd, true); err != nil {
		console.Close()
		return nil, false, errors.Wrap(err, "failed to make console non-blocking")
	}

	return console, true, nil
}

// recvFD receives a single descriptor sent with SCM_RIGHTS over conn.
func recvFD(conn int) (int, error) {
	// The runtime sends the name of the terminal along with the descriptor.
	name := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := unix.Recvmsg(conn, name, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "failed to receive console descriptor")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, errors.Wrap(err, "failed to parse console control message")
	}
	if len(msgs) != 1 {
		return -1, errors.Errorf("expected 1 control message, got %d", len(msgs))
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, errors.Wrap(err, "failed to parse console descriptor")
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return -1, errors.Errorf("expected 1 descriptor, got %d", len(fds))
	}

	return fds[0], nil
}

// setONLCR makes the terminal translate \n into \r\n on output.
func setONLCR(fd int) error {
	tios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return errors.Wrap(err, "failed to get console attributes")
	}

	tios.Oflag |= unix.ONLCR

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tios); err != nil {
		return errors.Wrap(err, "failed to set console attributes")
	}

	return nil
}

// Close closes the listener and removes its path. It may be called more than
// once.
func (c *consoleSocket) Close() error {
	if c.fd < 0 {
		return nil
	}

	unix.Close(c.fd)
	c.fd = -1

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove console socket")
	}
	return nil
}
