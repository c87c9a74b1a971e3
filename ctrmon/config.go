package ctrmon

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// DefaultTTYHupInterval is the default interval at which a hung up terminal
// is polled again for output.
const DefaultTTYHupInterval = 100 * time.Millisecond

// DefaultSocketDir is the default directory of attach socket symlinks.
const DefaultSocketDir = "/var/lib/ctrmon"

// Config configures a single monitor run.
type Config struct {
	// ContainerID is the ID given to the runtime. It also names the exit file.
	ContainerID string
	// ContainerUUID names the attach socket directory.
	ContainerUUID string
	// Runtime is the path to the OCI runtime binary.
	Runtime string
	// Bundle is the OCI bundle directory. It defaults to the working
	// directory.
	Bundle string
	// PIDFile is where the runtime writes the container PID.
	PIDFile string
	// LogPath is the path of the container log file.
	LogPath string
	// LogSizeMax is the size at which the log is rotated. Zero or less
	// disables rotation.
	LogSizeMax int64
	// ExitDir is the directory the exit file is written into.
	ExitDir string
	// SocketDir is the directory the attach socket symlink is created in.
	SocketDir string

	// Terminal makes the runtime allocate a pseudo-terminal for the
	// container.
	Terminal bool
	// Stdin keeps the container's stdin open.
	Stdin bool
	// SystemdCgroup passes --systemd-cgroup to the runtime.
	SystemdCgroup bool
	// NoPivot passes --no-pivot to the runtime.
	NoPivot bool

	// Exec runs ExecProcessSpec in the existing container instead of
	// creating one.
	Exec            bool
	ExecProcessSpec string
	// ExecDetach passes -d to runtime exec.
	ExecDetach bool

	// Timeout kills the container if it is still running after this long.
	// Zero disables the timeout.
	Timeout time.Duration
	// TTYHupInterval is how long to wait before polling a hung up terminal
	// again.
	TTYHupInterval time.Duration
}

// Validate checks the configuration and fills in defaults that depend on the
// working directory.
func (c *Config) Validate() error {
	if c.ContainerID == "" {
		return errors.New("container ID not provided, use --cid")
	}
	if !c.Exec && c.ContainerUUID == "" {
		return errors.New("container UUID not provided, use --cuuid")
	}
	if c.Runtime == "" {
		return errors.New("runtime path not provided, use --runtime")
	}
	if !c.Exec && c.ExitDir == "" {
		return errors.New("container exit directory not provided, use --exit-dir")
	}
	if c.Exec && c.ExecProcessSpec == "" {
		return errors.New("exec process spec path not provided, use --exec-process-spec")
	}
	if c.LogPath == "" {
		return errors.New("log file path not provided, use --log-path")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}

	if c.Bundle == "" || c.PIDFile == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "failed to get working directory")
		}
		if c.Bundle == "" {
			c.Bundle = cwd
		}
		if c.PIDFile == "" {
			c.PIDFile = filepath.Join(cwd, "pidfile-"+c.ContainerID)
		}
	}

	if c.SocketDir == "" {
		c.SocketDir = DefaultSocketDir
	}
	if c.TTYHupInterval <= 0 {
		c.TTYHupInterval = DefaultTTYHupInterval
	}

	return nil
}

// RuntimeArgs returns the argv of the runtime create or exec command.
// consoleSocket is only passed if it's not empty.
func (c *Config) RuntimeArgs(consoleSocket string) []string {
	argv := []string{c.Runtime}

	if c.SystemdCgroup {
		argv = append(argv, "--systemd-cgroup")
	}

	if c.Exec {
		argv = append(argv, "exec")
		if c.ExecDetach {
			argv = append(argv, "-d")
		}
		argv = append(argv, "--pid-file", c.PIDFile)
	} else {
		argv = append(argv, "create", "--bundle", c.Bundle, "--pid-file", c.PIDFile)
		if c.NoPivot {
			argv = append(argv, "--no-pivot")
		}
	}

	if consoleSocket != "" {
		argv = append(argv, "--console-socket", consoleSocket)
	}

	if c.Exec {
		argv = append(argv, "--process", c.ExecProcessSpec)
	}

	return append(argv, c.ContainerID)
}
