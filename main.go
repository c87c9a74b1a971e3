package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/syslog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"git.unix.lgbt/diamondburned/ctrmon/ctrmon"
	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/journal"
	"git.unix.lgbt/diamondburned/ctrmon/ctrmon/logfile"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

var (
	cfg ctrmon.Config

	timeoutSecs int
	journalFile string
	journalWait time.Duration
	logLevel    = "info"
	useSyslog   bool
	tailLines   = 10
)

func init() {
	flag.BoolVarP(&cfg.Terminal, "terminal", "t", false, "allocate a pseudo-TTY for the container")
	flag.BoolVarP(&cfg.Stdin, "stdin", "i", false, "keep the container's stdin open")
	flag.StringVarP(&cfg.ContainerID, "cid", "c", "", "container ID")
	flag.StringVarP(&cfg.ContainerUUID, "cuuid", "u", "", "container UUID")
	flag.StringVarP(&cfg.Runtime, "runtime", "r", "", "path to the OCI runtime")
	flag.BoolVar(&cfg.NoPivot, "no-pivot", false, "do not use pivot_root")
	flag.StringVarP(&cfg.Bundle, "bundle", "b", "", "bundle path (defaults to the working directory)")
	flag.StringVarP(&cfg.PIDFile, "pidfile", "p", "", "PID file written by the runtime")
	flag.BoolVarP(&cfg.SystemdCgroup, "systemd-cgroup", "s", false, "have the runtime use systemd cgroups")
	flag.BoolVarP(&cfg.Exec, "exec", "e", false, "exec a command in a running container")
	flag.BoolVarP(&cfg.ExecDetach, "detach", "d", false, "detach the exec'd process")
	flag.StringVar(&cfg.ExecProcessSpec, "exec-process-spec", "", "path to the process spec for exec")
	flag.StringVar(&cfg.ExitDir, "exit-dir", "", "directory the exit file is written into")
	flag.StringVarP(&cfg.LogPath, "log-path", "l", "", "container log file path")
	flag.IntVarP(&timeoutSecs, "timeout", "T", 0, "kill the container after this many seconds")
	flag.Int64Var(&cfg.LogSizeMax, "log-size-max", -1, "maximum log file size before rotation")
	flag.StringVar(&cfg.SocketDir, "socket-dir-path", ctrmon.DefaultSocketDir, "directory of attach socket links")
	flag.DurationVar(&cfg.TTYHupInterval, "tty-hup-interval", ctrmon.DefaultTTYHupInterval, "how often a hung up terminal is polled")

	flag.StringVar(&journalFile, "journal", "", "also write events to this journal file")
	flag.DurationVar(&journalWait, "journal-wait", 0, "wait this long for the journal lock instead of failing")
	flag.StringVar(&logLevel, "log-level", logLevel, "diagnostic log level")
	flag.BoolVar(&useSyslog, "syslog", false, "also log diagnostics to syslog")
	flag.IntVarP(&tailLines, "lines", "n", tailLines, "number of lines printed by logs and events")

	flag.Usage = func() {
		f := func(f string, v ...interface{}) {
			fmt.Fprintf(os.Stderr, f, v...)
		}

		name := filepath.Base(os.Args[0])

		f("Usage:\n")
		f("  %s -c <cid> -u <cuuid> -r <runtime> -l <log> --exit-dir <dir> [flags]\n", name)
		f("  %s -c <cid> --exit-dir <dir> [--journal <journal>] wait\n", name)
		f("  %s [-n lines] logs <log>\n", name)
		f("  %s [-n lines] --journal <journal> events\n", name)
		f("\n")
		f("Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg.Timeout = time.Duration(timeoutSecs) * time.Second
}

func main() {
	log := logrus.New()

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		log.Fatalln("invalid --log-level:", err)
	}
	log.SetLevel(level)

	if useSyslog {
		hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_DAEMON, "ctrmon")
		if err != nil {
			log.Fatalln("failed to connect to syslog:", err)
		}
		log.AddHook(hook)
	}

	switch flag.Arg(0) {
	case "":
		err = monitor(log)
	case "wait":
		err = wait()
	case "logs":
		err = logs(flag.Arg(1))
	case "events":
		err = events()
	default:
		log.Fatalf("unknown subcommand %q\n", flag.Arg(0))
	}

	if err != nil {
		log.Fatalln(err)
	}
}

func monitor(log *logrus.Logger) error {
	start, err := ctrmon.PipeFromEnv(ctrmon.StartPipeEnv)
	if err != nil {
		return err
	}
	if err := ctrmon.WaitStartPipe(start); err != nil {
		return err
	}

	syncFile, err := ctrmon.PipeFromEnv(ctrmon.SyncPipeEnv)
	if err != nil {
		return err
	}
	sync := ctrmon.NewSyncPipe(syncFile, cfg.Exec)
	defer sync.Close()

	if err := cfg.Validate(); err != nil {
		return err
	}

	entry := log.WithField("cid", cfg.ContainerID)

	journalers := []ctrmon.Journaler{ctrmon.NewLoggerJournaler(entry)}

	if journalFile != "" {
		j, err := openJournal()
		if err != nil {
			if errors.Is(err, journal.ErrLockedElsewhere) {
				return errors.Errorf("journal %s is used by another monitor", journalFile)
			}
			return errors.Wrap(err, "failed to acquire journal lock")
		}
		defer j.Close()

		journalers = append(journalers, j)
	}

	journaler := journal.MultiWriter(journalers...)
	journaler.Write(&ctrmon.EventAcquired{ContainerID: cfg.ContainerID})

	m := ctrmon.NewMonitor(cfg, sync, entry, journaler)
	return m.Run()
}

func openJournal() (*journal.FileLockJournaler, error) {
	if journalWait <= 0 {
		return journal.NewFileLockJournaler(journalFile)
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalWait)
	defer cancel()

	j, err := journal.NewFileLockJournalerWait(ctx, journalFile)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, journal.ErrLockedElsewhere
	}
	return j, err
}

func wait() error {
	if cfg.ContainerID == "" || cfg.ExitDir == "" {
		return errors.New("wait needs --cid and --exit-dir")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()

	code, err := ctrmon.WaitExitFile(ctx, cfg.ExitDir, cfg.ContainerID)
	if err != nil {
		return errors.Wrap(err, "failed to wait for exit file")
	}

	fmt.Println(code)

	if journalFile == "" {
		return nil
	}

	state, err := journal.ReadPreviousStateFromFile(journalFile)
	if err != nil {
		return errors.Wrap(err, "failed to read journal")
	}

	fmt.Printf("pid=%d exited=%t exit_code=%d oom=%t timed_out=%t\n",
		state.PID, state.Exited, state.ExitCode, state.OOM, state.TimedOut)
	return nil
}

func logs(path string) error {
	if path == "" {
		return errors.New("logs needs a log file path")
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open log")
	}
	defer f.Close()

	lines, err := logfile.Tail(f, tailLines)
	if err != nil {
		return errors.Wrap(err, "failed to read log")
	}

	for _, line := range lines {
		partial := ""
		if !line.Complete {
			partial = " (partial)"
		}
		fmt.Printf("%s%s: %s\n", line.Stream, partial, strconv.Quote(string(line.Data)))
	}

	return nil
}

func events() error {
	if journalFile == "" {
		return errors.New("events needs --journal")
	}

	f, err := os.Open(journalFile)
	if err != nil {
		return errors.Wrap(err, "failed to open journal")
	}
	defer f.Close()

	entries, err := journal.ReadLast(f, tailLines)
	for _, entry := range entries {
		b, _ := json.Marshal(entry.Event)
		fmt.Printf("%s %s %s\n", entry.Time.Format(time.RFC3339), entry.Event.Type(), b)
	}

	return err
}
