// Package ctrmon is the core of the ctrmon application: a monitor that
// supervises a single OCI container (or exec session) for its whole lifetime.
//
// # Mechanism of Operation
//
// The monitor starts the OCI runtime as its child, waits for it to create the
// container and exit, then reads the container PID from the runtime's pid
// file. Since the monitor marks itself as a child subreaper, the container
// process is reparented to it once the runtime exits, so the monitor is the
// one that eventually reaps it.
//
// Everything after that is driven by a single-threaded event loop (package
// loop). The sources registered on it are:
//
//   - the container's stdout and stderr, or the terminal master;
//   - the attach socket listener and its single accepted session;
//   - the ctl FIFO carrying terminal resize requests;
//   - the OOM event descriptor of the container's memory cgroup;
//   - a self-pipe woken up by SIGCHLD, which triggers the reap loop.
//
// Since all callbacks run on the loop goroutine, none of the state in Monitor
// is locked.
//
// # Reporting
//
// The monitor reports back to whoever started it in two ways. The sync pipe,
// inherited through _OCI_SYNCPIPE, receives a single JSON object with the
// container PID (or the exit code, for exec sessions). The exit file,
// <exit-dir>/<container-id>, holds the container's exit code once it is gone
// and outlives the monitor.
//
// Lifecycle events are additionally written to a Journaler, which may be
// backed by a JSON journal file (see package journal) so the last state of the
// container can be recovered with ReadPreviousState.
package ctrmon
