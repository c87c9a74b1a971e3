package ctrmon

// eventType describes an event type.
type eventType = string

const (
	eventWarning          eventType = "warning"
	eventAcquired         eventType = "acquired lock"
	eventRuntimeSpawned   eventType = "runtime spawned"
	eventRuntimeExited    eventType = "runtime exited"
	eventContainerStarted eventType = "container started"
	eventContainerExited  eventType = "container exited"
	eventTimedOut         eventType = "timed out"
	eventOOM              eventType = "oom"
	eventLogRotated       eventType = "log rotated"
	eventAttachAccepted   eventType = "attach accepted"
	eventAttachClosed     eventType = "attach closed"
)

// Event is an interface describing known events.
type Event interface {
	Type() string
	event()
}

// NewEvent creates a new event from the given event type. It is used primarily
// for decoding events from its type. Nil is returned if the event type is
// unknown.
func NewEvent(eventType string) Event {
	switch eventType {
	case eventWarning:
		return &EventWarning{}
	case eventAcquired:
		return &EventAcquired{}
	case eventRuntimeSpawned:
		return &EventRuntimeSpawned{}
	case eventRuntimeExited:
		return &EventRuntimeExited{}
	case eventContainerStarted:
		return &EventContainerStarted{}
	case eventContainerExited:
		return &EventContainerExited{}
	case eventTimedOut:
		return &EventTimedOut{}
	case eventOOM:
		return &EventOOM{}
	case eventLogRotated:
		return &EventLogRotated{}
	case eventAttachAccepted:
		return &EventAttachAccepted{}
	case eventAttachClosed:
		return &EventAttachClosed{}
	default:
		return nil
	}
}

// EventWarning is emitted when a non-fatal error occurs.
type EventWarning struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

func (ev *EventWarning) Type() string { return eventWarning }
func (ev *EventWarning) event()       {}

// EventAcquired is emitted when the flock (i.e. write lock on the journal) is
// acquired, which is on startup.
type EventAcquired struct {
	ContainerID string `json:"container_id"`
}

func (ev *EventAcquired) Type() string { return eventAcquired }
func (ev *EventAcquired) event()       {}

// EventRuntimeSpawned is emitted once the OCI runtime has been started.
type EventRuntimeSpawned struct {
	PID  int      `json:"pid"`
	Argv []string `json:"argv"`
}

func (ev *EventRuntimeSpawned) Type() string { return eventRuntimeSpawned }
func (ev *EventRuntimeSpawned) event()       {}

// EventRuntimeExited is emitted when the runtime create or exec command has
// been reaped. Message holds the runtime's stderr if it failed.
type EventRuntimeExited struct {
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message,omitempty"`
}

// IsSuccess returns true if the runtime exited cleanly.
func (ev EventRuntimeExited) IsSuccess() bool {
	return ev.ExitCode == 0
}

func (ev *EventRuntimeExited) Type() string { return eventRuntimeExited }
func (ev *EventRuntimeExited) event()       {}

// EventContainerStarted is emitted once the container PID is known.
type EventContainerStarted struct {
	PID int `json:"pid"`
}

func (ev *EventContainerStarted) Type() string { return eventContainerStarted }
func (ev *EventContainerStarted) event()       {}

// EventContainerExited is emitted when the container process has been reaped.
type EventContainerExited struct {
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
}

func (ev *EventContainerExited) Type() string { return eventContainerExited }
func (ev *EventContainerExited) event()       {}

// EventTimedOut is emitted when the monitor timeout expires before the
// container exits. The container is killed afterwards.
type EventTimedOut struct {
	PID int `json:"pid"`
}

func (ev *EventTimedOut) Type() string { return eventTimedOut }
func (ev *EventTimedOut) event()       {}

// EventOOM is emitted for every OOM notification of the container's cgroup.
type EventOOM struct {
	PID int `json:"pid"`
}

func (ev *EventOOM) Type() string { return eventOOM }
func (ev *EventOOM) event()       {}

// EventLogRotated is emitted when the log file has been recreated after
// reaching its maximum size.
type EventLogRotated struct {
	Path string `json:"path"`
}

func (ev *EventLogRotated) Type() string { return eventLogRotated }
func (ev *EventLogRotated) event()       {}

// EventAttachAccepted is emitted when a client connects to the attach socket.
type EventAttachAccepted struct {
	FD int `json:"fd"`
}

func (ev *EventAttachAccepted) Type() string { return eventAttachAccepted }
func (ev *EventAttachAccepted) event()       {}

// EventAttachClosed is emitted when both directions of an attach session are
// closed.
type EventAttachClosed struct {
	FD int `json:"fd"`
}

func (ev *EventAttachClosed) Type() string { return eventAttachClosed }
func (ev *EventAttachClosed) event()       {}
