package sessionsupervisor

import "github.com/kandev/agentd/internal/eventparser"

// Status is the Session Supervisor's own state, distinct from the
// persisted task.Status: it tracks the sandbox/channel lifecycle, not
// just the coarse active/awaiting_input/idle view the UI's task list shows.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusConnecting    Status = "connecting"
	StatusStartingAgent Status = "starting_agent"
	StatusReady         Status = "ready"
	StatusProcessing    Status = "processing"
	StatusDisconnected  Status = "disconnected"
	StatusIdle          Status = "idle"
	// StatusExited marks that the agent process inside the sandbox exited
	// while the channel itself is still connected; like disconnected and
	// idle, the next user turn must restart the channel rather than write
	// straight to a dead process.
	StatusExited Status = "exited"
	StatusError  Status = "error"
	StatusStopped Status = "stopped"
)

// restartsChannel reports whether a user turn arriving in this status
// must restart the Agent Channel before the turn can be delivered.
func (s Status) restartsChannel() bool {
	return s == StatusDisconnected || s == StatusExited || s == StatusIdle
}

type msgChannelReady struct{}

type msgEvent struct{ ev eventparser.Event }

type msgStderr struct{ data []byte }

type msgExit struct{ code int }

type msgDisconnectedFatal struct{}

type msgDisconnectedRetrying struct{ attempt int }

type msgTerminatedByChannel struct{ reason string }

type msgIdleTimeout struct{}

type msgUserTurn struct {
	text  string
	reply chan error
}

type msgInterrupt struct {
	reply chan error
}

type msgTerminate struct {
	reply chan error
}
