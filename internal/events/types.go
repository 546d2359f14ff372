// Package events names the subjects and typed payloads published on the
// event bus by the Session Supervisor, for consumption by the HTTP/WS
// boundary and any other in-process subscriber.
package events

// Status values published on a session's status stream.
const (
	StatusConnecting    = "connecting"
	StatusStartingAgent = "starting_agent"
	StatusReady         = "ready"
	StatusProcessing    = "processing"
	StatusDisconnected  = "disconnected"
	StatusIdle          = "idle"
	StatusError         = "error"
)

// Event types published alongside a session's status stream.
const (
	EventAgentText                = "agent_text"
	EventToolUse                  = "tool_use"
	EventToolResult               = "tool_result"
	EventAgentDone                = "agent_done"
	EventAgentError               = "agent_error"
	EventExecutionSessionStarted  = "execution_session_started"
	EventExecutionSessionEnded    = "execution_session_ended"
)

// SessionSubject is the base subject for one task's session stream.
const SessionSubject = "session"

// BuildSessionSubject creates the subject a task's status and event stream
// is published on.
func BuildSessionSubject(taskID string) string {
	return SessionSubject + "." + taskID
}

// BuildSessionWildcardSubject creates a wildcard subscription subject for
// all sessions, used by the HTTP boundary's admin/overview relay.
func BuildSessionWildcardSubject() string {
	return SessionSubject + ".*"
}
