// Package task defines the core data model shared by the allocator, the
// conversation store, and the HTTP boundary: tasks, repos, messages,
// execution sessions, and the singleton OAuth token row.
package task

import "time"

// Status is the lifecycle status of a Task.
type Status string

const (
	StatusActive        Status = "active"
	StatusAwaitingInput Status = "awaiting_input"
	StatusIdle          Status = "idle"
	StatusError         Status = "error"
)

// Task is the conversation unit: a user conversation optionally bound to a
// source-code repository.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Status    Status     `json:"status"`
	RepoID    *string    `json:"repo_id,omitempty"`
	AgentType string     `json:"agent_type"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Repo is a registered source repository, exclusively lockable by one task
// at a time via the Allocator's database transaction.
type Repo struct {
	ID             string     `json:"id"`
	RemoteURL      string     `json:"remote_url"`
	DisplayName    string     `json:"display_name"`
	DefaultBranch  string     `json:"default_branch"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	LockedByTaskID *string    `json:"locked_by_task_id,omitempty"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
}

// ExecutionSessionStatus is the lifecycle status of an ExecutionSession.
type ExecutionSessionStatus string

const (
	ExecutionStarted     ExecutionSessionStatus = "started"
	ExecutionCompleted   ExecutionSessionStatus = "completed"
	ExecutionFailed      ExecutionSessionStatus = "failed"
	ExecutionInterrupted ExecutionSessionStatus = "interrupted"
)

// ExecutionSession is one contiguous span of agent context, anchoring the
// messages produced during it.
type ExecutionSession struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"task_id"`
	SandboxName string                 `json:"sandbox_name"`
	Kind        string                 `json:"kind"`
	Status      ExecutionSessionStatus `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// MessageKind identifies the role or nature of a persisted conversation entry.
type MessageKind string

const (
	MessageUser          MessageKind = "user"
	MessageAssistant     MessageKind = "assistant"
	MessageSystem        MessageKind = "system"
	MessageToolCall      MessageKind = "tool_call"
	MessageError         MessageKind = "error"
	MessageSessionStart  MessageKind = "session_start"
	MessageSessionEnd    MessageKind = "session_end"
)

// Message is a persisted conversation entry. Content and ToolData.output may
// be mutated after insertion (streaming append / tool-result back-patch)
// until the owning execution session ends; every other field is append-only.
type Message struct {
	ID                 string                 `json:"id"`
	TaskID             string                 `json:"task_id"`
	ExecutionSessionID *string                `json:"execution_session_id,omitempty"`
	Kind               MessageKind            `json:"kind"`
	Content            *string                `json:"content,omitempty"`
	ToolData           map[string]interface{} `json:"tool_data,omitempty"`
	InsertedAt         time.Time              `json:"inserted_at"`
}

// OAuthToken is the singleton OAuth state the Token Manager owns. UserID is
// null for the global token (multi-user credential isolation is a
// non-goal of this system).
type OAuthToken struct {
	UserID           *string   `json:"user_id,omitempty"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	Scopes           []string  `json:"scopes,omitempty"`
	SubscriptionTier string    `json:"subscription_tier,omitempty"`
}
