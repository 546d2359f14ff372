// Package apperr provides the error taxonomy for the session orchestration subsystem.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies one entry of the error taxonomy. It is carried verbatim as
// the wire code at the HTTP/WS boundary.
type Kind string

const (
	KindRepoLocked             Kind = "repo_locked"
	KindSandboxCreationFailed  Kind = "sandbox_creation_failed"
	KindGitConfigFailed        Kind = "git_config_failed"
	KindCloneFailed            Kind = "clone_failed"
	KindRepoNotFound           Kind = "repo_not_found"
	KindPrewarmFailed          Kind = "prewarm_failed"
	KindChannel404             Kind = "channel_404"
	KindChannelDisconnect      Kind = "channel_disconnect"
	KindRefreshFailed          Kind = "refresh_failed"
	KindInvalidRefreshResponse Kind = "invalid_refresh_response"
	KindNoTokenConfigured      Kind = "no_token_configured"

	// Generic kinds for the ambient HTTP boundary, not part of the domain taxonomy.
	KindNotFound      Kind = "not_found"
	KindBadRequest    Kind = "bad_request"
	KindConflict      Kind = "conflict"
	KindInternal      Kind = "internal_error"
	KindUnauthorized  Kind = "unauthorized"
)

// AppError is the application-specific error type carried through every
// component in this module. Kind is the taxonomy entry; Message is a
// human-readable description; Err, if present, is the wrapped cause.
type AppError struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New constructs an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap constructs an AppError of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// RepoLocked reports that a repo is held by another task.
func RepoLocked(repoID string, otherTaskID string) *AppError {
	return New(KindRepoLocked, fmt.Sprintf("repo %s is locked by task %s", repoID, otherTaskID))
}

// SandboxCreationFailed wraps a sandbox create failure.
func SandboxCreationFailed(err error) *AppError {
	return Wrap(KindSandboxCreationFailed, "failed to create sandbox", err)
}

// GitConfigFailed wraps a git credential configuration failure.
func GitConfigFailed(err error) *AppError {
	return Wrap(KindGitConfigFailed, "failed to configure git credentials", err)
}

// CloneFailed wraps a repo clone failure.
func CloneFailed(err error) *AppError {
	return Wrap(KindCloneFailed, "failed to clone repository", err)
}

// RepoNotFound reports a missing repo row.
func RepoNotFound(repoID string) *AppError {
	return New(KindRepoNotFound, fmt.Sprintf("repo %s not found", repoID))
}

// PrewarmFailed wraps a prewarm pipeline failure surfaced to waiters.
func PrewarmFailed(err error) *AppError {
	return Wrap(KindPrewarmFailed, "prewarm setup failed", err)
}

// Channel404 reports a fatal WebSocket upgrade 404 from the sandbox.
func Channel404(sandboxName string) *AppError {
	return New(KindChannel404, fmt.Sprintf("sandbox %s not found on stream upgrade", sandboxName))
}

// ChannelDisconnect wraps a non-fatal channel disconnect.
func ChannelDisconnect(err error) *AppError {
	return Wrap(KindChannelDisconnect, "agent channel disconnected", err)
}

// RefreshFailed wraps an OAuth refresh failure.
func RefreshFailed(err error) *AppError {
	return Wrap(KindRefreshFailed, "token refresh failed", err)
}

// InvalidRefreshResponse reports a malformed refresh response body.
func InvalidRefreshResponse(err error) *AppError {
	return Wrap(KindInvalidRefreshResponse, "invalid refresh response", err)
}

// NoTokenConfigured reports that the Token Manager has no seeded token.
func NoTokenConfigured() *AppError {
	return New(KindNoTokenConfigured, "no oauth token configured")
}

// NotFound creates a generic not-found error for the HTTP boundary.
func NotFound(resource, id string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s with id '%s' not found", resource, id))
}

// BadRequest creates a generic bad-request error for the HTTP boundary.
func BadRequest(message string) *AppError {
	return New(KindBadRequest, message)
}

// Conflict creates a generic conflict error for the HTTP boundary.
func Conflict(message string) *AppError {
	return New(KindConflict, message)
}

// Internal wraps an unexpected error for the HTTP boundary.
func Internal(message string, err error) *AppError {
	return Wrap(KindInternal, message, err)
}

// Is reports whether err is an AppError of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// HTTPStatus maps a Kind to the status code used at the gin boundary. Several
// kinds (channel_disconnect, refresh_failed, ...) never cross the HTTP
// boundary and map to 500 only as a fallback.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound, KindRepoNotFound:
		return 404
	case KindBadRequest:
		return 400
	case KindConflict, KindRepoLocked:
		return 409
	case KindUnauthorized, KindNoTokenConfigured:
		return 401
	default:
		return 500
	}
}
