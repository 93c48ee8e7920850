package clubos

import (
	"errors"
	"fmt"
)

// AuthenticationError means the server rejected the staff credentials, it is never retried
// and aborts whatever operation needed the session.
type AuthenticationError struct {
	Username string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("clubos: authentication rejected for %q: %s", e.Username, e.Reason)
}

// MissingCsrfTokenError means the login page did not contain one of the hidden anti-forgery
// fields. The page is malformed so retrying will not help.
type MissingCsrfTokenError struct {
	Field string
}

func (e *MissingCsrfTokenError) Error() string {
	return fmt.Sprintf("clubos: login page is missing anti-forgery field %q", e.Field)
}

func (e *MissingCsrfTokenError) Transient() bool {
	return false
}

// DelegationError means the session could not act as the given member.
type DelegationError struct {
	MemberID string
	Err      error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("clubos: delegate to member %q: %s", e.MemberID, e.Err.Error())
}

func (e *DelegationError) Unwrap() error {
	return e.Err
}

// TransientServerError is a 5xx answer. The JSON api answers any incomplete
// cookie/header combination with a generic 500, so this is also what a wiring mistake
// looks like.
type TransientServerError struct {
	Endpoint string
	Status   int
}

func (e *TransientServerError) Error() string {
	return fmt.Sprintf("clubos: %s: server error %d", e.Endpoint, e.Status)
}

func (e *TransientServerError) StatusCode() int {
	return e.Status
}

func (e *TransientServerError) Transient() bool {
	return true
}

// TerminalClientError is a 4xx answer, it is never retried.
type TerminalClientError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *TerminalClientError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("clubos: %s: client error %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("clubos: %s: client error %d: %s", e.Endpoint, e.Status, e.Body)
}

func (e *TerminalClientError) StatusCode() int {
	return e.Status
}

func (e *TerminalClientError) Transient() bool {
	return false
}

// SessionExpiredError is returned once a response redirected back to the login page, the
// session it happened on is dead from then on.
type SessionExpiredError struct {
	Endpoint string
}

func (e *SessionExpiredError) Error() string {
	if e.Endpoint == "" {
		return "clubos: session expired"
	}
	return fmt.Sprintf("clubos: %s: session expired (redirected to login)", e.Endpoint)
}

func (e *SessionExpiredError) Transient() bool {
	return false
}

var (
	// ErrDelegationMismatch is returned when a DelegationContext is used for another member
	// or after its session delegated elsewhere.
	ErrDelegationMismatch = errors.New("clubos: delegation context does not match the requested member or is stale")
	// ErrSessionInUse is returned when a second call tries to use a session while another
	// call is still running on it.
	ErrSessionInUse = errors.New("clubos: session is already in use by another call")
	// ErrNoDelegation is returned when a member scoped call is made without a delegation.
	ErrNoDelegation = errors.New("clubos: no active delegation")
)

const maxErrorBody = 256

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
