package call

import (
	"errors"
	"fmt"
)

// Sentinel errors for call package operations.
// These enable reliable classification with errors.Is().
var (
	// ErrCallAlreadyActive indicates a call already exists; at most one
	// call is serviced process-wide.
	ErrCallAlreadyActive = errors.New("another call is already active")

	// ErrNoActiveCall indicates no call is currently tracked.
	ErrNoActiveCall = errors.New("no active call")

	// ErrUnknownCall indicates an event named a callId that does not match
	// the live call.
	ErrUnknownCall = errors.New("unknown call")

	// ErrUnknownPeer indicates an event named a peerId with no live session.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrMuteNotAllowed indicates the call policy forbids the mute toggle.
	ErrMuteNotAllowed = errors.New("mute toggle not permitted by call policy")

	// ErrSessionTerminated indicates an operation reached a session that
	// has already entered a terminal state.
	ErrSessionTerminated = errors.New("peer session terminated")
)

// ErrorKind tags a CallError with its failure class.
type ErrorKind int

const (
	// ErrorKindOther covers failures with no more specific class, such as
	// an unexpectedly absent collaborator.
	ErrorKindOther ErrorKind = iota
	// ErrorKindProviderReset indicates the media provider was reset under us.
	ErrorKindProviderReset
	// ErrorKindAssertion indicates an internal invariant was violated.
	ErrorKindAssertion
	// ErrorKindDisconnected indicates a transport-level ICE disconnect.
	ErrorKindDisconnected
	// ErrorKindExternal wraps an error surfaced by the media or transport layer.
	ErrorKindExternal
	// ErrorKindTimeout indicates a negotiation or connect deadline expired.
	ErrorKindTimeout
	// ErrorKindObsoleteCall indicates the event's call is no longer current.
	ErrorKindObsoleteCall
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindProviderReset:
		return "providerReset"
	case ErrorKindAssertion:
		return "assertionError"
	case ErrorKindDisconnected:
		return "disconnected"
	case ErrorKindExternal:
		return "externalError"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindObsoleteCall:
		return "obsoleteCall"
	default:
		return "other"
	}
}

// CallError is the tagged error type negotiation failures are mapped to
// before they drive a session to PeerStateFailed. Errors of this type are
// handled at the session boundary and never re-thrown past it.
type CallError struct {
	Kind        ErrorKind
	Description string
	Underlying  error
}

func (e *CallError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Unwrap exposes the underlying error for errors.Is / errors.As chains.
func (e *CallError) Unwrap() error { return e.Underlying }

// NewTimeoutError builds a timeout-kind CallError.
func NewTimeoutError(description string) *CallError {
	return &CallError{Kind: ErrorKindTimeout, Description: description}
}

// NewObsoleteCallError builds an obsoleteCall-kind CallError.
func NewObsoleteCallError(description string) *CallError {
	return &CallError{Kind: ErrorKindObsoleteCall, Description: description}
}

// NewAssertionError builds an assertionError-kind CallError.
func NewAssertionError(description string) *CallError {
	return &CallError{Kind: ErrorKindAssertion, Description: description}
}

// WrapError maps err onto the CallError taxonomy. A *CallError passes
// through unchanged; anything else becomes externalError.
func WrapError(err error, description string) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Kind: ErrorKindExternal, Description: description, Underlying: err}
}
