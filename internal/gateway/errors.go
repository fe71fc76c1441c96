package gateway

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindAuth
	KindValidation
	KindConflict
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is the gateway error taxonomy. Every failure leaving this package is
// one of these so callers can branch on Kind without inspecting status codes.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Kind, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindOf(err error) (ErrorKind, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return 0, false
}

// IsAuth reports a 401/403-class failure: never retried, routed to the
// permission-denied view.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsNetwork reports a connect/transfer failure, the only retryable kind.
func IsNetwork(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNetwork
}

// IsConflict reports a state race the caller treats as success (for example
// recalling an already-recalled message).
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// IsNotFound reports that the entity vanished concurrently; callers drop the
// matching local state silently.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

func classify(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status == 400 || status == 422:
		return KindValidation
	default:
		return KindNetwork
	}
}

func netError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func statusError(op string, status int) *Error {
	return &Error{Kind: classify(status), Op: op, Status: status}
}
