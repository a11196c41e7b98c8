package shelf

import (
	"errors"
	"fmt"
)

// errors.go provides the error taxonomy for the shelf package
//
// error type checking:
//   an error can be checked against any of the sentinels using errors.Is(err, ErrX)
//   typed errors carry context and unwrap to their sentinel

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTimeout          = errors.New("timeout")
	ErrTransport        = errors.New("transport failure")
	ErrValidation       = errors.New("validation failure")
	ErrCycleDetected    = errors.New("cycle detected")
	ErrNoSessionToken   = errors.New("no session token")
	ErrNotSubscribed    = errors.New("not subscribed")
	ErrScopeMismatch    = errors.New("scope mismatch")
	ErrSuperseded       = errors.New("superseded by a newer mutation")
)

// ValidationError is a user-displayable rejection of a local mutation
// before it is submitted, e.g. a move that would create a cycle.
type ValidationError struct {
	EntityId Id
	Message  string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("validation failure for %s: %s", self.EntityId, self.Message)
}

func (self *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError identifies a stale reference, e.g. a move whose destination
// group was deleted by another client.
type NotFoundError struct {
	Kind string
	Id   Id
}

func (self *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", self.Kind, self.Id)
}

func (self *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// MutationRejectedError is surfaced by the coordinator after a remote
// rejection. The local fields named by the intent snapshot have already
// been rolled back when this error is returned.
type MutationRejectedError struct {
	EntityId Id
	Token    Id
	// Retryable is set for unknown-outcome failures (timeouts) where the
	// caller may offer a manual retry. Rejections are never retryable.
	Retryable bool
	Cause     error
}

func (self *MutationRejectedError) Error() string {
	return fmt.Sprintf("mutation %s rejected for %s: %s", self.Token, self.EntityId, self.Cause)
}

func (self *MutationRejectedError) Unwrap() error {
	return self.Cause
}

// TransportError wraps subscription/connection failures. These trigger
// automatic reconnection and are only surfaced after reconnection itself
// fails repeatedly.
type TransportError struct {
	Attempts int
	Cause    error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport failure after %d attempts: %s", self.Attempts, self.Cause)
}

func (self *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (self *TransportError) Unwrap() error {
	return self.Cause
}

func errorIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
