// Package orcherr defines the error taxonomy shared by every layer of the
// job orchestrator. Handlers and services classify failures into one of
// these kinds; the dispatcher is the only place that decides what a kind
// means for retry.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error classification independent of any
// particular component.
type Kind string

const (
	KindInvalidInput       Kind = "InvalidInput"
	KindNotFound           Kind = "NotFound"
	KindIllegalTransition  Kind = "IllegalTransition"
	KindRateLimited        Kind = "RateLimited"
	KindUpstreamFailure    Kind = "UpstreamFailure"
	KindChannelSaturated   Kind = "ChannelSaturated"
	KindSessionLost        Kind = "SessionLost"
	KindTimeout            Kind = "Timeout"
	KindCancelled          Kind = "Cancelled"
	KindInvariantViolation Kind = "InvariantViolation"
)

// Sentinel errors for errors.Is comparisons where no extra context is needed.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrRateLimited        = errors.New("rate limited")
	ErrUpstreamFailure    = errors.New("upstream marketplace failure")
	ErrChannelSaturated   = errors.New("plugin bridge channel saturated")
	ErrSessionLost        = errors.New("session lost")
	ErrTimeout            = errors.New("timeout")
	ErrCancelled          = errors.New("cancelled")
	ErrInvariantViolation = errors.New("invariant violation")
)

var sentinelByKind = map[Kind]error{
	KindInvalidInput:       ErrInvalidInput,
	KindNotFound:           ErrNotFound,
	KindIllegalTransition:  ErrIllegalTransition,
	KindRateLimited:        ErrRateLimited,
	KindUpstreamFailure:    ErrUpstreamFailure,
	KindChannelSaturated:   ErrChannelSaturated,
	KindSessionLost:        ErrSessionLost,
	KindTimeout:            ErrTimeout,
	KindCancelled:          ErrCancelled,
	KindInvariantViolation: ErrInvariantViolation,
}

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinelByKind[e.Kind]
}

// Is lets errors.Is(err, orcherr.ErrTimeout) match an *Error of that kind
// even when Cause is set to something else.
func (e *Error) Is(target error) bool {
	return sentinelByKind[e.Kind] == target
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether the dispatcher should retry a task/job that
// failed with this kind of error. SessionLost and Cancelled are terminal
// per spec; InvalidInput, NotFound, IllegalTransition, and
// InvariantViolation are not retried either, including when task execution
// returns them (e.g. a marketplace 4xx reported as InvalidInput).
func Retryable(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindUpstreamFailure, KindChannelSaturated, KindTimeout:
		return true
	default:
		return false
	}
}
