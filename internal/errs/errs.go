// Package errs holds the error taxonomy shared by adapters, relays and the
// orchestrator. Failures are classified by Kind so callers can decide between
// retrying, disabling a component, or falling back.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for handling purposes.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration covers missing credentials or targets. Fatal for the
	// component it belongs to and never retried automatically.
	KindConfiguration
	// KindConnection covers transient connectivity failures that trigger backoff.
	KindConnection
	// KindProtocol covers platform transport failures mid-operation.
	KindProtocol
	// KindResponseEngine covers an unavailable or unusable response engine.
	KindResponseEngine
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindResponseEngine:
		return "response_engine_unavailable"
	default:
		return "unknown"
	}
}

var (
	ErrDuplicateSession    = errors.New("session already active")
	ErrNoTargetsConfigured = errors.New("no stream targets configured")
	ErrNoRelaysStarted     = errors.New("no relay could be started")
	ErrNotFound            = errors.New("not found")

	ErrMissingCredentials = errors.New("missing credentials")
	ErrAuthFailure        = errors.New("authentication failed")
	ErrNotStreamable      = errors.New("adapter is not streamable")
	ErrNotChattable       = errors.New("adapter is not chattable")
	ErrNotConnected       = errors.New("chat not connected")
	ErrSendUnsupported    = errors.New("platform does not support sending messages")
	ErrDegraded           = errors.New("adapter degraded after repeated reconnect failures")
	ErrDisabled           = errors.New("adapter disabled")

	ErrQueueClosed = errors.New("outbound queue closed")
)

// Error is a classified error carrying the operation and platform it came from.
type Error struct {
	Kind     Kind
	Op       string
	Platform string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Platform != "" && e.Op != "":
		return fmt.Sprintf("%s %s: %v", e.Platform, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a classification. A nil err yields nil.
func New(kind Kind, platform, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Platform: platform, Err: err}
}

func Configuration(platform, op string, err error) error {
	return New(KindConfiguration, platform, op, err)
}

func Connection(platform, op string, err error) error {
	return New(KindConnection, platform, op, err)
}

func Protocol(platform, op string, err error) error {
	return New(KindProtocol, platform, op, err)
}

func ResponseEngine(op string, err error) error {
	return New(KindResponseEngine, "", op, err)
}

// KindOf reports the classification of err. Well-known sentinels are
// classified even when they were never wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrMissingCredentials),
		errors.Is(err, ErrAuthFailure),
		errors.Is(err, ErrNoTargetsConfigured):
		return KindConfiguration
	case errors.Is(err, context.DeadlineExceeded):
		return KindConnection
	}
	return KindUnknown
}

// IsRetryable reports whether a reconnect attempt may fix err.
// Configuration errors are never retried; everything else is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) != KindConfiguration
}
