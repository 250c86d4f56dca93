package protocol

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is discrimination. Every typed error below unwraps to
// at least one of them.
var (
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrExternalSource = errors.New("external source unavailable")

	// ErrInvalidTransition marks a state-machine move that is not allowed
	// from the current state. It also matches ErrConflict.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrEngineStopped is returned by engine calls after its loop has exited.
	ErrEngineStopped = errors.New("engine stopped")
)

// ConflictError means an operation requires the absence of state that is
// present, e.g. starting a session while one is active.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflict: %s", e.Op, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidTransitionError means the requested transition is not allowed from
// the current state, e.g. starting a phase while another is still open.
type InvalidTransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *InvalidTransitionError) Unwrap() []error {
	return []error{ErrInvalidTransition, ErrConflict}
}

// NotFoundError means an operation requires state that is absent, e.g.
// completing a phase with none open or aggregating an unknown session.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("no %s found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports an out-of-range or unknown input value.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ExternalSourceError reports that the file watcher or the version-control
// log is unavailable. It is always recoverable: monitoring degrades, the
// session keeps going.
type ExternalSourceError struct {
	Source string // "fsnotify" | "git"
	Err    error
}

func (e *ExternalSourceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *ExternalSourceError) Unwrap() []error { return []error{ErrExternalSource, e.Err} }

// NewConflict builds a *ConflictError.
func NewConflict(op, reason string) error {
	return &ConflictError{Op: op, Reason: reason}
}

// NewNotFound builds a *NotFoundError.
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewValidation builds a *ValidationError.
func NewValidation(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// Error kinds carried on the wire.
const (
	KindConflict          = "conflict"
	KindInvalidTransition = "invalid_transition"
	KindNotFound          = "not_found"
	KindValidation        = "validation"
	KindExternal          = "external_source"
	KindInternal          = "internal"
)

// WireError is the serialized form of an error in a Response.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToWire classifies err for transport.
func ToWire(err error) *WireError {
	if err == nil {
		return nil
	}
	kind := KindInternal
	switch {
	case errors.Is(err, ErrInvalidTransition):
		kind = KindInvalidTransition
	case errors.Is(err, ErrConflict):
		kind = KindConflict
	case errors.Is(err, ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, ErrValidation):
		kind = KindValidation
	case errors.Is(err, ErrExternalSource):
		kind = KindExternal
	}
	return &WireError{Kind: kind, Message: err.Error()}
}

// RemoteError is a WireError rebuilt on the client side. It unwraps to the
// sentinel matching its kind so callers keep using errors.Is.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() []error {
	switch e.Kind {
	case KindInvalidTransition:
		return []error{ErrInvalidTransition, ErrConflict}
	case KindConflict:
		return []error{ErrConflict}
	case KindNotFound:
		return []error{ErrNotFound}
	case KindValidation:
		return []error{ErrValidation}
	case KindExternal:
		return []error{ErrExternalSource}
	default:
		return nil
	}
}

// FromWire rebuilds an error from its wire form. nil in, nil out.
func FromWire(w *WireError) error {
	if w == nil {
		return nil
	}
	return &RemoteError{Kind: w.Kind, Message: w.Message}
}
