package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies runtime failures. Kinds, not Go types: callers branch
// on the kind, the wrapped cause carries detail.
type ErrorKind string

const (
	KindConfigValidation  ErrorKind = "CONFIG_VALIDATION_ERROR"
	KindCircuitOpen       ErrorKind = "CIRCUIT_OPEN"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindResourceExhausted ErrorKind = "RESOURCE_EXHAUSTED"
	KindPeerUnknown       ErrorKind = "PEER_UNKNOWN"
	KindInitFailed        ErrorKind = "INIT_FAILED"
	KindPersistFailed     ErrorKind = "PERSIST_FAILED"
	KindNemesisRejected   ErrorKind = "NEMESIS_REJECTED"
)

// KindError carries an ErrorKind plus structured context.
type KindError struct {
	Kind    ErrorKind
	Op      string
	Context map[string]interface{}
	Err     error
}

func (e *KindError) Error() string {
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *KindError) Unwrap() error { return e.Err }

// Is matches two KindErrors by kind, so errors.Is(err, NewKindError(kind, ""))
// works without comparing context.
func (e *KindError) Is(target error) bool {
	var ke *KindError
	if errors.As(target, &ke) {
		return e.Kind == ke.Kind
	}
	return false
}

// NewKindError creates a KindError with an operation label.
func NewKindError(kind ErrorKind, op string) *KindError {
	return &KindError{Kind: kind, Op: op}
}

// WrapKind wraps err with a kind and operation label.
func WrapKind(kind ErrorKind, op string, err error) *KindError {
	return &KindError{Kind: kind, Op: op, Err: err}
}

// WithContext attaches a context value and returns the error for chaining.
func (e *KindError) WithContext(key string, val interface{}) *KindError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = val
	return e
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
