package speech

import (
	"errors"
	"fmt"
)

// Kind classifies transcription failures.
type Kind int

const (
	KindGeneric Kind = iota
	KindPermissionDenied
	KindDeviceUnavailable
	KindNetwork
	KindUnsupported
	KindInitCancelled
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindNetwork:
		return "network"
	case KindUnsupported:
		return "unsupported"
	case KindInitCancelled:
		return "init_cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "generic"
	}
}

// Fatal kinds stop an engine for good.
func (k Kind) Fatal() bool {
	return k == KindPermissionDenied || k == KindDeviceUnavailable
}

var (
	// ErrInitCancelled marks a start interrupted by a concurrent stop. It is
	// never surfaced to users and never triggers a fallback.
	ErrInitCancelled = &Error{Kind: KindInitCancelled, Err: errors.New("initialization cancelled")}
	ErrUnsupported   = errors.New("engine not supported in this environment")
	ErrAlreadyActive = errors.New("engine already started")
)

// Error carries the kind and originating engine of a failure.
type Error struct {
	Kind   Kind
	Engine string
	Err    error
}

func (e *Error) Error() string {
	if e.Engine == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s engine %s: %v", e.Engine, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so that errors.Is(err, ErrInitCancelled) holds for any
// cancellation regardless of engine.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Engine == "" || t.Engine == e.Engine)
	}
	return false
}

// NewError wraps err with a kind and engine name.
func NewError(engine string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Engine: engine, Err: err}
}

// KindOf extracts the kind of err, defaulting to KindGeneric.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrUnsupported) {
		return KindUnsupported
	}
	return KindGeneric
}

// Cancelled reports whether err is an initialization cancellation.
func Cancelled(err error) bool {
	return errors.Is(err, ErrInitCancelled)
}
