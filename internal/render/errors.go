package render

import (
	"errors"
	"fmt"
)

// Kind classifies a render failure by what the caller can do about it.
type Kind int

const (
	// KindEngineLaunch means no live browser session could be obtained. Retrying may help.
	KindEngineLaunch Kind = iota + 1
	// KindContentNotFound means the document has no node to capture. The input must change.
	KindContentNotFound
	// KindCapture means loading or capturing failed after a session was obtained.
	KindCapture
)

func (k Kind) String() string {
	switch k {
	case KindEngineLaunch:
		return "engine_launch"
	case KindContentNotFound:
		return "content_not_found"
	case KindCapture:
		return "capture"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels matched by errors.Is against an *Error of the same Kind.
var (
	ErrEngineLaunch    = errors.New("render engine unavailable")
	ErrContentNotFound = errors.New("render content not found")
	ErrCapture         = errors.New("render capture failed")
)

// Error is returned by Service.Render for every failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("render %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("render %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrEngineLaunch:
		return e.Kind == KindEngineLaunch
	case ErrContentNotFound:
		return e.Kind == KindContentNotFound
	case ErrCapture:
		return e.Kind == KindCapture
	}
	return false
}

// Retryable reports whether the same request may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindEngineLaunch
}

// IsRetryable reports whether err is a render error worth retrying.
func IsRetryable(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Retryable()
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
