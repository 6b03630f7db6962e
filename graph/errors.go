package graph

import (
	"errors"
	"fmt"
)

// Kind classifies workflow failures.
type Kind string

// Failure kinds.
const (
	KindInvalidInput           Kind = "InvalidInput"
	KindDraftingFailed         Kind = "DraftingFailed"
	KindCritiqueFailed         Kind = "CritiqueFailed"
	KindRevisionFailed         Kind = "RevisionFailed"
	KindRenderFailed           Kind = "RenderFailed"
	KindStorageUnavailable     Kind = "StorageUnavailable"
	KindConcurrentModification Kind = "ConcurrentModification"
)

// Retryable reports whether a failure of this kind left the process
// unchanged, so the same request may be sent again.
func (k Kind) Retryable() bool {
	switch k {
	case KindDraftingFailed, KindCritiqueFailed, KindRevisionFailed,
		KindStorageUnavailable, KindConcurrentModification:
		return true
	default:
		return false
	}
}

// Error is a classified workflow failure.
type Error struct {
	Kind      Kind
	ProcessID string
	Step      StepID
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Step != "" {
		msg += " at " + string(e.Step)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the request may be retried unchanged.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

func invalidInput(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// EngineError reports a misconfigured engine.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
