package bpmn

import (
	"fmt"
)

// ErrorKind classifies engine failures; handling is decided by kind, not
// by concrete type.
type ErrorKind string

const (
	ErrBadDefinition      ErrorKind = "BadDefinition"
	ErrNotFound           ErrorKind = "NotFound"
	ErrPreconditionFailed ErrorKind = "PreconditionFailed"
	ErrDeadEnd            ErrorKind = "DeadEnd"
	ErrHandlerConfig      ErrorKind = "HandlerConfig"
	ErrHandlerTransient   ErrorKind = "HandlerTransient"
	ErrHandlerFatal       ErrorKind = "HandlerFatal"
	ErrScript             ErrorKind = "ScriptError"
	ErrUnsupported        ErrorKind = "Unsupported"
	ErrStore              ErrorKind = "StoreError"
)

// EngineError carries the failure kind plus the BPMN error code when the
// failure maps to a process-level error (error end events, throwError).
type EngineError struct {
	Kind    ErrorKind
	Code    string // BPMN error code, empty for infrastructure failures
	Message string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newEngineErrorf(kind ErrorKind, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func newProcessErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Kind: ErrHandlerFatal, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from an error chain; unknown errors are
// treated as fatal handler failures for escalation purposes.
func KindOf(err error) ErrorKind {
	if ee := asEngineError(err); ee != nil {
		return ee.Kind
	}
	return ErrHandlerFatal
}

// CodeOf extracts the BPMN error code from an error chain, empty when
// the failure carries none.
func CodeOf(err error) string {
	if ee := asEngineError(err); ee != nil {
		return ee.Code
	}
	return ""
}

func asEngineError(err error) *EngineError {
	for err != nil {
		if ee, ok := err.(*EngineError); ok {
			return ee
		}
		switch wrapped := err.(type) {
		case interface{ Unwrap() error }:
			err = wrapped.Unwrap()
		case interface{ Unwrap() []error }:
			for _, e := range wrapped.Unwrap() {
				if ee := asEngineError(e); ee != nil {
					return ee
				}
			}
			return nil
		default:
			return nil
		}
	}
	return nil
}
