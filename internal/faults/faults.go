// Package faults defines the error taxonomy shared by the delivery pipeline.
// Stage executors classify provider errors into these kinds before returning,
// so retry decisions never depend on which provider produced the error.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the coarse class of an error. The orchestrator's retry policy only
// looks at the Kind.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindDependency        Kind = "dependency_not_satisfied"
	KindTransient         Kind = "transient_provider"
	KindTerminal          Kind = "terminal_provider"
	KindQualityGate       Kind = "quality_gate"
	KindCancellation      Kind = "cancellation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
)

// Code is a specific error condition. Codes are uppercase strings so they
// read well in logs and serialize naturally to JSON.
type Code string

const (
	CodeInvalidConfig     Code = "INVALID_CONFIGURATION"
	CodePreflightFailed   Code = "PREFLIGHT_FAILED"
	CodeDependency        Code = "DEPENDENCY_NOT_SATISFIED"
	CodeNetwork           Code = "NETWORK_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodeRateLimit         Code = "RATE_LIMIT_EXCEEDED"
	CodeUnavailable       Code = "SERVICE_UNAVAILABLE"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeProviderRejected  Code = "PROVIDER_REJECTED"
	CodeBuildFailed       Code = "BUILD_FAILED"
	CodeTestsFailed       Code = "TESTS_FAILED"
	CodeQualityGateFailed Code = "QUALITY_GATE_FAILED"
	CodeCancelled         Code = "CANCELLED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeConflict          Code = "CONCURRENT_MODIFICATION"
	CodeLeaseHeld         Code = "LEASE_HELD"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Stage   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s [%s]", e.Stage, msg, e.Code)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether a retry may succeed.
func (e *Error) Recoverable() bool {
	return e.Kind == KindTransient
}

// WithStage returns a copy of e tagged with the stage it occurred in.
func (e *Error) WithStage(stage string) *Error {
	cp := *e
	cp.Stage = stage
	return &cp
}

// Final returns a copy of e that is no longer retryable. Transient errors
// become terminal; other kinds are unchanged.
func (e *Error) Final() *Error {
	cp := *e
	if cp.Kind == KindTransient {
		cp.Kind = KindTerminal
	}
	return &cp
}

// New builds an Error of the given kind.
func New(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around err.
func Wrap(kind Kind, code Code, err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// Transient builds a retryable provider error.
func Transient(code Code, err error, format string, args ...any) *Error {
	return Wrap(KindTransient, code, err, format, args...)
}

// Terminal builds a provider error that must not be retried.
func Terminal(code Code, err error, format string, args ...any) *Error {
	return Wrap(KindTerminal, code, err, format, args...)
}

// Configuration builds a fatal pre-flight error.
func Configuration(code Code, format string, args ...any) *Error {
	return New(KindConfiguration, code, format, args...)
}

// DependencyNotSatisfied reports a stage started before its dependencies.
func DependencyNotSatisfied(stage string, missing []string) *Error {
	return &Error{
		Kind:    KindDependency,
		Code:    CodeDependency,
		Stage:   stage,
		Message: fmt.Sprintf("dependencies not satisfied: %v", missing),
	}
}

// NotFound reports an unknown instance or stage.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, format, args...)
}

// InvalidTransition reports a state change the current state does not allow.
func InvalidTransition(format string, args ...any) *Error {
	return New(KindInvalidTransition, CodeInvalidTransition, format, args...)
}

// Cancelled is returned when a run stops because its instance was cancelled.
var Cancelled = &Error{Kind: KindCancellation, Code: CodeCancelled, Message: "cancellation requested"}

// As extracts a *Error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is a classified error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err (after classification) is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Recoverable()
}

// Classify maps any error into the taxonomy. Already classified errors are
// returned unchanged; deadline and network timeouts become transient; anything
// else is treated as terminal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancellation, Code: CodeCancelled, Message: err.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(CodeTimeout, err, "operation timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Transient(CodeTimeout, err, "network timeout")
		}
		return Transient(CodeNetwork, err, "network error")
	}
	return Terminal(CodeInternal, err, "unclassified error")
}
