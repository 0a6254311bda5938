// Package errs defines the error taxonomy shared across the agent core.
//
// Errors are grouped by kind rather than by concrete Go type wherever
// possible, following §7 of the specification: Transport/IO, Protocol,
// Primitive failure, Version mismatch, and Loop detection. Every error type
// in this package implements Fatal() so callers at the loop level can decide
// whether to heal or to summarize-and-exit without type-switching.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is comparisons where no extra context is needed.
var (
	ErrTransportClosed     = errors.New("transport closed")
	ErrAlreadyBooting      = errors.New("sandbox already booting")
	ErrMaxAttemptsExceeded = errors.New("max connection attempts exceeded")
	ErrNoPendingRequest    = errors.New("no pending request for id")
)

// TransportError wraps a network/websocket/HTTP failure. Non-fatal by
// default: the interactive loop may heal from it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Fatal() bool   { return false }

// ServiceError represents an HTTP response with status >= 300 from the
// reasoning service.
type ServiceError struct {
	Status     int
	StatusText string
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error: %d %s: %s", e.Status, e.StatusText, e.Body)
}
func (e *ServiceError) Fatal() bool { return false }

// ProtocolError indicates malformed YAML or a missing/invalid command tag.
type ProtocolError struct {
	Reason string
	Source string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }
func (e *ProtocolError) Fatal() bool   { return false }

// PrimitiveError indicates an action primitive failed to execute
// (element not found, timeout, assertion failed, exec non-zero, ...).
type PrimitiveError struct {
	Command          string
	Reason           string
	AttachScreenshot bool
	Err              error
}

func (e *PrimitiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("primitive %q failed: %s: %v", e.Command, e.Reason, e.Err)
	}
	return fmt.Sprintf("primitive %q failed: %s", e.Command, e.Reason)
}
func (e *PrimitiveError) Unwrap() error { return e.Err }
func (e *PrimitiveError) Fatal() bool   { return false }

// VersionMismatchError is fatal per I5/P6: major disagreement or a minor
// that is newer than what this agent understands.
type VersionMismatchError struct {
	FileVersion    string
	CurrentVersion string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("Version mismatch: file is %s, current agent is %s", e.FileVersion, e.CurrentVersion)
}
func (e *VersionMismatchError) Fatal() bool { return true }

// LoopDetectedError is fatal per P7: same-error fingerprint exceeded
// errorLimit, or checkCount exceeded checkLimit.
type LoopDetectedError struct {
	Reason string
}

func (e *LoopDetectedError) Error() string { return "loop detected: " + e.Reason }
func (e *LoopDetectedError) Fatal() bool   { return true }

// Fatal reports whether err should bypass healing and go straight to
// summarize-then-exit. Unrecognized error kinds are treated as non-fatal.
func Fatal(err error) bool {
	var f interface{ Fatal() bool }
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return false
}
