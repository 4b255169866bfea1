// Package errors provides structured error types for the webdbg bridge.
// Errors carry a machine-readable code, a human-readable message, an
// actionable hint, and an optional wrapped cause.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Session errors
	CodeSessionActive   ErrorCode = "SESSION_ACTIVE"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// Process / connection errors
	CodeLaunchFailed     ErrorCode = "LAUNCH_FAILED"
	CodeConnectFailed    ErrorCode = "CONNECT_FAILED"
	CodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"

	// Bridge errors
	CodeScriptNotFound   ErrorCode = "SCRIPT_NOT_FOUND"
	CodeBreakpointFailed ErrorCode = "BREAKPOINT_FAILED"
	CodeEvaluationFailed ErrorCode = "EVALUATION_FAILED"
	CodeNotPaused        ErrorCode = "NOT_PAUSED"
	CodeProtocolError    ErrorCode = "PROTOCOL_ERROR"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
)

// BridgeError is a structured error type that includes enough context for a
// caller to understand what went wrong and how to recover.
type BridgeError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g. the invalid value)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *BridgeError) WithDetails(key string, value interface{}) *BridgeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *BridgeError) WithCause(err error) *BridgeError {
	e.Cause = err
	return e
}

// HasCode reports whether err is a *BridgeError carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// --- Session errors ---

// SessionActive is returned when a second Launch/Attach is attempted while a
// session already occupies the slot.
func SessionActive() *BridgeError {
	return &BridgeError{
		Code:    CodeSessionActive,
		Message: "a debug session is already active",
		Hint:    "Close the current session before starting a new one; the bridge supports exactly one debuggee at a time.",
	}
}

// SessionNotFound is returned when no session is active but one is required.
func SessionNotFound() *BridgeError {
	return &BridgeError{
		Code:    CodeSessionNotFound,
		Message: "no active debug session",
		Hint:    "Start a session with launch or attach first.",
	}
}

// --- Process / connection errors ---

// LaunchFailed wraps a browser launch failure.
func LaunchFailed(err error) *BridgeError {
	return &BridgeError{
		Code:    CodeLaunchFailed,
		Message: fmt.Sprintf("failed to launch browser: %v", err),
		Hint:    "Ensure the browser executable exists; set WEBDBG_BROWSER to override the default path.",
		Cause:   err,
	}
}

// LaunchTimeout is returned when the browser never reports its debug endpoint.
func LaunchTimeout(seconds int) *BridgeError {
	return &BridgeError{
		Code:    CodeLaunchFailed,
		Message: fmt.Sprintf("browser did not report a debug endpoint within %d seconds", seconds),
		Hint:    "The browser may have crashed on startup or the debug port may be in use by another process.",
		Details: map[string]interface{}{"timeoutSeconds": seconds},
	}
}

// ConnectFailed wraps a failed liveness probe or websocket dial.
func ConnectFailed(endpoint string, err error) *BridgeError {
	return &BridgeError{
		Code:    CodeConnectFailed,
		Message: fmt.Sprintf("failed to connect to inspection endpoint at %s: %v", endpoint, err),
		Hint:    "Check that the browser is running with remote debugging enabled on that port.",
		Cause:   err,
		Details: map[string]interface{}{"endpoint": endpoint},
	}
}

// ConnectionClosed is returned to callers whose in-flight requests were
// cancelled by the transport closing.
func ConnectionClosed(err error) *BridgeError {
	return &BridgeError{
		Code:    CodeConnectionClosed,
		Message: "inspection connection closed",
		Hint:    "The browser exited or the session was closed; start a new session.",
		Cause:   err,
	}
}

// --- Bridge errors ---

// ScriptNotFound is returned for operations against an unknown script.
func ScriptNotFound(id string) *BridgeError {
	return &BridgeError{
		Code:    CodeScriptNotFound,
		Message: fmt.Sprintf("script '%s' is not loaded", id),
		Hint:    "List scripts to see what is currently loaded; a hot reload may have replaced script identities.",
		Details: map[string]interface{}{"scriptId": id},
	}
}

// BreakpointFailed is returned when no compiled location resolves for a line
// of an already-loaded script.
func BreakpointFailed(url string, line int) *BridgeError {
	return &BridgeError{
		Code:    CodeBreakpointFailed,
		Message: fmt.Sprintf("could not resolve a breakpoint at %s:%d", url, line),
		Hint:    "The line may hold no executable code, or the source map does not cover it.",
		Details: map[string]interface{}{"url": url, "line": line},
	}
}

// EvaluationFailed wraps a protocol-level evaluation failure. Exceptions
// thrown by the debuggee are NOT errors; they come back as error-shaped
// values instead.
func EvaluationFailed(expression string, err error) *BridgeError {
	return &BridgeError{
		Code:    CodeEvaluationFailed,
		Message: fmt.Sprintf("failed to evaluate expression '%s': %v", expression, err),
		Hint:    "Check that the frame index is valid and the session is paused.",
		Cause:   err,
		Details: map[string]interface{}{"expression": expression},
	}
}

// NotPaused is returned for resume/step/stack operations while running.
func NotPaused() *BridgeError {
	return &BridgeError{
		Code:    CodeNotPaused,
		Message: "isolate is not paused",
		Hint:    "Resume, step, stack and evaluate operations require a paused isolate; set a breakpoint and wait for a pause event.",
	}
}

// ProtocolError reports an unexpected inspection-protocol state. The session
// continues; this is surfaced for logging and diagnostics.
func ProtocolError(detail string) *BridgeError {
	return &BridgeError{
		Code:    CodeProtocolError,
		Message: fmt.Sprintf("unexpected inspection protocol state: %s", detail),
		Hint:    "This is usually harmless; the session continues. Report it if debugging behaves incorrectly afterwards.",
	}
}

// --- Parameter errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *BridgeError {
	return &BridgeError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]interface{}{"parameter": paramName},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *BridgeError {
	return &BridgeError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// FromError creates a BridgeError from a generic error, preserving any
// existing structure.
func FromError(err error) *BridgeError {
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be
	}
	return &BridgeError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Cause:   err,
	}
}
