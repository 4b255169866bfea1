// Package types defines shared data types used across the webdbg bridge.
//
// This package provides type definitions for:
//   - IsolateState: lifecycle states of the debugged page
//   - PauseReason: why execution is currently suspended
//   - Location: a source position in original or compiled coordinates
//   - ScriptInfo, BreakpointInfo, FrameInfo, VariableInfo, ValueInfo
//   - DebugEvent: notifications published on the Debug event stream
//
// Lines are 1-based and columns are 0-based everywhere in this package.
// The inspection protocol uses 0-based lines; that conversion happens at the
// protocol boundary, never here.
package types

// IsolateState represents the lifecycle state of the debugged page.
type IsolateState string

const (
	IsolateStarting IsolateState = "starting"
	IsolateRunning  IsolateState = "running"
	IsolatePaused   IsolateState = "paused"
	IsolateDead     IsolateState = "dead"
)

// PauseReason classifies why execution is suspended.
type PauseReason string

const (
	PauseBreakpoint PauseReason = "breakpoint"
	PauseException  PauseReason = "exception"
	PauseStep       PauseReason = "step"
)

// Location is a source position. Which coordinate space it lives in
// (original source or compiled output) is determined by context: bridge
// operations take and return original locations, the inspection layer deals
// in compiled ones.
type Location struct {
	URL    string `json:"url,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// ScriptInfo describes a loaded script in its original-source identity.
type ScriptInfo struct {
	ID          string `json:"id"`
	URL         string `json:"url"`         // original-source URL
	CompiledURL string `json:"compiledUrl"` // compiled-output URL
	HasMap      bool   `json:"hasSourceMap"`
}

// BreakpointInfo is the developer-facing view of a breakpoint.
type BreakpointInfo struct {
	ID       string `json:"id"`
	ScriptID string `json:"scriptId"`
	Line     int    `json:"line"`
	Resolved bool   `json:"resolved"`
	// Locations are the compiled locations the breakpoint resolved to.
	Locations []Location `json:"locations,omitempty"`
}

// FrameInfo is one entry in a paused call stack, in original-source terms.
type FrameInfo struct {
	Index     int            `json:"index"`
	Function  string         `json:"function"`
	Location  Location       `json:"location"`
	Variables []VariableInfo `json:"variables,omitempty"`
}

// VariableInfo is a named source-level binding visible in a frame.
type VariableInfo struct {
	Name  string    `json:"name"`
	Value ValueInfo `json:"value"`
}

// ValueInfo is a source-level value. Primitives carry their value inline;
// objects carry an opaque reference that can be expanded lazily via
// GetProperties. A value produced by a throwing evaluation has IsError set
// and Description holding the thrown message.
type ValueInfo struct {
	Kind        string `json:"kind"` // string, number, boolean, null, undefined, object, function
	Description string `json:"description,omitempty"`
	ObjectID    string `json:"objectId,omitempty"`
	IsError     bool   `json:"isError,omitempty"`
}

// Primitive reports whether the value is translated by value rather than
// by reference.
func (v ValueInfo) Primitive() bool {
	switch v.Kind {
	case "string", "number", "boolean", "null", "undefined":
		return true
	}
	return false
}

// DebugEventKind enumerates the notifications on the Debug stream.
type DebugEventKind string

const (
	EventPaused             DebugEventKind = "paused"
	EventResumed            DebugEventKind = "resumed"
	EventBreakpointResolved DebugEventKind = "breakpointResolved"
	EventIsolateExit        DebugEventKind = "isolateExit"
)

// DebugEvent is a notification published on the Debug event stream.
type DebugEvent struct {
	Kind       DebugEventKind `json:"kind"`
	Reason     PauseReason    `json:"reason,omitempty"`
	TopFrame   *FrameInfo     `json:"topFrame,omitempty"`
	Breakpoint string         `json:"breakpoint,omitempty"`
	IsolateID  string         `json:"isolateId"`
}

// IsolateInfo describes the debugged execution context.
type IsolateInfo struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	State   IsolateState `json:"state"`
	RootLib string       `json:"rootLib,omitempty"`
}
