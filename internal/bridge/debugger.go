// Package bridge implements the source-level debug service on top of the
// browser's inspection protocol: breakpoints by original-source line,
// logical frames with source-level variable names, expression evaluation in
// frame scope, and a Debug event stream for pause/resume notifications.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/tdewey/webdbg/internal/cdp"
)

// Conn is the slice of the inspection client the bridge depends on. It is
// satisfied by *cdp.Client; tests substitute a fake.
type Conn interface {
	Call(ctx context.Context, method string, params interface{}, result interface{}) error
	Subscribe(domain string) *cdp.Subscription
}

// --- inspection protocol wire types ---

type wireLocation struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"` // 0-based
	ColumnNumber int    `json:"columnNumber,omitempty"`
}

type remoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

type wireScope struct {
	Type   string       `json:"type"` // global, local, closure, block, catch, with
	Object remoteObject `json:"object"`
	Name   string       `json:"name,omitempty"`
}

type wireCallFrame struct {
	CallFrameID  string       `json:"callFrameId"`
	FunctionName string       `json:"functionName"`
	Location     wireLocation `json:"location"`
	URL          string       `json:"url"`
	ScopeChain   []wireScope  `json:"scopeChain"`
	This         remoteObject `json:"this"`
}

type pausedParams struct {
	CallFrames     []wireCallFrame `json:"callFrames"`
	Reason         string          `json:"reason"`
	HitBreakpoints []string        `json:"hitBreakpoints,omitempty"`
}

type scriptParsedParams struct {
	ScriptID     string `json:"scriptId"`
	URL          string `json:"url"`
	SourceMapURL string `json:"sourceMapURL,omitempty"`
}

type exceptionDetails struct {
	Text      string        `json:"text"`
	Exception *remoteObject `json:"exception,omitempty"`
}

type propertyDescriptor struct {
	Name  string        `json:"name"`
	Value *remoteObject `json:"value,omitempty"`
}

// Debugger is the execution-control surface of the underlying transport.
// One implementation exists per transport; the direct inspection-protocol
// implementation is the default and is selected at session construction.
type Debugger interface {
	Enable(ctx context.Context) error
	Resume(ctx context.Context) error
	StepInto(ctx context.Context) error
	StepOver(ctx context.Context) error
	StepOut(ctx context.Context) error

	// SetBreakpointByURL installs one compiled-location breakpoint and
	// returns its underlying handle.
	SetBreakpointByURL(ctx context.Context, url string, line, col int) (string, error)
	RemoveBreakpoint(ctx context.Context, handle string) error

	EvaluateOnFrame(ctx context.Context, callFrameID, expression string) (remoteObject, *exceptionDetails, error)
	GetProperties(ctx context.Context, objectID string) ([]propertyDescriptor, error)
}

// cdpDebugger drives a directly-connected debuggee over the inspection
// protocol.
type cdpDebugger struct {
	conn Conn
}

// NewCDPDebugger returns the direct inspection-protocol Debugger.
func NewCDPDebugger(conn Conn) Debugger {
	return &cdpDebugger{conn: conn}
}

func (d *cdpDebugger) Enable(ctx context.Context) error {
	if err := d.conn.Call(ctx, "Debugger.enable", nil, nil); err != nil {
		return err
	}
	if err := d.conn.Call(ctx, "Runtime.enable", nil, nil); err != nil {
		return err
	}
	return d.conn.Call(ctx, "Page.enable", nil, nil)
}

func (d *cdpDebugger) Resume(ctx context.Context) error {
	return d.conn.Call(ctx, "Debugger.resume", nil, nil)
}

func (d *cdpDebugger) StepInto(ctx context.Context) error {
	return d.conn.Call(ctx, "Debugger.stepInto", nil, nil)
}

func (d *cdpDebugger) StepOver(ctx context.Context) error {
	return d.conn.Call(ctx, "Debugger.stepOver", nil, nil)
}

func (d *cdpDebugger) StepOut(ctx context.Context) error {
	return d.conn.Call(ctx, "Debugger.stepOut", nil, nil)
}

func (d *cdpDebugger) SetBreakpointByURL(ctx context.Context, url string, line, col int) (string, error) {
	params := map[string]interface{}{
		"url":        url,
		"lineNumber": line,
	}
	if col > 0 {
		params["columnNumber"] = col
	}

	var result struct {
		BreakpointID string         `json:"breakpointId"`
		Locations    []wireLocation `json:"locations"`
	}
	if err := d.conn.Call(ctx, "Debugger.setBreakpointByUrl", params, &result); err != nil {
		return "", err
	}
	return result.BreakpointID, nil
}

func (d *cdpDebugger) RemoveBreakpoint(ctx context.Context, handle string) error {
	return d.conn.Call(ctx, "Debugger.removeBreakpoint", map[string]interface{}{
		"breakpointId": handle,
	}, nil)
}

func (d *cdpDebugger) EvaluateOnFrame(ctx context.Context, callFrameID, expression string) (remoteObject, *exceptionDetails, error) {
	params := map[string]interface{}{
		"callFrameId": callFrameID,
		"expression":  expression,
		"returnByValue": false,
	}

	var result struct {
		Result           remoteObject      `json:"result"`
		ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
	}
	if err := d.conn.Call(ctx, "Debugger.evaluateOnCallFrame", params, &result); err != nil {
		return remoteObject{}, nil, err
	}
	return result.Result, result.ExceptionDetails, nil
}

func (d *cdpDebugger) GetProperties(ctx context.Context, objectID string) ([]propertyDescriptor, error) {
	params := map[string]interface{}{
		"objectId":      objectID,
		"ownProperties": true,
	}

	var result struct {
		Result []propertyDescriptor `json:"result"`
	}
	if err := d.conn.Call(ctx, "Runtime.getProperties", params, &result); err != nil {
		return nil, err
	}
	return result.Result, nil
}
