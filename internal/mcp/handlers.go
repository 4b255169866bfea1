package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tdewey/webdbg/internal/errors"
)

// Session management handlers

func (s *Server) handleDebugLaunch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("url",
			"Specify the URL of the application to open and debug.").Error()), nil
	}

	port := int(request.GetFloat("port", 0))

	info, err := s.service.Launch(ctx, []string{url}, port)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ep, _ := s.service.Endpoint()
	result := map[string]interface{}{
		"status":  "launched",
		"isolate": info,
		"url":     url,
	}
	if ep != nil {
		result["debugPort"] = ep.Port
	}
	return jsonResult(result)
}

func (s *Server) handleDebugAttach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := request.RequireFloat("port")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("port",
			"Specify the remote debugging port the browser was started with.").Error()), nil
	}

	info, err := s.service.Attach(ctx, int(port))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"status":  "attached",
		"isolate": info,
		"port":    int(port),
	})
}

func (s *Server) handleDebugDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.service.Disconnect(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"status": "disconnected"})
}

// Inspection handlers

func (s *Server) handleDebugScripts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := s.service.Session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"scripts": session.GetScripts(),
	})
}

func (s *Server) handleDebugStack(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := s.service.Session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	frames, err := session.GetStack()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason, _ := session.PauseReason()

	return jsonResult(map[string]interface{}{
		"reason": reason,
		"frames": frames,
	})
}

func (s *Server) handleDebugEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := s.service.Session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	expression, err := request.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("expression",
			"Specify the expression to evaluate in the selected frame's scope.").Error()), nil
	}

	frameIndex := int(request.GetFloat("frameIndex", 0))

	value, err := session.Evaluate(ctx, frameIndex, expression)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"expression": expression,
		"value":      value,
	})
}

// Control handlers

func (s *Server) handleDebugBreakpointSet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := s.service.Session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	script, err := request.RequireString("script")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("script",
			"Specify the original source URL, as listed by debug_scripts.").Error()), nil
	}

	line, err := request.RequireFloat("line")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("line",
			"Specify the 1-based line number in the original source.").Error()), nil
	}
	if line < 1 {
		return mcp.NewToolResultError(errors.InvalidParameter("line", line, "a 1-based line number").Error()), nil
	}

	bp, err := session.AddBreakpoint(ctx, script, int(line))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"breakpoint": bp,
	})
}

func (s *Server) handleDebugBreakpointClear(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := s.service.Session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := request.RequireString("breakpointId")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("breakpointId",
			"Specify the breakpoint id returned by debug_breakpoint_set.").Error()), nil
	}

	if err := session.RemoveBreakpoint(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"status":       "removed",
		"breakpointId": id,
	})
}

func (s *Server) handleDebugContinue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := s.service.Session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := session.Resume(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"status": "resumed"})
}

func (s *Server) handleDebugStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := s.service.Session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	kind := request.GetString("kind", "over")
	var stepErr error
	switch kind {
	case "into":
		stepErr = session.StepInto(ctx)
	case "over":
		stepErr = session.StepOver(ctx)
	case "out":
		stepErr = session.StepOut(ctx)
	default:
		return mcp.NewToolResultError(errors.InvalidParameter("kind", kind, "'into', 'over', or 'out'").Error()), nil
	}
	if stepErr != nil {
		return mcp.NewToolResultError(stepErr.Error()), nil
	}

	return jsonResult(map[string]interface{}{"status": "stepped", "kind": kind})
}

// jsonResult renders a handler result as pretty-printed JSON text.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
