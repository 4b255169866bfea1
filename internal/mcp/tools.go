package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the 10-tool debug API.
func (s *Server) registerTools() {
	// Session management
	s.registerDebugLaunch()
	s.registerDebugAttach()
	s.registerDebugDisconnect()

	// Inspection
	s.registerDebugScripts()
	s.registerDebugStack()
	s.registerDebugEvaluate()

	// Control
	s.registerDebugBreakpointSet()
	s.registerDebugBreakpointClear()
	s.registerDebugContinue()
	s.registerDebugStep()
}

func (s *Server) registerDebugLaunch() {
	tool := mcp.NewTool("debug_launch",
		mcp.WithDescription("Launch the browser with remote debugging enabled, open the given URL, and connect a debug session to it. Only one session may be active at a time."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("URL of the application to debug"),
		),
		mcp.WithNumber("port",
			mcp.Description("Remote debugging port (default: an automatically chosen free port)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugLaunch)
}

func (s *Server) registerDebugAttach() {
	tool := mcp.NewTool("debug_attach",
		mcp.WithDescription("Attach a debug session to an already-running browser. The browser keeps running after disconnect."),
		mcp.WithNumber("port",
			mcp.Required(),
			mcp.Description("Remote debugging port of the running browser"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugAttach)
}

func (s *Server) registerDebugDisconnect() {
	tool := mcp.NewTool("debug_disconnect",
		mcp.WithDescription("Disconnect the active debug session. A launched browser is terminated; an attached one keeps running."),
	)
	s.mcpServer.AddTool(tool, s.handleDebugDisconnect)
}

func (s *Server) registerDebugScripts() {
	tool := mcp.NewTool("debug_scripts",
		mcp.WithDescription("List the loaded scripts by their original source URLs, with the compiled script each one came from."),
	)
	s.mcpServer.AddTool(tool, s.handleDebugScripts)
}

func (s *Server) registerDebugStack() {
	tool := mcp.NewTool("debug_stack",
		mcp.WithDescription("Get the call stack of the paused session: source-level frames with original function names, locations, and visible variables."),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStack)
}

func (s *Server) registerDebugEvaluate() {
	tool := mcp.NewTool("debug_evaluate",
		mcp.WithDescription("Evaluate an expression in the scope of a stack frame of the paused session. Exceptions thrown by the expression come back as error-shaped values."),
		mcp.WithString("expression",
			mcp.Required(),
			mcp.Description("Expression to evaluate"),
		),
		mcp.WithNumber("frameIndex",
			mcp.Description("Stack frame index from debug_stack (default: 0, the top frame)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugEvaluate)
}

func (s *Server) registerDebugBreakpointSet() {
	tool := mcp.NewTool("debug_breakpoint_set",
		mcp.WithDescription("Set a breakpoint at a line of an original source file. If the script is not loaded yet, the breakpoint is recorded and resolves when it loads."),
		mcp.WithString("script",
			mcp.Required(),
			mcp.Description("Original source URL, as listed by debug_scripts"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("1-based line number in the original source"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugBreakpointSet)
}

func (s *Server) registerDebugBreakpointClear() {
	tool := mcp.NewTool("debug_breakpoint_clear",
		mcp.WithDescription("Remove a breakpoint. Removing an unknown or already-removed breakpoint succeeds."),
		mcp.WithString("breakpointId",
			mcp.Required(),
			mcp.Description("Breakpoint id returned by debug_breakpoint_set"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugBreakpointClear)
}

func (s *Server) registerDebugContinue() {
	tool := mcp.NewTool("debug_continue",
		mcp.WithDescription("Resume execution of the paused session."),
	)
	s.mcpServer.AddTool(tool, s.handleDebugContinue)
}

func (s *Server) registerDebugStep() {
	tool := mcp.NewTool("debug_step",
		mcp.WithDescription("Step the paused session: 'into' enters the next call, 'over' executes the current statement, 'out' finishes the current frame."),
		mcp.WithString("kind",
			mcp.Description("Step kind: 'into', 'over', or 'out' (default: 'over')"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStep)
}
