// Package mcp provides the Model Context Protocol (MCP) server for the
// debug bridge.
//
// This package exposes the bridge through a 10-tool API:
//
// Session Management:
//   - debug_launch: Launch the browser and connect a debug session
//   - debug_attach: Attach to an already-running browser
//   - debug_disconnect: Tear the session down
//
// Inspection:
//   - debug_scripts: List loaded scripts in original-source identity
//   - debug_stack: Get the paused call stack with source-level variables
//   - debug_evaluate: Evaluate an expression in a frame's scope
//
// Control:
//   - debug_breakpoint_set: Set a breakpoint at an original-source line
//   - debug_breakpoint_clear: Remove a breakpoint
//   - debug_continue: Resume execution
//   - debug_step: Step into/over/out
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/tdewey/webdbg/internal/bridge"
	"github.com/tdewey/webdbg/internal/config"
)

// Server wraps the MCP server around the debug service.
type Server struct {
	mcpServer *server.MCPServer
	service   *bridge.Service
	config    *config.Config
	log       *slog.Logger
}

// NewServer creates the webdbg MCP server.
func NewServer(cfg *config.Config, svc *bridge.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		"webdbg",
		"0.1.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		service:   svc,
		config:    cfg,
		log:       log.With("component", "mcp"),
	}

	s.registerTools()

	return s
}

// ServeStdio starts the server using stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Close shuts down the active session, if any.
func (s *Server) Close() {
	if err := s.service.Close(); err != nil {
		s.log.Warn("failed to close debug service", "err", err)
	}
}

// Service returns the underlying debug service.
func (s *Server) Service() *bridge.Service {
	return s.service
}
