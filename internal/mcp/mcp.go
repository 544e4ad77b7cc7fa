// Package mcp implements the Model Context Protocol server for VERITAS.
//
// The MCP server exposes the decision pipeline and the trust log through
// MCP tools and resources, so MCP-compatible AI agents can route their
// decisions through the safety gate and inspect the sealed audit chain.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/veritas/internal/pipeline"
	"github.com/ashita-ai/veritas/internal/trustlog"
)

// Server wraps the MCP server with the VERITAS service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	pipeline  *pipeline.Orchestrator
	log       *trustlog.Log
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources,
// and prompts.
func New(orc *pipeline.Orchestrator, log *trustlog.Log, logger *slog.Logger, version string) *Server {
	s := &Server{
		pipeline: orc,
		log:      log,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"veritas",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
