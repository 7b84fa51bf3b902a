package mcp

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/codefuse/internal/logging"
	"github.com/dshills/codefuse/internal/workspace"
)

const (
	// ServerName is the MCP server name
	ServerName = "codefuse"
	// ServerVersion is the protocol surface version
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp        *server.MCPServer
	workspaces *workspace.Registry
	logger     *slog.Logger
}

// NewServer creates a new MCP server that resolves projects through
// workspaces.
func NewServer(workspaces *workspace.Registry, logger *slog.Logger) *Server {
	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		mcp:        mcpServer,
		workspaces: workspaces,
		logger:     logging.WithComponent(logger, "mcp"),
	}
	s.registerTools()
	return s
}

// Serve runs the protocol over in/out until ctx is cancelled or in is
// closed. Diagnostics go to the logger, never to out.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("MCP server ready")
	return stdio.Listen(ctx, in, out)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(indexCodebaseTool(), s.handleIndexCodebase)
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
