// Package mcp exposes the run lifecycle as Model Context Protocol tools, so
// an orchestrating agent can delegate work over the same control surface the
// REST API offers.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/git"
	"github.com/Strob0t/Crucible/internal/port/database"
	"github.com/Strob0t/Crucible/internal/service"
)

const serverVersion = "0.1.0"

// RunService is the slice of the lifecycle manager the MCP tools need.
type RunService interface {
	Submit(ctx context.Context, req run.Request) (*run.Record, error)
	Status(ctx context.Context, id string) (*run.Record, error)
	Cancel(ctx context.Context, id string) (*run.Record, error)
	List(ctx context.Context, filter database.Filter) ([]run.Record, error)
	Artifacts(ctx context.Context, id string, includeDiff, includeEvents bool) (*service.ArtifactBundle, error)
	Diff(ctx context.Context, id string, format git.DiffFormat) (*service.DiffResult, error)
	Events(ctx context.Context, id string, afterSeq int64, limit int) ([]event.Event, error)
}

// Server hosts the MCP tool surface over streamable HTTP.
type Server struct {
	svc       RunService
	mcpServer *mcpserver.MCPServer
	transport *mcpserver.StreamableHTTPServer
	addr      string
}

// NewServer creates an MCP server bound to the run service.
func NewServer(addr string, svc RunService) *Server {
	s := &Server{
		svc:       svc,
		mcpServer: mcpserver.NewMCPServer("crucible", serverVersion),
		addr:      addr,
	}
	s.registerTools()
	s.registerResources()
	s.transport = mcpserver.NewStreamableHTTPServer(s.mcpServer)
	return s
}

// Start serves the MCP transport until Stop is called.
func (s *Server) Start() error {
	slog.Info("mcp server listening", "addr", s.addr)
	if err := s.transport.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the transport down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}
