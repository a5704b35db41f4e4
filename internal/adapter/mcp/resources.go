package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/Crucible/internal/port/database"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"crucible://runs",
			"Run List",
			mcplib.WithResourceDescription("All runs known to the service, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsResource,
	)
}

func (s *Server) handleRunsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	recs, err := s.svc.List(ctx, database.Filter{})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
