package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/git"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.submitRunTool(),
		s.getRunStatusTool(),
		s.cancelRunTool(),
		s.getRunArtifactsTool(),
		s.getRunDiffTool(),
	)
}

func (s *Server) submitRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("submit_run",
		mcplib.WithDescription("Submit a coding task for sandboxed execution and return the queued run"),
		mcplib.WithString("instruction",
			mcplib.Required(),
			mcplib.Description("Natural-language task for the agent"),
		),
		mcplib.WithString("workspace",
			mcplib.Required(),
			mcplib.Description("Absolute host path of the project to operate on"),
		),
		mcplib.WithString("security_mode",
			mcplib.Description("read_only, workspace_write, or full_access (default workspace_write)"),
		),
		mcplib.WithNumber("timeout_seconds",
			mcplib.Description("Run timeout in seconds (default 600)"),
		),
		mcplib.WithBoolean("confirmed",
			mcplib.Description("Must be true to submit a full_access run"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSubmitRun}
}

func (s *Server) getRunStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_run_status",
		mcplib.WithDescription("Get the current state of a run by ID"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID to check"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetRunStatus}
}

func (s *Server) cancelRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_run",
		mcplib.WithDescription("Request cooperative cancellation of a run"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID to cancel"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCancelRun}
}

func (s *Server) getRunArtifactsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_run_artifacts",
		mcplib.WithDescription("Get the artifact paths of a run, optionally inlining the diff"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID to inspect"),
		),
		mcplib.WithBoolean("include_diff",
			mcplib.Description("Inline the change patch into the response"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetRunArtifacts}
}

func (s *Server) getRunDiffTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_run_diff",
		mcplib.WithDescription("Get the change set a run produced"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID to inspect"),
		),
		mcplib.WithString("format",
			mcplib.Description("unified, stat, or name-only (default unified)"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetRunDiff}
}

func (s *Server) handleSubmitRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	instruction, _ := args["instruction"].(string)
	workspace, _ := args["workspace"].(string)
	if instruction == "" {
		return mcplib.NewToolResultError("instruction is required"), nil
	}
	if workspace == "" {
		return mcplib.NewToolResultError("workspace is required"), nil
	}

	request := run.Request{
		Instruction:    instruction,
		Workspace:      workspace,
		TimeoutSeconds: 600,
	}
	if mode, ok := args["security_mode"].(string); ok && mode != "" {
		request.SecurityMode = policy.SecurityMode(mode)
	}
	if timeout, ok := args["timeout_seconds"].(float64); ok && timeout > 0 {
		request.TimeoutSeconds = int(timeout)
	}
	if confirmed, ok := args["confirmed"].(bool); ok {
		request.Confirmed = confirmed
	}

	rec, err := s.svc.Submit(ctx, request)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to submit run", err), nil
	}
	return marshalResult(rec)
}

func (s *Server) handleGetRunStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	id, ok := runID(req)
	if !ok {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	rec, err := s.svc.Status(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get run %s", id), err), nil
	}
	return marshalResult(rec)
}

func (s *Server) handleCancelRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	id, ok := runID(req)
	if !ok {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	rec, err := s.svc.Cancel(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to cancel run %s", id), err), nil
	}
	return marshalResult(rec)
}

func (s *Server) handleGetRunArtifacts(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	id, ok := runID(req)
	if !ok {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	includeDiff, _ := req.GetArguments()["include_diff"].(bool)
	bundle, err := s.svc.Artifacts(ctx, id, includeDiff, false)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get artifacts for run %s", id), err), nil
	}
	return marshalResult(bundle)
}

func (s *Server) handleGetRunDiff(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	id, ok := runID(req)
	if !ok {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	format, _ := req.GetArguments()["format"].(string)
	result, err := s.svc.Diff(ctx, id, git.DiffFormat(format))
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get diff for run %s", id), err), nil
	}
	return marshalResult(result)
}

func runID(req mcplib.CallToolRequest) (string, bool) { //nolint:gocritic // hugeParam: mcp-go handler signature
	id, ok := req.GetArguments()["run_id"].(string)
	return id, ok && id != ""
}

func marshalResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
