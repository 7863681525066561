// Package mcp exposes pipeline validation and execution control as Model
// Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"backupflow/backend/internal/problems"
	"backupflow/backend/internal/services"
	"backupflow/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	svc       *services.PipelineService
}

func NewServer(svc *services.PipelineService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"backupflow",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		svc: svc,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"validate_pipeline",
			mcp.WithDescription("Validate a pipeline definition without storing it"),
			mcp.WithString("definition", mcp.Required(), mcp.Description("The pipeline definition as YAML or JSON")),
		),
		s.handleValidatePipeline,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_execution",
			mcp.WithDescription("Start an execution of a stored pipeline"),
			mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("The ID of the pipeline")),
		),
		s.handleStartExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution_status",
			mcp.WithDescription("Get the status of an execution"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the execution")),
		),
		s.handleGetExecutionStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_execution",
			mcp.WithDescription("Request cancellation of a running execution"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the execution")),
		),
		s.handleCancelExecution,
	)
}

func (s *Server) handleValidatePipeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definition, err := request.RequireString("definition")
	if err != nil || definition == "" {
		return mcp.NewToolResultError("Missing required parameter: definition"), nil
	}

	// JSON is a subset of YAML, so one decoder serves both.
	var p models.Pipeline
	if err := yaml.Unmarshal([]byte(definition), &p); err != nil {
		return toolError(problems.Wrap(problems.InvalidDefinition, err, "definition is not valid YAML or JSON")), nil
	}

	g, err := s.svc.ValidatePipeline(ctx, &p)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{
		"valid":         true,
		"starting_step": g.Start,
		"order":         g.Order,
		"terminal":      g.Terminal(),
	})
}

func (s *Server) handleStartExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineID, err := request.RequireString("pipeline_id")
	if err != nil || pipelineID == "" {
		return mcp.NewToolResultError("Missing required parameter: pipeline_id"), nil
	}

	exec, err := s.svc.StartExecution(ctx, pipelineID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleGetExecutionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	exec, err := s.svc.GetExecutionStatus(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	exec, err := s.svc.CancelExecution(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(exec)
}

// toolError reports err as a tool-level failure whose text is the problem
// document, so clients can match on its code.
func toolError(err error) *mcp.CallToolResult {
	b, merr := json.Marshal(problems.ToDetails(err))
	if merr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(b))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))
	mux.Handle("/mcp/sse", sseServer.SSEHandler())
	mux.Handle("/mcp/message", sseServer.MessageHandler())
}
