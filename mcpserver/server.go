// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes
// the sandboxed analysis pipeline. It uses the mark3labs/mcp-go library
// to handle the protocol details and provides the run_analysis tool as
// the primary interface plus execution_health as the liveness surface.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/koala-ai/koalabox/config"
	"github.com/koala-ai/koalabox/sandbox"
)

// Executor is the part of the sandbox pipeline the server depends on.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.Outcome, error)
	Health(ctx context.Context) sandbox.HealthStatus
	Backend() string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	fs        sandbox.FileSystem
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
		fs:       &sandbox.RealFileSystem{},
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.String("sandbox.image", s.config.Sandbox.Image),
		zap.String("sandbox.uploads_dir", s.config.Sandbox.UploadsDir),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.String("sandbox.cpus", s.config.Sandbox.CPUs),
		zap.Int("sandbox.max_artifact_size_mb", s.config.Sandbox.MaxArtifactSizeMB),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("koalabox-executor", "A sandboxed data-analysis execution server")

	s.registerRunAnalysisTool()
	s.registerHealthTool()

	return s, nil
}

// registerRunAnalysisTool registers the run_analysis tool
func (s *MCPServer) registerRunAnalysisTool() {
	tool := mcp.Tool{
		Name:        "run_analysis",
		Description: "Execute untrusted pandas analysis code against bound data files in a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python analysis code to execute",
				},
				"files": map[string]any{
					"type":        "object",
					"description": "Mapping from dataset variable name to file path under the uploads root (optional)",
				},
				"data_tar": map[string]any{
					"type":        "string",
					"description": "Base64-encoded tar.gz of data files; 'files' paths then resolve inside the archive (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunAnalysis)
}

// registerHealthTool registers the execution_health tool
func (s *MCPServer) registerHealthTool() {
	tool := mcp.Tool{
		Name:        "execution_health",
		Description: "Run a trivial known-safe snippet and report whether the active backend is healthy",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleHealth)
}

// handleRunAnalysis handles the run_analysis tool
func (s *MCPServer) handleRunAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("analysis execution requested")

	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	bindings, err := fileBindings(request)
	if err != nil {
		return nil, err
	}

	// Inline datasets are staged into a per-request directory under the
	// uploads root, so bindings resolve through the same path checks as
	// pre-uploaded files.
	if dataTarStr := request.GetString("data_tar", ""); dataTarStr != "" {
		dataTar, decodeErr := base64.StdEncoding.DecodeString(dataTarStr)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode data_tar: %w", decodeErr)
		}

		stagingDir := "inline-" + uuid.NewString()
		if extractErr := sandbox.ExtractTarToDir(s.fs, dataTar,
			path.Join(s.config.Sandbox.UploadsDir, stagingDir)); extractErr != nil {
			return nil, fmt.Errorf("failed to extract data_tar: %w", extractErr)
		}
		defer func() {
			if rmErr := s.fs.RemoveAll(path.Join(s.config.Sandbox.UploadsDir, stagingDir)); rmErr != nil {
				s.logger.Error("failed to remove inline data staging dir",
					zap.String("dir", stagingDir), zap.Error(rmErr))
			}
		}()

		for name, relPath := range bindings {
			bindings[name] = path.Join(stagingDir, relPath)
		}
	}

	s.logger.Info("executing analysis in sandbox",
		zap.String("backend", s.executor.Backend()),
		zap.Int("bindings", len(bindings)))

	outcome, err := s.executor.Execute(ctx, sandbox.ExecuteRequest{
		Code:         code,
		DataBindings: bindings,
	})
	if err != nil {
		var vErr *sandbox.ValidationError
		if errors.As(err, &vErr) {
			return toolJSON(map[string]any{
				"succeeded":        false,
				"validation_error": vErr.Error(),
			})
		}

		s.logger.Error("sandbox execution failed", zap.Error(err))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("Execution failed: %v", err),
				},
			},
			IsError: true,
		}, nil
	}

	s.logger.Info("analysis execution completed",
		zap.Bool("succeeded", outcome.Succeeded),
		zap.String("failure_kind", string(outcome.FailureKind)),
		zap.Int("captured_values", len(outcome.Result)),
		zap.Int("stdout_len", len(outcome.Stdout)))

	return toolJSON(outcome)
}

// handleHealth handles the execution_health tool
func (s *MCPServer) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := s.executor.Health(ctx)

	s.logger.Info("health check completed",
		zap.Bool("healthy", status.Healthy),
		zap.String("backend", status.Backend))

	return toolJSON(status)
}

// fileBindings extracts the files parameter as a string-to-string map.
func fileBindings(request mcp.CallToolRequest) (map[string]string, error) {
	raw, ok := request.GetArguments()["files"]
	if !ok || raw == nil {
		return map[string]string{}, nil
	}

	rawMap, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("files parameter must be an object of name to path")
	}

	bindings := make(map[string]string, len(rawMap))
	for name, value := range rawMap {
		pathStr, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("files entry %q must be a string path", name)
		}
		bindings[name] = pathStr
	}

	return bindings, nil
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
