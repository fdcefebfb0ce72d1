// Package toolserver exposes run capsules and the run store as MCP tools.
//
// There are two surfaces. Server is what an agent talks to, over stdio: it
// reads and writes files through the capsule of its run. A gated write fails
// with an approval token, and the token authorizes nothing on its own.
// Approver is a separate endpoint for the human side, served over HTTP on a
// loopback address: it lists pending writes and approves or rejects them.
// Only after an approval does a retry with the token succeed, and only for
// the bytes that were approved.
//
// Every tool call on either surface is appended to a storage.ToolAudit
// before the result is returned, whether the call succeeded or not.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Iron-Ham/simpleaide/internal/capsule"
	"github.com/Iron-Ham/simpleaide/internal/gitexec"
	"github.com/Iron-Ham/simpleaide/internal/logging"
	"github.com/Iron-Ham/simpleaide/internal/runstore"
	"github.com/Iron-Ham/simpleaide/internal/storage"
	"github.com/Iron-Ham/simpleaide/internal/util"
)

// Name is the MCP server name advertised to agents.
const Name = "simpleaide"

// maxAuditBytes bounds the input and output text stored per audit row.
const maxAuditBytes = 8 * 1024

// toolset is an MCP server whose tools act on capsules and runs.
type toolset struct {
	mcp      *server.MCPServer
	capsules *capsule.Registry
	runs     *runstore.Store
	audit    storage.ToolAudit
	logger   *logging.Logger

	handlers map[string]server.ToolHandlerFunc
}

func newToolset(name, version string, capsules *capsule.Registry, runs *runstore.Store, audit storage.ToolAudit, logger *logging.Logger) *toolset {
	return &toolset{
		mcp:      server.NewMCPServer(name, version, server.WithToolCapabilities(true)),
		capsules: capsules,
		runs:     runs,
		audit:    audit,
		logger:   logging.OrNop(logger).With("component", "toolserver", "surface", name),
		handlers: make(map[string]server.ToolHandlerFunc),
	}
}

// Server is the agent-facing tool surface.
type Server struct {
	*toolset
}

// New creates a Server and registers the agent tools.
func New(capsules *capsule.Registry, runs *runstore.Store, audit storage.ToolAudit, version string, logger *logging.Logger) *Server {
	s := &Server{toolset: newToolset(Name, version, capsules, runs, audit, logger)}
	s.registerCapsuleTools()
	s.registerRunTools()
	return s
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server.
func (s *toolset) MCPServer() *server.MCPServer { return s.mcp }

// Tools returns the registered tool names, sorted.
func (s *toolset) Tools() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes a tool by name, as a client would.
func (s *toolset) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return h(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
}

// addTool registers tool with an audited handler.
func (s *toolset) addTool(tool mcp.Tool, h server.ToolHandlerFunc) {
	wrapped := s.audited(tool.Name, h)
	s.handlers[tool.Name] = wrapped
	s.mcp.AddTool(tool, wrapped)
}

func (s *toolset) audited(name string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, request)

		call := &storage.ToolCall{
			RunID:    request.GetString("run_id", ""),
			ToolName: name,
			Input:    auditText(request.GetArguments()),
			Success:  err == nil && result != nil && !result.IsError,
		}
		switch {
		case err != nil:
			call.ErrorMessage = gitexec.Redact(err.Error())
		case result != nil:
			text := resultText(result)
			if result.IsError {
				call.ErrorMessage = text
			} else {
				call.Output = text
			}
		}
		call.Output = util.TruncateString(call.Output, maxAuditBytes)

		if s.audit != nil {
			if auditErr := s.audit.AppendToolCall(call); auditErr != nil {
				s.logger.Warn("failed to audit tool call", "tool", name, "error", auditErr)
			}
		}
		s.logger.Debug("tool call", "tool", name, "run_id", call.RunID, "success", call.Success)
		return result, err
	}
}

// auditText renders tool arguments for the audit log. File content is
// replaced by its size and recognizable tokens are masked.
func auditText(args map[string]any) string {
	if content, ok := args["content"].(string); ok {
		copied := make(map[string]any, len(args))
		for k, v := range args {
			copied[k] = v
		}
		copied["content"] = fmt.Sprintf("(%d bytes)", len(content))
		args = copied
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return util.TruncateString(gitexec.Redact(string(data)), maxAuditBytes)
}

func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(gitexec.Redact(err.Error()))
}
