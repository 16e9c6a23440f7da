// Copyright © 2018 The ELPS authors

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/luthersystems/svcdbg/debugger"
)

const (
	defaultEvaluateTimeout = 5 * time.Second
	defaultEventLimit      = 50
)

func (s *Server) add(tool mcp.Tool, h server.ToolHandlerFunc) {
	if s.handlers == nil {
		s.handlers = make(map[string]server.ToolHandlerFunc)
	}
	s.handlers[tool.Name] = h
	s.mcpServer.AddTool(tool, h)
}

// call invokes a registered tool directly.
func (s *Server) call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return h(ctx, req)
}

func jsonResult(data any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func optionalInt(request mcp.CallToolRequest, key string) *int {
	if _, ok := request.GetArguments()[key]; !ok {
		return nil
	}
	v := request.GetInt(key, 0)
	return &v
}

func (s *Server) handleListThreads(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"threads": s.d.ListThreads(),
	})
}

func (s *Server) handleListBreakpointLocations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file := request.GetString("file", "")
	if file == "" {
		return jsonResult(map[string]any{
			"locations": s.d.ListAllBreakpointLocations(),
		})
	}
	line := optionalInt(request, "line")
	if line == nil {
		locs := s.d.ListFileBreakpointLocations(file)
		if locs == nil {
			locs = []debugger.Location{}
		}
		return jsonResult(map[string]any{"locations": locs})
	}
	rng := debugger.Range{
		Line:      *line,
		Column:    optionalInt(request, "column"),
		EndLine:   optionalInt(request, "endLine"),
		EndColumn: optionalInt(request, "endColumn"),
	}
	return jsonResult(map[string]any{
		"locations": s.d.ListBreakpointLocationsInRange(file, rng),
	})
}

func (s *Server) handleStackTrace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireInt("threadId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	frames := s.d.GetStackTrace(threadID)
	total := len(frames)
	levels := request.GetInt("levels", -1)
	if levels == 0 {
		levels = -1
	}
	return jsonResult(map[string]any{
		"stackFrames": debugger.Page(frames, request.GetInt("startFrame", 0), levels),
		"totalFrames": total,
	})
}

func (s *Server) handleScopes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireInt("threadId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	frameID, err := request.RequireInt("frameId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	scopes, err := s.d.GetScopes(threadID, frameID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get scopes: %v", err)), nil
	}
	return jsonResult(map[string]any{"scopes": scopes})
}

func (s *Server) handleVariables(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireInt("variablesReference")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	count := request.GetInt("count", -1)
	if count == 0 {
		count = -1
	}
	vars, err := s.d.GetVariables(ref, request.GetString("filter", ""), request.GetInt("start", 0), count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get variables: %v", err)), nil
	}
	return jsonResult(map[string]any{"variables": vars})
}

func (s *Server) handleEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expression, err := request.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	frameID := request.GetInt("frameId", 0)
	if frameID <= 0 {
		return jsonResult(s.d.EvaluateGlobal(expression))
	}
	threadID, err := request.RequireInt("threadId")
	if err != nil {
		return mcp.NewToolResultError("threadId is required with frameId"), nil
	}
	timeout := defaultEvaluateTimeout
	if ms := request.GetInt("timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return jsonResult(s.d.Evaluate(ctx, threadID, frameID, expression))
}

func (s *Server) handleExceptionDetails(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireInt("threadId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.d.GetExceptionDetails(threadID))
}

func (s *Server) handleRecentEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	evts := s.ring.since(request.GetInt("since", 0), request.GetInt("limit", defaultEventLimit))
	return jsonResult(map[string]any{"events": evts})
}

func (s *Server) handleSetBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, err := request.RequireString("file")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, ok := request.GetArguments()["breakpoints"]
	if !ok {
		return mcp.NewToolResultError("breakpoints is required"), nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var requests []debugger.BreakpointRequest
	if err := json.Unmarshal(b, &requests); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid breakpoints: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"breakpoints": s.d.SetBreakpoints(file, requests),
	})
}

func (s *Server) handleSetBreakOnExceptions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := request.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.d.SetBreakOnExceptions(enabled)
	return jsonResult(map[string]any{"breakOnExceptions": enabled})
}

func (s *Server) handleSetVariable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireInt("variablesReference")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := request.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := s.d.SetVariable(ref, name, value)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to set variable: %v", err)), nil
	}
	return jsonResult(v)
}

// threadCommand adapts a per-thread control operation to a tool handler.
func (s *Server) threadCommand(fn func(threadID int) error) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := request.RequireInt("threadId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := fn(threadID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"threadId": threadID, "ok": true})
	}
}

func (s *Server) handleResumeAll(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.d.ResumeAll()
	return jsonResult(map[string]any{"ok": true})
}
