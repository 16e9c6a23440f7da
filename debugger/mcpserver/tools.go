// Copyright © 2018 The ELPS authors

package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	// Inspection
	s.add(mcp.NewTool("list_threads",
		mcp.WithDescription("List the threads running services. Suspended threads include the stop reason and a stack summary."),
	), s.handleListThreads)
	s.add(mcp.NewTool("list_breakpoint_locations",
		mcp.WithDescription("List the locations where breakpoints can be set, for every file or for a range of one file."),
		mcp.WithString("file", mcp.Description("Restrict the result to this file")),
		mcp.WithNumber("line", mcp.Description("First line of the range (requires file)")),
		mcp.WithNumber("column", mcp.Description("First column of the range")),
		mcp.WithNumber("endLine", mcp.Description("Last line of the range (default: line)")),
		mcp.WithNumber("endColumn", mcp.Description("Last column of the range")),
	), s.handleListBreakpointLocations)
	s.add(mcp.NewTool("stack_trace",
		mcp.WithDescription("Get the visible frames of a suspended thread, innermost first."),
		mcp.WithNumber("threadId", mcp.Required(), mcp.Description("Thread ID")),
		mcp.WithNumber("startFrame", mcp.Description("Index of the first frame to return (default: 0)")),
		mcp.WithNumber("levels", mcp.Description("Maximum number of frames (default: all)")),
	), s.handleStackTrace)
	s.add(mcp.NewTool("scopes",
		mcp.WithDescription("Get the variable scopes of a frame: locals, closures, context and arguments."),
		mcp.WithNumber("threadId", mcp.Required(), mcp.Description("Thread ID")),
		mcp.WithNumber("frameId", mcp.Required(), mcp.Description("Frame ID from stack_trace")),
	), s.handleScopes)
	s.add(mcp.NewTool("variables",
		mcp.WithDescription("Expand a variables reference from scopes, variables or evaluate."),
		mcp.WithNumber("variablesReference", mcp.Required(), mcp.Description("Reference to expand")),
		mcp.WithString("filter", mcp.Description("'indexed' or 'named' to return only those children")),
		mcp.WithNumber("start", mcp.Description("Index of the first child (default: 0)")),
		mcp.WithNumber("count", mcp.Description("Maximum number of children (default: all)")),
	), s.handleVariables)
	s.add(mcp.NewTool("evaluate",
		mcp.WithDescription("Evaluate an expression in a frame of a suspended thread, or globally when no frame is given."),
		mcp.WithString("expression", mcp.Required(), mcp.Description("Expression to evaluate")),
		mcp.WithNumber("threadId", mcp.Description("Thread owning the frame")),
		mcp.WithNumber("frameId", mcp.Description("Frame ID; omit for a global evaluation")),
		mcp.WithNumber("timeoutMs", mcp.Description("How long to wait for the thread (default: 5000)")),
	), s.handleEvaluate)
	s.add(mcp.NewTool("exception_details",
		mcp.WithDescription("Describe the exception a thread stopped on, including its cause chain."),
		mcp.WithNumber("threadId", mcp.Required(), mcp.Description("Thread ID")),
	), s.handleExceptionDetails)
	s.add(mcp.NewTool("recent_events",
		mcp.WithDescription("Return recent debugger notifications: suspended, resumed, log and thread events."),
		mcp.WithNumber("since", mcp.Description("Only return events with a sequence number above this")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events, newest kept (default: 50)")),
	), s.handleRecentEvents)

	// Control
	s.add(mcp.NewTool("set_breakpoints",
		mcp.WithDescription("Replace the breakpoints of a file. Lines without a breakpoint location are reported unverified."),
		mcp.WithString("file", mcp.Required(), mcp.Description("File the breakpoints belong to")),
		mcp.WithArray("breakpoints",
			mcp.Required(),
			mcp.Description("Breakpoints as objects with line, optional column and optional condition"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"line":      map[string]any{"type": "number"},
					"column":    map[string]any{"type": "number"},
					"condition": map[string]any{"type": "string"},
				},
				"required": []string{"line"},
			}),
		),
	), s.handleSetBreakpoints)
	s.add(mcp.NewTool("set_break_on_exceptions",
		mcp.WithDescription("Enable or disable stopping threads when an exception is raised."),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Stop on exceptions")),
	), s.handleSetBreakOnExceptions)
	s.add(mcp.NewTool("set_variable",
		mcp.WithDescription("Assign a JSON value to a child of a variables reference."),
		mcp.WithNumber("variablesReference", mcp.Required(), mcp.Description("Reference of the container")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Child name")),
		mcp.WithString("value", mcp.Required(), mcp.Description("New value as JSON, e.g. 42, \"text\" or {\"k\": 1}")),
	), s.handleSetVariable)
	s.add(threadTool("pause", "Suspend a running thread at its next statement."), s.threadCommand(s.d.Suspend))
	s.add(threadTool("continue", "Resume a suspended thread."), s.threadCommand(s.d.Resume))
	s.add(threadTool("step_over", "Run to the next statement of the current frame."), s.threadCommand(s.d.StepOver))
	s.add(threadTool("step_in", "Run to the next statement, entering calls."), s.threadCommand(s.d.StepIn))
	s.add(threadTool("step_out", "Run until the current frame returns."), s.threadCommand(s.d.StepOut))
	s.add(mcp.NewTool("resume_all",
		mcp.WithDescription("Resume every suspended thread."),
	), s.handleResumeAll)
}

func threadTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithNumber("threadId", mcp.Required(), mcp.Description("Thread ID")),
	)
}
