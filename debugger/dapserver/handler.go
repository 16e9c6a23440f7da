// Copyright © 2018 The ELPS authors

package dapserver

import (
	"context"
	"fmt"

	"github.com/google/go-dap"

	"github.com/luthersystems/svcdbg/debugger"
)

// exceptionFilter is the only exception breakpoint filter offered.
const exceptionFilter = "all"

func (c *connection) handle(msg dap.Message) {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		c.onInitialize(req)
	case *dap.AttachRequest:
		c.send(&dap.AttachResponse{Response: newResponse(req.Request)})
	case *dap.LaunchRequest:
		c.sendError(req.Request, "the host is already running; attach to it instead")
	case *dap.SetBreakpointsRequest:
		c.onSetBreakpoints(req)
	case *dap.BreakpointLocationsRequest:
		c.onBreakpointLocations(req)
	case *dap.SetExceptionBreakpointsRequest:
		c.onSetExceptionBreakpoints(req)
	case *dap.ConfigurationDoneRequest:
		c.send(&dap.ConfigurationDoneResponse{Response: newResponse(req.Request)})
	case *dap.ThreadsRequest:
		c.onThreads(req)
	case *dap.StackTraceRequest:
		c.onStackTrace(req)
	case *dap.ScopesRequest:
		c.onScopes(req)
	case *dap.VariablesRequest:
		c.onVariables(req)
	case *dap.SetVariableRequest:
		c.onSetVariable(req)
	case *dap.EvaluateRequest:
		c.onEvaluate(req)
	case *dap.ExceptionInfoRequest:
		c.onExceptionInfo(req)
	case *dap.ContinueRequest:
		c.onContinue(req)
	case *dap.NextRequest:
		c.control(req.Request, c.d.StepOver(req.Arguments.ThreadId), &dap.NextResponse{})
	case *dap.StepInRequest:
		c.control(req.Request, c.d.StepIn(req.Arguments.ThreadId), &dap.StepInResponse{})
	case *dap.StepOutRequest:
		c.control(req.Request, c.d.StepOut(req.Arguments.ThreadId), &dap.StepOutResponse{})
	case *dap.PauseRequest:
		c.control(req.Request, c.d.Suspend(req.Arguments.ThreadId), &dap.PauseResponse{})
	case *dap.DisconnectRequest:
		c.onDisconnect(req)
	case dap.RequestMessage:
		r := req.GetRequest()
		c.log.WithField("command", r.Command).Debug("unsupported dap request")
		c.sendError(*r, fmt.Sprintf("unsupported request %q", r.Command))
	default:
		c.log.Debugf("dap: ignoring message %T", msg)
	}
}

func (c *connection) onInitialize(req *dap.InitializeRequest) {
	c.connect()
	resp := &dap.InitializeResponse{Response: newResponse(req.Request)}
	resp.Body = dap.Capabilities{
		SupportsConfigurationDoneRequest:   true,
		SupportsConditionalBreakpoints:     true,
		SupportsEvaluateForHovers:          true,
		SupportsSetVariable:                true,
		SupportsExceptionInfoRequest:       true,
		SupportsBreakpointLocationsRequest: true,
		SupportsDelayedStackTraceLoading:   true,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{
				Filter:  exceptionFilter,
				Label:   "All Exceptions",
				Default: c.d.BreakOnExceptions(),
			},
		},
	}
	c.send(resp)
	c.send(&dap.InitializedEvent{Event: newEvent("initialized")})
}

func (c *connection) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	file := sourceFile(req.Arguments.Source)
	requests := make([]debugger.BreakpointRequest, len(req.Arguments.Breakpoints))
	for i, bp := range req.Arguments.Breakpoints {
		requests[i] = debugger.BreakpointRequest{
			Line:      bp.Line,
			Column:    fromClientColumn(bp.Column),
			Condition: bp.Condition,
		}
	}
	resp := &dap.SetBreakpointsResponse{Response: newResponse(req.Request)}
	resp.Body.Breakpoints = c.translateBreakpoints(c.d.SetBreakpoints(file, requests))
	c.send(resp)
}

func (c *connection) onBreakpointLocations(req *dap.BreakpointLocationsRequest) {
	args := req.Arguments
	if args == nil {
		c.sendError(req.Request, "breakpointLocations needs a source and a line")
		return
	}
	rng := debugger.Range{
		Line:   args.Line,
		Column: fromClientColumn(args.Column),
	}
	if args.EndLine > 0 {
		rng.EndLine = &args.EndLine
	}
	rng.EndColumn = fromClientColumn(args.EndColumn)
	resp := &dap.BreakpointLocationsResponse{Response: newResponse(req.Request)}
	resp.Body.Breakpoints = translateLocations(c.d.ListBreakpointLocationsInRange(sourceFile(args.Source), rng))
	c.send(resp)
}

func (c *connection) onSetExceptionBreakpoints(req *dap.SetExceptionBreakpointsRequest) {
	enabled := false
	for _, filter := range req.Arguments.Filters {
		if filter == exceptionFilter {
			enabled = true
		}
	}
	c.d.SetBreakOnExceptions(enabled)
	c.send(&dap.SetExceptionBreakpointsResponse{Response: newResponse(req.Request)})
}

func (c *connection) onThreads(req *dap.ThreadsRequest) {
	resp := &dap.ThreadsResponse{Response: newResponse(req.Request)}
	resp.Body.Threads = []dap.Thread{}
	for _, t := range c.d.ListThreads() {
		resp.Body.Threads = append(resp.Body.Threads, dap.Thread{Id: t.ID, Name: t.Name})
	}
	c.send(resp)
}

func (c *connection) onStackTrace(req *dap.StackTraceRequest) {
	tid := req.Arguments.ThreadId
	frames := c.d.GetStackTrace(tid)
	c.cacheFrames(tid, frames)

	resp := &dap.StackTraceResponse{Response: newResponse(req.Request)}
	all := c.translateStackFrames(frames)
	resp.Body.TotalFrames = len(all)
	start := req.Arguments.StartFrame
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if req.Arguments.Levels > 0 && start+req.Arguments.Levels < end {
		end = start + req.Arguments.Levels
	}
	resp.Body.StackFrames = all[start:end]
	c.send(resp)
}

// cacheFrames remembers which thread owns each frame id so that scopes
// and evaluate requests, which carry only a frame id, can be routed.
func (c *connection) cacheFrames(threadID int, frames []debugger.StackFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, tid := range c.frameTids {
		if tid == threadID {
			delete(c.frameTids, id)
		}
	}
	for _, f := range frames {
		c.frameTids[f.ID] = threadID
	}
}

func (c *connection) frameThread(frameID int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tid, ok := c.frameTids[frameID]
	return tid, ok
}

func (c *connection) forgetThread(threadID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, tid := range c.frameTids {
		if tid == threadID {
			delete(c.frameTids, id)
		}
	}
}

func (c *connection) onScopes(req *dap.ScopesRequest) {
	frameID := req.Arguments.FrameId
	tid, ok := c.frameThread(frameID)
	if !ok {
		c.sendError(req.Request, fmt.Sprintf("unknown frame %d", frameID))
		return
	}
	scopes, err := c.d.GetScopes(tid, frameID)
	if err != nil {
		c.sendError(req.Request, err.Error())
		return
	}
	resp := &dap.ScopesResponse{Response: newResponse(req.Request)}
	resp.Body.Scopes = translateScopes(scopes)
	c.send(resp)
}

func (c *connection) onVariables(req *dap.VariablesRequest) {
	args := req.Arguments
	count := args.Count
	if count <= 0 {
		count = -1
	}
	vars, err := c.d.GetVariables(args.VariablesReference, args.Filter, args.Start, count)
	if err != nil {
		c.sendError(req.Request, err.Error())
		return
	}
	resp := &dap.VariablesResponse{Response: newResponse(req.Request)}
	resp.Body.Variables = translateVariables(vars)
	c.send(resp)
}

func (c *connection) onSetVariable(req *dap.SetVariableRequest) {
	args := req.Arguments
	v, err := c.d.SetVariable(args.VariablesReference, args.Name, args.Value)
	if err != nil {
		c.sendError(req.Request, err.Error())
		return
	}
	resp := &dap.SetVariableResponse{Response: newResponse(req.Request)}
	resp.Body = dap.SetVariableResponseBody{
		Value:              v.Value,
		Type:               v.Type,
		VariablesReference: v.VariablesReference,
		NamedVariables:     v.NamedVariables,
		IndexedVariables:   v.IndexedVariables,
	}
	c.send(resp)
}

func (c *connection) onEvaluate(req *dap.EvaluateRequest) {
	args := req.Arguments
	var v debugger.Variable
	if args.FrameId > 0 {
		tid, ok := c.frameThread(args.FrameId)
		if !ok {
			c.sendError(req.Request, fmt.Sprintf("unknown frame %d", args.FrameId))
			return
		}
		v = c.d.Evaluate(context.Background(), tid, args.FrameId, args.Expression)
	} else {
		v = c.d.EvaluateGlobal(args.Expression)
	}
	if v.Type == "error" && v.VariablesReference == 0 {
		c.sendError(req.Request, v.Value)
		return
	}
	resp := &dap.EvaluateResponse{Response: newResponse(req.Request)}
	resp.Body = dap.EvaluateResponseBody{
		Result:             v.Value,
		Type:               v.Type,
		VariablesReference: v.VariablesReference,
		NamedVariables:     v.NamedVariables,
		IndexedVariables:   v.IndexedVariables,
		PresentationHint:   translateHint(v.PresentationHint),
	}
	c.send(resp)
}

func (c *connection) onExceptionInfo(req *dap.ExceptionInfoRequest) {
	details := c.d.GetExceptionDetails(req.Arguments.ThreadId)
	resp := &dap.ExceptionInfoResponse{Response: newResponse(req.Request)}
	resp.Body = dap.ExceptionInfoResponseBody{
		ExceptionId: details.ExceptionID,
		Description: details.Description,
		BreakMode:   dap.ExceptionBreakMode(details.BreakMode),
	}
	if details.Details != nil {
		d := translateExceptionDetail(*details.Details)
		resp.Body.Details = &d
	}
	c.send(resp)
}

func (c *connection) onContinue(req *dap.ContinueRequest) {
	tid := req.Arguments.ThreadId
	if err := c.d.Resume(tid); err != nil {
		c.sendError(req.Request, err.Error())
		return
	}
	c.forgetThread(tid)
	resp := &dap.ContinueResponse{Response: newResponse(req.Request)}
	resp.Body.AllThreadsContinued = false
	c.send(resp)
}

// control answers a step or pause request with resp or with err.
func (c *connection) control(req dap.Request, err error, resp dap.ResponseMessage) {
	if err != nil {
		c.sendError(req, err.Error())
		return
	}
	*resp.GetResponse() = newResponse(req)
	c.send(resp)
}

func (c *connection) onDisconnect(req *dap.DisconnectRequest) {
	c.send(&dap.DisconnectResponse{Response: newResponse(req.Request)})
	c.disconnect()
	c.send(&dap.TerminatedEvent{Event: newEvent("terminated")})
	c.close()
}

func (c *connection) sendError(req dap.Request, message string) {
	resp := &dap.ErrorResponse{Response: newResponse(req)}
	resp.Success = false
	resp.Message = message
	resp.Body.Error = &dap.ErrorMessage{Format: message}
	c.send(resp)
}

// --- helpers ---

func newResponse(req dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      req.Seq,
		Success:         true,
		Command:         req.Command,
	}
}

func newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           event,
	}
}

func setSeq(msg dap.Message, seq int) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = seq
	case dap.EventMessage:
		m.GetEvent().Seq = seq
	}
}
