// Copyright © 2018 The ELPS authors

package dapserver

import (
	"path"
	"path/filepath"

	"github.com/google/go-dap"

	"github.com/luthersystems/svcdbg/debugger"
	"github.com/luthersystems/svcdbg/debugger/events"
)

// DAP clients count columns from 1. Location columns count statements on
// a line from 0.

func fromClientColumn(col int) *int {
	if col <= 0 {
		return nil
	}
	c := col - 1
	return &c
}

func toClientColumn(col int) int {
	return col + 1
}

// sourceFile returns the file a DAP source refers to.
func sourceFile(src dap.Source) string {
	if src.Path != "" {
		return src.Path
	}
	return src.Name
}

// resolveSourcePath returns an absolute path for DAP clients when
// sourceRoot is set and file is relative.
func resolveSourcePath(file, sourceRoot string) string {
	if file == "" || filepath.IsAbs(file) || sourceRoot == "" {
		return file
	}
	return filepath.Join(sourceRoot, file)
}

func (c *connection) source(file string) *dap.Source {
	if file == "" {
		return nil
	}
	return &dap.Source{
		Name: path.Base(filepath.ToSlash(file)),
		Path: resolveSourcePath(file, c.s.sourceRoot),
	}
}

func (c *connection) translateBreakpoints(resps []debugger.BreakpointResponse) []dap.Breakpoint {
	out := make([]dap.Breakpoint, len(resps))
	for i, r := range resps {
		bp := dap.Breakpoint{
			Id:       r.ID,
			Verified: r.Verified,
			Message:  r.Message,
			Source:   c.source(r.Source),
			Line:     r.Line,
		}
		if r.Verified {
			bp.Column = toClientColumn(r.Column)
			if r.EndLine > 0 {
				bp.EndLine = r.EndLine
				bp.EndColumn = toClientColumn(r.EndColumn)
			}
		}
		out[i] = bp
	}
	return out
}

func translateLocations(locs []debugger.Location) []dap.BreakpointLocation {
	out := make([]dap.BreakpointLocation, len(locs))
	for i, loc := range locs {
		out[i] = dap.BreakpointLocation{
			Line:   loc.Line,
			Column: toClientColumn(loc.Column),
		}
		if loc.EndLine > 0 {
			out[i].EndLine = loc.EndLine
			out[i].EndColumn = toClientColumn(loc.EndColumn)
		}
	}
	return out
}

// translateStackFrames converts frames, innermost first, to DAP frames.
func (c *connection) translateStackFrames(frames []debugger.StackFrame) []dap.StackFrame {
	out := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		out[i] = dap.StackFrame{
			Id:               f.ID,
			Name:             f.Name,
			Source:           c.source(f.Source),
			Line:             f.Line,
			Column:           toClientColumn(f.Column),
			PresentationHint: f.PresentationHint,
		}
	}
	return out
}

func translateScopes(scopes []debugger.ScopeDescription) []dap.Scope {
	out := make([]dap.Scope, len(scopes))
	for i, s := range scopes {
		out[i] = dap.Scope{
			Name:               s.Name,
			PresentationHint:   s.PresentationHint,
			VariablesReference: s.VariablesReference,
			NamedVariables:     s.NamedVariables,
			IndexedVariables:   s.IndexedVariables,
			Expensive:          s.Expensive,
		}
	}
	return out
}

func translateVariables(vars []debugger.Variable) []dap.Variable {
	out := make([]dap.Variable, len(vars))
	for i, v := range vars {
		out[i] = dap.Variable{
			Name:               v.Name,
			Value:              v.Value,
			Type:               v.Type,
			EvaluateName:       v.EvaluateName,
			VariablesReference: v.VariablesReference,
			NamedVariables:     v.NamedVariables,
			IndexedVariables:   v.IndexedVariables,
			PresentationHint:   translateHint(v.PresentationHint),
		}
	}
	return out
}

func translateHint(h *debugger.PresentationHint) *dap.VariablePresentationHint {
	if h == nil {
		return nil
	}
	return &dap.VariablePresentationHint{
		Kind:       h.Kind,
		Attributes: h.Attributes,
		Visibility: h.Visibility,
	}
}

func translateExceptionDetail(d debugger.ExceptionDetail) dap.ExceptionDetails {
	out := dap.ExceptionDetails{
		Message:      d.Message,
		TypeName:     d.TypeName,
		FullTypeName: d.FullTypeName,
		StackTrace:   d.StackTrace,
	}
	for _, inner := range d.InnerException {
		out.InnerException = append(out.InnerException, translateExceptionDetail(inner))
	}
	return out
}

// translateEvent converts a debugger notification to a DAP event. It
// returns nil for notifications with no DAP counterpart.
func (c *connection) translateEvent(m events.Message) dap.Message {
	switch e := m.(type) {
	case events.Suspended:
		evt := &dap.StoppedEvent{Event: newEvent("stopped")}
		evt.Body.Reason = e.Reason
		evt.Body.ThreadId = e.ThreadID
		evt.Body.Text = e.Exception
		if e.BreakpointID > 0 {
			evt.Body.HitBreakpointIds = []int{e.BreakpointID}
		}
		return evt
	case events.Resumed:
		c.forgetThread(e.ThreadID)
		evt := &dap.ContinuedEvent{Event: newEvent("continued")}
		evt.Body.ThreadId = e.ThreadID
		return evt
	case events.Log:
		evt := &dap.OutputEvent{Event: newEvent("output")}
		evt.Body.Category = "console"
		if e.Level == events.LevelError {
			evt.Body.Category = "stderr"
		}
		evt.Body.Output = e.Body + "\n"
		return evt
	case events.Thread:
		evt := &dap.ThreadEvent{Event: newEvent("thread")}
		evt.Body.Reason = string(e.Reason)
		evt.Body.ThreadId = e.ThreadID
		return evt
	}
	return nil
}
