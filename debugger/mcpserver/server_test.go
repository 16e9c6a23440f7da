package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthersystems/svcdbg/dbgtest"
	"github.com/luthersystems/svcdbg/debugger"
	"github.com/luthersystems/svcdbg/debugger/events"
	"github.com/luthersystems/svcdbg/luahost"
)

const script = `local total = 0
for i = 1, 3 do
  total = total + i
end
log.info("total", total)
return total
`

func setup(t *testing.T) (*Server, *debugger.Debugger, *luahost.Host) {
	t.Helper()
	d := debugger.New(
		debugger.WithLogger(dbgtest.NewLogrus(t)),
		debugger.WithDescriber(luahost.Describer{}),
	)
	host := luahost.New(d)
	t.Cleanup(host.Close)
	s := New(d, WithVersion("test"), WithEventHistory(16))
	s.Start()
	t.Cleanup(s.Close)
	return s, d, host
}

func call(t *testing.T, s *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := s.call(context.Background(), name, args)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func decode(t *testing.T, res *mcp.CallToolResult, out any) {
	t.Helper()
	require.False(t, res.IsError, "tool failed: %v", res.Content)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text.Text), out))
}

func TestServer_StartClose(t *testing.T) {
	d := debugger.New(debugger.WithLogger(dbgtest.NewLogrus(t)))
	s := New(d)
	s.Start()
	s.Start()
	assert.Equal(t, 1, d.Connected())
	s.Close()
	s.Close()
	assert.Equal(t, 0, d.Connected())
	assert.NotNil(t, s.MCPServer())
}

func TestServer_DebugThread(t *testing.T) {
	s, d, host := setup(t)
	rec := dbgtest.Record(t, d)
	loaded, err := host.LoadString("sum.lua", script)
	require.NoError(t, err)

	var locs struct {
		Locations []debugger.Location `json:"locations"`
	}
	decode(t, call(t, s, "list_breakpoint_locations", map[string]any{"file": "sum.lua", "line": 3}), &locs)
	require.Len(t, locs.Locations, 1)
	assert.Equal(t, "sum.lua:3:0", locs.Locations[0].ID)

	decode(t, call(t, s, "list_breakpoint_locations", map[string]any{"file": "SUM.lua"}), &locs)
	require.NotEmpty(t, locs.Locations)
	assert.Equal(t, "sum.lua", locs.Locations[0].File)
	decode(t, call(t, s, "list_breakpoint_locations", map[string]any{"file": "none.lua"}), &locs)
	assert.Empty(t, locs.Locations)

	var bps struct {
		Breakpoints []debugger.BreakpointResponse `json:"breakpoints"`
	}
	decode(t, call(t, s, "set_breakpoints", map[string]any{
		"file": "sum.lua",
		"breakpoints": []any{
			map[string]any{"line": 3, "condition": "i == 2"},
		},
	}), &bps)
	require.Len(t, bps.Breakpoints, 1)
	assert.True(t, bps.Breakpoints[0].Verified)

	done := make(chan error, 1)
	w := host.NewWorker("")
	defer w.Close()
	go func() {
		_, err := w.Run(context.Background(), loaded)
		done <- err
	}()
	rec.WaitSuspended(t, 1)
	tid := w.ThreadID()

	var threads struct {
		Threads []debugger.Thread `json:"threads"`
	}
	decode(t, call(t, s, "list_threads", nil), &threads)
	require.Len(t, threads.Threads, 1)
	assert.Equal(t, debugger.ThreadSuspended, threads.Threads[0].State)
	assert.Equal(t, "breakpoint", threads.Threads[0].Reason)

	var trace struct {
		StackFrames []debugger.StackFrame `json:"stackFrames"`
		TotalFrames int                   `json:"totalFrames"`
	}
	decode(t, call(t, s, "stack_trace", map[string]any{"threadId": tid}), &trace)
	require.Len(t, trace.StackFrames, 1)
	frameID := trace.StackFrames[0].ID

	var scopes struct {
		Scopes []debugger.ScopeDescription `json:"scopes"`
	}
	decode(t, call(t, s, "scopes", map[string]any{"threadId": tid, "frameId": frameID}), &scopes)
	require.NotEmpty(t, scopes.Scopes)
	assert.Equal(t, "locals", scopes.Scopes[0].Name)

	var vars struct {
		Variables []debugger.Variable `json:"variables"`
	}
	decode(t, call(t, s, "variables", map[string]any{"variablesReference": scopes.Scopes[0].VariablesReference}), &vars)
	byName := map[string]string{}
	for _, v := range vars.Variables {
		byName[v.Name] = v.Value
	}
	assert.Equal(t, "1", byName["total"])
	assert.Equal(t, "2", byName["i"])

	var v debugger.Variable
	decode(t, call(t, s, "evaluate", map[string]any{"expression": "total * 10", "threadId": tid, "frameId": frameID}), &v)
	assert.Equal(t, "10", v.Value)
	decode(t, call(t, s, "evaluate", map[string]any{"expression": "2 ^ 3"}), &v)
	assert.Equal(t, "8", v.Value)

	decode(t, call(t, s, "set_variable", map[string]any{
		"variablesReference": scopes.Scopes[0].VariablesReference,
		"name":               "total",
		"value":              "100",
	}), &v)
	assert.Equal(t, "100", v.Value)

	res := call(t, s, "step_out", map[string]any{"threadId": 424242})
	assert.True(t, res.IsError)

	var ok map[string]any
	decode(t, call(t, s, "continue", map[string]any{"threadId": tid}), &ok)
	require.NoError(t, <-done)

	var recent struct {
		Events []struct {
			Seq   int             `json:"seq"`
			Event events.Name     `json:"event"`
			Data  json.RawMessage `json:"data"`
		} `json:"events"`
	}
	decode(t, call(t, s, "recent_events", nil), &recent)
	var names []events.Name
	for _, e := range recent.Events {
		names = append(names, e.Event)
	}
	assert.Contains(t, names, events.NameSuspended)
	assert.Contains(t, names, events.NameResumed)
	assert.Contains(t, names, events.NameLog)

	last := recent.Events[len(recent.Events)-1].Seq
	decode(t, call(t, s, "recent_events", map[string]any{"since": last}), &recent)
	assert.Empty(t, recent.Events)
}

func TestServer_Exceptions(t *testing.T) {
	s, d, host := setup(t)
	rec := dbgtest.Record(t, d)

	var resp map[string]bool
	decode(t, call(t, s, "set_break_on_exceptions", map[string]any{"enabled": true}), &resp)
	assert.True(t, resp["breakOnExceptions"])
	assert.True(t, d.BreakOnExceptions())

	loaded, err := host.LoadString("bad.lua", `error("nope")`)
	require.NoError(t, err)
	w := host.NewWorker("")
	defer w.Close()
	done := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background(), loaded)
		done <- err
	}()
	rec.WaitSuspended(t, 1)

	var details debugger.ExceptionDetails
	decode(t, call(t, s, "exception_details", map[string]any{"threadId": w.ThreadID()}), &details)
	assert.Equal(t, "nope", details.Description)
	assert.Equal(t, "ScriptError", details.ExceptionID)

	var ok map[string]any
	decode(t, call(t, s, "resume_all", nil), &ok)
	assert.Error(t, <-done)
}

func TestEventRing(t *testing.T) {
	r := newEventRing(3)
	for i := 1; i <= 5; i++ {
		r.add(events.Resumed{ThreadID: i})
	}
	all := r.since(0, 0)
	require.Len(t, all, 3)
	assert.Equal(t, 3, all[0].Seq)
	assert.Equal(t, 5, all[2].Seq)
	assert.Equal(t, events.Resumed{ThreadID: 5}, all[2].Data)

	assert.Len(t, r.since(4, 0), 1)
	newest := r.since(0, 2)
	require.Len(t, newest, 2)
	assert.Equal(t, 4, newest[0].Seq)
}
