package luahost

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/luthersystems/svcdbg/dbgtest"
	"github.com/luthersystems/svcdbg/debugger"
	"github.com/luthersystems/svcdbg/debugger/events"
)

const addScript = `local x = 1
local function add(a, b)
  return a + b
end
x = add(x, 2); x = x + 1
return x
`

func newHost(t *testing.T) (*debugger.Debugger, *Host, *dbgtest.Recorder) {
	d := debugger.New(
		debugger.WithLogger(dbgtest.NewLogrus(t)),
		debugger.WithDescriber(Describer{}),
	)
	h := New(d)
	t.Cleanup(h.Close)
	rec := dbgtest.Record(t, d)
	d.ConnectDebugger()
	return d, h, rec
}

type runResult struct {
	values []lua.LValue
	err    error
}

func runAsync(h *Host, script *Script) (*Worker, <-chan runResult) {
	w := h.NewWorker("")
	ch := make(chan runResult, 1)
	go func() {
		defer w.Close()
		values, err := w.Run(context.Background(), script)
		ch <- runResult{values, err}
	}()
	return w, ch
}

func wait(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(dbgtest.Timeout):
		t.Fatal("script did not finish")
	}
	return runResult{}
}

func TestLoadString_Locations(t *testing.T) {
	d, h, _ := newHost(t)
	script, err := h.LoadString("main.lua", addScript)
	require.NoError(t, err)

	var ids []string
	for _, loc := range script.Locations {
		ids = append(ids, loc.ID)
	}
	assert.Equal(t, []string{
		"main.lua:1:0",
		"main.lua:2:0",
		"main.lua:3:0",
		"main.lua:5:0",
		"main.lua:5:1",
		"main.lua:6:0",
	}, ids)
	assert.Len(t, d.ListAllBreakpointLocations(), 6)
	assert.Equal(t, 4, script.Locations[1].EndLine)

	w := h.NewWorker("")
	defer w.Close()
	values, err := w.Run(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, lua.LNumber(4), values[0])

	// The same worker runs a script again with fresh state.
	values, err = w.Run(context.Background(), script)
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(4), values[0])
}

func TestLoadString_SyntaxError(t *testing.T) {
	_, h, _ := newHost(t)
	_, err := h.LoadString("bad.lua", "local = 3")
	assert.Error(t, err)
	_, ok := h.Script("bad.lua")
	assert.False(t, ok)
}

func TestWorker_InspectAndModifyFrame(t *testing.T) {
	d, h, rec := newHost(t)
	script, err := h.LoadString("main.lua", addScript)
	require.NoError(t, err)
	resp := d.SetBreakpoints("main.lua", []debugger.BreakpointRequest{{Line: 3}})
	require.True(t, resp[0].Verified)

	w, done := runAsync(h, script)
	stop := rec.WaitSuspended(t, 1)
	assert.Equal(t, "breakpoint", stop.Reason)
	tid := w.ThreadID()

	frames := d.GetStackTrace(tid)
	require.Len(t, frames, 2)
	assert.Equal(t, "main - add", frames[0].Name)
	assert.Equal(t, 3, frames[0].Line)
	assert.Equal(t, "normal", frames[0].PresentationHint)
	assert.Equal(t, "main - (main chunk)", frames[1].Name)
	assert.Equal(t, "label", frames[1].PresentationHint)

	scopes, err := d.GetScopes(tid, frames[0].ID)
	require.NoError(t, err)
	var names []string
	for _, s := range scopes {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"locals", "globals", "arguments"}, names)

	locals, err := d.GetVariables(scopes[0].VariablesReference, "", 0, -1)
	require.NoError(t, err)
	require.Len(t, locals, 2)
	assert.Equal(t, "a", locals[0].Name)
	assert.Equal(t, "1", locals[0].Value)
	assert.Equal(t, "number", locals[0].Type)
	assert.Equal(t, "b", locals[1].Name)
	assert.Equal(t, "2", locals[1].Value)

	ctx := context.Background()
	v := d.Evaluate(ctx, tid, frames[0].ID, "a + b")
	assert.Equal(t, "3", v.Value)
	v = d.Evaluate(ctx, tid, frames[1].ID, "x")
	assert.Equal(t, "1", v.Value)
	v = d.Evaluate(ctx, tid, frames[0].ID, "a +")
	assert.Equal(t, "error", v.Type)

	set, err := d.SetVariable(scopes[0].VariablesReference, "a", "10")
	require.NoError(t, err)
	assert.Equal(t, "10", set.Value)

	require.NoError(t, d.Resume(tid))
	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, lua.LNumber(13), r.values[0])
}

func TestFrameView_RefusesWritesWhileRunning(t *testing.T) {
	d, _, _ := newHost(t)
	slot := d.NewSlot("")
	sess, release := d.Enter(slot, debugger.Service{Name: "main", File: "main.lua"})
	defer release()

	L := lua.NewState()
	defer L.Close()
	frame := &frameView{L: L, sess: sess}
	_, err := frame.SetChild("a", 10.0)
	assert.ErrorIs(t, err, debugger.ErrNotMutable)
	assert.ErrorContains(t, err, "thread is running")

	up := &upvalueView{L: L, fn: L.NewFunction(func(*lua.LState) int { return 0 }), sess: sess}
	_, err = up.SetChild("a", 10.0)
	assert.ErrorIs(t, err, debugger.ErrNotMutable)
}

func TestWorker_StepOver(t *testing.T) {
	d, h, rec := newHost(t)
	script, err := h.LoadString("main.lua", addScript)
	require.NoError(t, err)
	d.SetBreakpoints("main.lua", []debugger.BreakpointRequest{{Line: 1}})

	w, done := runAsync(h, script)
	tid := w.ThreadID()
	rec.WaitSuspended(t, 1)

	want := []struct{ line, column int }{{2, 0}, {5, 0}, {5, 1}}
	for i, pos := range want {
		require.NoError(t, d.StepOver(tid))
		stop := rec.WaitSuspended(t, i+2)
		assert.Equal(t, "step", stop.Reason)
		frames := d.GetStackTrace(tid)
		require.Len(t, frames, 1, "step %d", i)
		assert.Equal(t, pos.line, frames[0].Line, "step %d", i)
		assert.Equal(t, pos.column, frames[0].Column, "step %d", i)
	}

	require.NoError(t, d.Resume(tid))
	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, lua.LNumber(4), r.values[0])
}

func TestWorker_StepInAndOut(t *testing.T) {
	d, h, rec := newHost(t)
	script, err := h.LoadString("main.lua", addScript)
	require.NoError(t, err)
	d.SetBreakpoints("main.lua", []debugger.BreakpointRequest{{Line: 5, Column: intPtr(0)}})

	w, done := runAsync(h, script)
	tid := w.ThreadID()
	rec.WaitSuspended(t, 1)

	require.NoError(t, d.StepIn(tid))
	rec.WaitSuspended(t, 2)
	frames := d.GetStackTrace(tid)
	require.Len(t, frames, 2)
	assert.Equal(t, "main - add", frames[0].Name)
	assert.Equal(t, 3, frames[0].Line)

	require.NoError(t, d.StepOut(tid))
	rec.WaitSuspended(t, 3)
	frames = d.GetStackTrace(tid)
	require.Len(t, frames, 1)
	assert.Equal(t, 5, frames[0].Line)
	assert.Equal(t, 1, frames[0].Column)

	require.NoError(t, d.Resume(tid))
	require.NoError(t, wait(t, done).err)
}

func intPtr(i int) *int { return &i }

func TestWorker_ConditionalBreakpoint(t *testing.T) {
	d, h, rec := newHost(t)
	script, err := h.LoadString("loop.lua", `local total = 0
for i = 1, 5 do
  total = total + i
end
return total
`)
	require.NoError(t, err)
	d.SetBreakpoints("loop.lua", []debugger.BreakpointRequest{{Line: 3, Condition: "i == 3"}})

	w, done := runAsync(h, script)
	rec.WaitSuspended(t, 1)
	fid := d.GetStackTrace(w.ThreadID())[0].ID
	assert.Equal(t, "3", d.Evaluate(context.Background(), w.ThreadID(), fid, "i").Value)
	assert.Equal(t, "3", d.Evaluate(context.Background(), w.ThreadID(), fid, "total").Value)

	require.NoError(t, d.Resume(w.ThreadID()))
	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, lua.LNumber(15), r.values[0])
	assert.Len(t, rec.Suspended(), 1)
}

func TestWorker_Exceptions(t *testing.T) {
	d, h, rec := newHost(t)
	script, err := h.LoadString("err.lua", `local ok, err = pcall(function()
  error("inner")
end)
log.warn("caught", ok)
error("boom")
`)
	require.NoError(t, err)
	d.SetBreakOnExceptions(true)

	w, done := runAsync(h, script)
	tid := w.ThreadID()

	stop := rec.WaitSuspended(t, 1)
	assert.Equal(t, "exception", stop.Reason)
	assert.Equal(t, "inner", stop.Exception)
	frames := d.GetStackTrace(tid)
	require.Len(t, frames, 2)
	assert.Equal(t, "err - <anonymous>", frames[0].Name)
	details := d.GetExceptionDetails(tid)
	assert.Equal(t, "ScriptError", details.ExceptionID)
	assert.Equal(t, "inner", details.Description)
	require.NotNil(t, details.Details)
	assert.Contains(t, details.Details.StackTrace, "err.lua:2:")
	require.NoError(t, d.Resume(tid))

	stop = rec.WaitSuspended(t, 2)
	assert.Equal(t, "boom", stop.Exception)
	assert.Len(t, d.GetStackTrace(tid), 1, "pcall unwound the inner frame")
	require.NoError(t, d.Resume(tid))

	r := wait(t, done)
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "boom")
	assert.Len(t, rec.Suspended(), 2)

	logs := rec.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "caught\tfalse", logs[0].Body)
	assert.Equal(t, events.LevelWarn, logs[0].Level)
}

func TestWorker_RuntimeErrorReported(t *testing.T) {
	d, h, rec := newHost(t)
	script, err := h.LoadString("nil.lua", `local t = nil
return t.field
`)
	require.NoError(t, err)

	// Not stopping: break-on-exception is off.
	w := h.NewWorker("")
	defer w.Close()
	_, err = w.Run(context.Background(), script)
	require.Error(t, err)
	assert.Empty(t, rec.Suspended())
	assert.Empty(t, rec.Logs(), "host diagnostics stay off the script log channel")

	d.SetBreakOnExceptions(true)
	w2, done := runAsync(h, script)
	stop := rec.WaitSuspended(t, 1)
	assert.Equal(t, "exception", stop.Reason)
	assert.NotEmpty(t, stop.Exception)
	require.NoError(t, d.Resume(w2.ThreadID()))
	require.Error(t, wait(t, done).err)
}

func TestWorker_BreakStatementAndLogs(t *testing.T) {
	d, h, rec := newHost(t)
	script, err := h.LoadString("brk.lua", `print("hello", 42)
debugger()
log.error("bad")
`)
	require.NoError(t, err)

	w, done := runAsync(h, script)
	stop := rec.WaitSuspended(t, 1)
	assert.Equal(t, "pause", stop.Reason)
	require.NoError(t, d.Resume(w.ThreadID()))
	require.NoError(t, wait(t, done).err)

	logs := rec.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, events.Log{Body: "hello\t42", Level: events.LevelInfo}, logs[0])
	assert.Equal(t, events.Log{Body: "bad", Level: events.LevelError}, logs[1])
}

func TestWorker_ClosureScope(t *testing.T) {
	d, h, rec := newHost(t)
	script, err := h.LoadString("bump.lua", `local count = 0
local function bump()
  count = count + 1
  return count
end
bump()
return bump()
`)
	require.NoError(t, err)
	d.SetBreakpoints("bump.lua", []debugger.BreakpointRequest{{Line: 3}})

	w, done := runAsync(h, script)
	tid := w.ThreadID()
	rec.WaitSuspended(t, 1)

	frames := d.GetStackTrace(tid)
	scopes, err := d.GetScopes(tid, frames[0].ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(scopes), 2)
	assert.Equal(t, "closure", scopes[1].Name)
	closure, err := d.GetVariables(scopes[1].VariablesReference, "", 0, -1)
	require.NoError(t, err)
	require.Len(t, closure, 1)
	assert.Equal(t, "count", closure[0].Name)
	assert.Equal(t, "0", closure[0].Value)

	_, err = d.SetVariable(scopes[1].VariablesReference, "count", "10")
	require.NoError(t, err)

	require.NoError(t, d.Resume(tid))
	rec.WaitSuspended(t, 2)
	v := d.Evaluate(context.Background(), tid, d.GetStackTrace(tid)[0].ID, "count")
	assert.Equal(t, "11", v.Value)
	require.NoError(t, d.Resume(tid))

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, lua.LNumber(12), r.values[0])
}

func TestWorker_CancelledRunDoesNotStop(t *testing.T) {
	d, h, rec := newHost(t)
	d.SetBreakOnExceptions(true)
	script, err := h.LoadString("spin.lua", `while true do
  local y = 1
end
`)
	require.NoError(t, err)

	w := h.NewWorker("")
	defer w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = w.Run(ctx, script)
	require.Error(t, err)
	assert.Empty(t, rec.Suspended())
}

func TestEvaluateGlobal(t *testing.T) {
	d, _, _ := newHost(t)
	assert.Equal(t, "3", d.EvaluateGlobal("1 + 2").Value)
	assert.Equal(t, `"A"`, d.EvaluateGlobal(`string.upper("a")`).Value)
	v := d.EvaluateGlobal("nope(")
	assert.Equal(t, "error", v.Type)
}

func TestEvaluateGlobal_HostOutput(t *testing.T) {
	d, _, rec := newHost(t)
	assert.Equal(t, "nil", d.EvaluateGlobal(`print("from", "console")`).Value)
	d.EvaluateGlobal(`log.warn("careful")`)

	logs := rec.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "from\tconsole", logs[0].Body)
	assert.Equal(t, events.LevelInfo, logs[0].Level)
	assert.Equal(t, "careful", logs[1].Body)
	assert.Equal(t, events.LevelWarn, logs[1].Level)
}

func TestDescriber(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.Append(lua.LNumber(1))
	tbl.Append(lua.LString("a"))
	v := Describer{}.Describe(tbl)
	require.NotNil(t, v)
	assert.Equal(t, debugger.KindCollection, v.Kind())
	st := v.(debugger.Structured)
	named, indexed := st.Counts()
	assert.Equal(t, 0, named)
	assert.Equal(t, 2, indexed)

	tbl.RawSetString("name", lua.LString("x"))
	v = Describer{}.Describe(tbl)
	assert.Equal(t, debugger.KindRecord, v.Kind())
	st = v.(debugger.Structured)
	var childNames []string
	for _, c := range st.Children() {
		childNames = append(childNames, c.Name)
	}
	assert.Equal(t, []string{"1", "2", "name"}, childNames)

	m := v.(debugger.Mutable)
	_, err := m.SetChild("3", true)
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Len())
	_, err = m.SetChild("nested", map[string]any{"z": 1.0})
	require.NoError(t, err)
	nested, ok := tbl.RawGetString("nested").(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LNumber(1), nested.RawGetString("z"))

	assert.Equal(t, "nil", Describer{}.Describe(lua.LNil).String())
	assert.Equal(t, `"q"`, Describer{}.Describe(lua.LString("q")).String())
	assert.Equal(t, debugger.KindOpaque, Describer{}.Describe(L.NewFunction(func(*lua.LState) int { return 0 })).Kind())
	assert.Nil(t, Describer{}.Describe(42))
}

func TestInstrument_FunctionNames(t *testing.T) {
	_, h, _ := newHost(t)
	script, err := h.LoadString("names.lua", `local M = {}
function M.build(a) return a end
function M:method() return self end
local t = { field = function() return 1 end }
`)
	require.NoError(t, err)
	var lines []int
	for _, loc := range script.Locations {
		lines = append(lines, loc.Line)
		assert.True(t, strings.HasPrefix(loc.ID, "names.lua:"))
	}
	assert.Equal(t, []int{1, 2, 2, 3, 3, 4, 4}, lines)
}
