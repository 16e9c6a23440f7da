package dapserver

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/luthersystems/svcdbg/dbgtest"
	"github.com/luthersystems/svcdbg/debugger"
	"github.com/luthersystems/svcdbg/luahost"
)

const addScript = `local x = 1
local function add(a, b)
  return a + b
end
x = add(x, 2); x = x + 1
print("x is", x)
return x
`

type dapClient struct {
	t       *testing.T
	conn    net.Conn
	seq     int
	msgs    chan dap.Message
	backlog []dap.Message
}

func newClient(t *testing.T, conn net.Conn) *dapClient {
	c := &dapClient{t: t, conn: conn, msgs: make(chan dap.Message, 1024)}
	go func() {
		r := bufio.NewReader(conn)
		for {
			msg, err := dap.ReadProtocolMessage(r)
			if err != nil {
				close(c.msgs)
				return
			}
			c.msgs <- msg
		}
	}()
	return c
}

func (c *dapClient) request(command string) dap.Request {
	c.seq++
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: c.seq, Type: "request"},
		Command:         command,
	}
}

func (c *dapClient) send(msg dap.Message) {
	c.t.Helper()
	require.NoError(c.t, dap.WriteProtocolMessage(c.conn, msg))
}

func (c *dapClient) read() dap.Message {
	c.t.Helper()
	select {
	case msg, ok := <-c.msgs:
		require.True(c.t, ok, "connection closed")
		return msg
	case <-time.After(dbgtest.Timeout):
		c.t.Fatal("timed out waiting for DAP message")
	}
	return nil
}

// next returns the first message of type T, keeping the others for later
// calls.
func next[T dap.Message](c *dapClient) T {
	c.t.Helper()
	for i, m := range c.backlog {
		if v, ok := m.(T); ok {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return v
		}
	}
	for {
		m := c.read()
		if v, ok := m.(T); ok {
			return v
		}
		c.backlog = append(c.backlog, m)
	}
}

func (c *dapClient) initialize() *dap.InitializeResponse {
	c.t.Helper()
	c.send(&dap.InitializeRequest{
		Request:   c.request("initialize"),
		Arguments: dap.InitializeRequestArguments{AdapterID: "svcdbg", LinesStartAt1: true, ColumnsStartAt1: true},
	})
	resp := next[*dap.InitializeResponse](c)
	next[*dap.InitializedEvent](c)
	return resp
}

type testEnv struct {
	d      *debugger.Debugger
	host   *luahost.Host
	client *dapClient
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	logger := dbgtest.NewLogrus(t)
	d := debugger.New(debugger.WithLogger(logger), debugger.WithDescriber(luahost.Describer{}))
	host := luahost.New(d)
	t.Cleanup(host.Close)
	srv := New(d)

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() }) //nolint:errcheck,gosec
	go func() {
		_ = srv.ServeConn(server)
	}()
	return &testEnv{d: d, host: host, client: newClient(t, client)}
}

func (e *testEnv) run(t *testing.T, name, source string) <-chan []lua.LValue {
	t.Helper()
	script, err := e.host.LoadString(name, source)
	require.NoError(t, err)
	done := make(chan []lua.LValue, 1)
	go func() {
		w := e.host.NewWorker("")
		defer w.Close()
		values, _ := w.Run(context.Background(), script)
		done <- values
	}()
	return done
}

func TestServer_InitializeAndDisconnect(t *testing.T) {
	env := setup(t)
	c := env.client

	resp := c.initialize()
	assert.True(t, resp.Success)
	assert.True(t, resp.Body.SupportsConditionalBreakpoints)
	assert.True(t, resp.Body.SupportsBreakpointLocationsRequest)
	require.Len(t, resp.Body.ExceptionBreakpointFilters, 1)
	assert.Equal(t, "all", resp.Body.ExceptionBreakpointFilters[0].Filter)
	assert.Equal(t, 1, env.d.Connected())

	c.send(&dap.DisconnectRequest{Request: c.request("disconnect")})
	disc := next[*dap.DisconnectResponse](c)
	assert.True(t, disc.Success)
	next[*dap.TerminatedEvent](c)
	assert.Equal(t, 0, env.d.Connected())
}

func TestServer_ConnectionLossDetaches(t *testing.T) {
	env := setup(t)
	env.client.initialize()
	require.Equal(t, 1, env.d.Connected())
	require.NoError(t, env.client.conn.Close())
	require.Eventually(t, func() bool { return env.d.Connected() == 0 }, dbgtest.Timeout, 5*time.Millisecond)
}

func TestServer_LaunchRefused(t *testing.T) {
	env := setup(t)
	c := env.client
	c.initialize()
	c.send(&dap.LaunchRequest{Request: c.request("launch")})
	resp := next[*dap.ErrorResponse](c)
	assert.False(t, resp.Success)
	assert.Equal(t, "launch", resp.Command)

	c.send(&dap.AttachRequest{Request: c.request("attach")})
	assert.True(t, next[*dap.AttachResponse](c).Success)
}

func TestServer_BreakpointSession(t *testing.T) {
	env := setup(t)
	c := env.client
	c.initialize()

	_, err := env.host.LoadString("main.lua", addScript)
	require.NoError(t, err)

	c.send(&dap.BreakpointLocationsRequest{
		Request:   c.request("breakpointLocations"),
		Arguments: &dap.BreakpointLocationsArguments{Source: dap.Source{Path: "main.lua"}, Line: 5},
	})
	locs := next[*dap.BreakpointLocationsResponse](c)
	require.Len(t, locs.Body.Breakpoints, 2)
	assert.Equal(t, 1, locs.Body.Breakpoints[0].Column)
	assert.Equal(t, 2, locs.Body.Breakpoints[1].Column)

	c.send(&dap.BreakpointLocationsRequest{Request: c.request("breakpointLocations")})
	noArgs := next[*dap.ErrorResponse](c)
	assert.False(t, noArgs.Success)
	assert.Equal(t, "breakpointLocations", noArgs.Command)

	c.send(&dap.SetBreakpointsRequest{
		Request: c.request("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: "main.lua"},
			Breakpoints: []dap.SourceBreakpoint{{Line: 3}, {Line: 40}},
		},
	})
	bps := next[*dap.SetBreakpointsResponse](c)
	require.Len(t, bps.Body.Breakpoints, 2)
	assert.True(t, bps.Body.Breakpoints[0].Verified)
	assert.Equal(t, 3, bps.Body.Breakpoints[0].Line)
	assert.Equal(t, 1, bps.Body.Breakpoints[0].Column)
	assert.False(t, bps.Body.Breakpoints[1].Verified)
	assert.Equal(t, debugger.UnverifiedMessage, bps.Body.Breakpoints[1].Message)

	c.send(&dap.ConfigurationDoneRequest{Request: c.request("configurationDone")})
	next[*dap.ConfigurationDoneResponse](c)

	script, _ := env.host.Script("main.lua")
	done := make(chan []lua.LValue, 1)
	go func() {
		w := env.host.NewWorker("")
		defer w.Close()
		values, _ := w.Run(context.Background(), script)
		done <- values
	}()

	stopped := next[*dap.StoppedEvent](c)
	assert.Equal(t, "breakpoint", stopped.Body.Reason)
	assert.Equal(t, []int{bps.Body.Breakpoints[0].Id}, stopped.Body.HitBreakpointIds)
	tid := stopped.Body.ThreadId

	c.send(&dap.ThreadsRequest{Request: c.request("threads")})
	threads := next[*dap.ThreadsResponse](c)
	require.Len(t, threads.Body.Threads, 1)
	assert.Equal(t, tid, threads.Body.Threads[0].Id)

	c.send(&dap.StackTraceRequest{
		Request:   c.request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: tid},
	})
	trace := next[*dap.StackTraceResponse](c)
	require.Len(t, trace.Body.StackFrames, 2)
	assert.Equal(t, 2, trace.Body.TotalFrames)
	top := trace.Body.StackFrames[0]
	assert.Equal(t, "main - add", top.Name)
	assert.Equal(t, 3, top.Line)
	require.NotNil(t, top.Source)
	assert.Equal(t, "main.lua", top.Source.Name)

	c.send(&dap.StackTraceRequest{
		Request:   c.request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: tid, StartFrame: 1, Levels: 1},
	})
	paged := next[*dap.StackTraceResponse](c)
	require.Len(t, paged.Body.StackFrames, 1)
	assert.Equal(t, "label", paged.Body.StackFrames[0].PresentationHint)

	c.send(&dap.ScopesRequest{
		Request:   c.request("scopes"),
		Arguments: dap.ScopesArguments{FrameId: top.Id},
	})
	scopes := next[*dap.ScopesResponse](c)
	require.NotEmpty(t, scopes.Body.Scopes)
	assert.Equal(t, "locals", scopes.Body.Scopes[0].Name)
	localsRef := scopes.Body.Scopes[0].VariablesReference

	c.send(&dap.VariablesRequest{
		Request:   c.request("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: localsRef},
	})
	vars := next[*dap.VariablesResponse](c)
	require.Len(t, vars.Body.Variables, 2)
	assert.Equal(t, "a", vars.Body.Variables[0].Name)
	assert.Equal(t, "1", vars.Body.Variables[0].Value)

	c.send(&dap.EvaluateRequest{
		Request:   c.request("evaluate"),
		Arguments: dap.EvaluateArguments{Expression: "a + b", FrameId: top.Id},
	})
	eval := next[*dap.EvaluateResponse](c)
	assert.Equal(t, "3", eval.Body.Result)
	assert.Equal(t, "number", eval.Body.Type)

	c.send(&dap.EvaluateRequest{
		Request:   c.request("evaluate"),
		Arguments: dap.EvaluateArguments{Expression: "1 + 2"},
	})
	assert.Equal(t, "3", next[*dap.EvaluateResponse](c).Body.Result)

	c.send(&dap.SetVariableRequest{
		Request:   c.request("setVariable"),
		Arguments: dap.SetVariableArguments{VariablesReference: localsRef, Name: "a", Value: "10"},
	})
	set := next[*dap.SetVariableResponse](c)
	assert.True(t, set.Success)
	assert.Equal(t, "10", set.Body.Value)

	c.send(&dap.ContinueRequest{
		Request:   c.request("continue"),
		Arguments: dap.ContinueArguments{ThreadId: tid},
	})
	assert.True(t, next[*dap.ContinueResponse](c).Success)
	assert.Equal(t, tid, next[*dap.ContinuedEvent](c).Body.ThreadId)

	output := next[*dap.OutputEvent](c)
	assert.Equal(t, "x is\t13\n", output.Body.Output)
	assert.Equal(t, "console", output.Body.Category)

	select {
	case values := <-done:
		require.Len(t, values, 1)
		assert.Equal(t, lua.LNumber(13), values[0])
	case <-time.After(dbgtest.Timeout):
		t.Fatal("script did not finish")
	}

	// Frame ids are gone once the thread resumed.
	c.send(&dap.ScopesRequest{
		Request:   c.request("scopes"),
		Arguments: dap.ScopesArguments{FrameId: top.Id},
	})
	assert.False(t, next[*dap.ErrorResponse](c).Success)
}

func TestServer_ExceptionInfoAndStepping(t *testing.T) {
	env := setup(t)
	c := env.client
	c.initialize()

	c.send(&dap.SetExceptionBreakpointsRequest{
		Request:   c.request("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: []string{"all"}},
	})
	next[*dap.SetExceptionBreakpointsResponse](c)
	assert.True(t, env.d.BreakOnExceptions())

	done := env.run(t, "fail.lua", `local n = 1
n = n + 1
error("boom")
`)
	stopped := next[*dap.StoppedEvent](c)
	assert.Equal(t, "exception", stopped.Body.Reason)
	assert.Equal(t, "boom", stopped.Body.Text)
	tid := stopped.Body.ThreadId

	c.send(&dap.ExceptionInfoRequest{
		Request:   c.request("exceptionInfo"),
		Arguments: dap.ExceptionInfoArguments{ThreadId: tid},
	})
	info := next[*dap.ExceptionInfoResponse](c)
	assert.Equal(t, "ScriptError", info.Body.ExceptionId)
	assert.Equal(t, "boom", info.Body.Description)
	require.NotNil(t, info.Body.Details)
	assert.Contains(t, info.Body.Details.StackTrace, "fail.lua:3:")

	c.send(&dap.NextRequest{
		Request:   c.request("next"),
		Arguments: dap.NextArguments{ThreadId: tid},
	})
	assert.True(t, next[*dap.NextResponse](c).Success)

	c.send(&dap.PauseRequest{
		Request:   c.request("pause"),
		Arguments: dap.PauseArguments{ThreadId: 9999},
	})
	assert.False(t, next[*dap.ErrorResponse](c).Success)

	select {
	case <-done:
	case <-time.After(dbgtest.Timeout):
		t.Fatal("script did not finish")
	}
}

func TestServer_ServeListener(t *testing.T) {
	d := debugger.New(debugger.WithLogger(dbgtest.NewLogrus(t)))
	srv := New(d)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.ServeListener(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := newClient(t, conn)
	c.initialize()
	require.Equal(t, 1, d.Connected())
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return d.Connected() == 0 }, dbgtest.Timeout, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(dbgtest.Timeout):
		t.Fatal("listener did not stop")
	}
}

func TestServer_CancelReleasesStoppedThreads(t *testing.T) {
	d := debugger.New(debugger.WithLogger(dbgtest.NewLogrus(t)), debugger.WithDescriber(luahost.Describer{}))
	host := luahost.New(d)
	t.Cleanup(host.Close)
	script, err := host.LoadString("main.lua", addScript)
	require.NoError(t, err)

	srv := New(d)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.ServeListener(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck
	c := newClient(t, conn)
	c.initialize()
	c.send(&dap.SetBreakpointsRequest{
		Request: c.request("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: "main.lua"},
			Breakpoints: []dap.SourceBreakpoint{{Line: 3}},
		},
	})
	require.True(t, next[*dap.SetBreakpointsResponse](c).Body.Breakpoints[0].Verified)

	done := make(chan []lua.LValue, 1)
	go func() {
		w := host.NewWorker("")
		defer w.Close()
		values, _ := w.Run(context.Background(), script)
		done <- values
	}()
	next[*dap.StoppedEvent](c)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(dbgtest.Timeout):
		t.Fatal("listener did not stop")
	}
	assert.Zero(t, d.Connected())
	select {
	case values := <-done:
		require.Len(t, values, 1)
		assert.Equal(t, lua.LNumber(13), values[0])
	case <-time.After(dbgtest.Timeout):
		t.Fatal("stopped thread was not released")
	}
}
