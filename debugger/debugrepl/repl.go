// Copyright © 2018 The ELPS authors

// Package debugrepl provides an interactive console that attaches to a
// running debugger. Stops are announced as they happen and the console
// follows the first suspended thread unless another one is selected.
package debugrepl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/ergochat/readline"
	"github.com/sirupsen/logrus"

	"github.com/luthersystems/svcdbg/debugger"
	"github.com/luthersystems/svcdbg/debugger/events"
)

// Option configures the console.
type Option func(*REPL)

// WithStdin sets the reader for console input. This is primarily useful
// for testing, where a pipe replaces the terminal.
func WithStdin(r io.ReadCloser) Option {
	return func(r2 *REPL) {
		r2.stdin = r
	}
}

// WithStdout sets the writer for console output.
func WithStdout(w io.Writer) Option {
	return func(r *REPL) {
		r.out = &lockedWriter{w: w}
	}
}

// WithHistoryFile sets the readline history file. An empty path disables
// history.
func WithHistoryFile(path string) Option {
	return func(r *REPL) {
		r.historyFile = path
	}
}

// WithSourceRoot resolves relative script paths when showing source.
func WithSourceRoot(dir string) Option {
	return func(r *REPL) {
		r.sourceRoot = dir
	}
}

// REPL is an interactive debug console.
type REPL struct {
	d           *debugger.Debugger
	log         *logrus.Entry
	out         io.Writer
	stdin       io.ReadCloser
	historyFile string
	sourceRoot  string

	mu      sync.Mutex
	current int
	lastCmd string
	breaks  map[string][]debugger.BreakpointRequest
}

// New creates a console for d.
func New(d *debugger.Debugger, opts ...Option) *REPL {
	r := &REPL{
		d:           d,
		log:         d.Logger().WithField("component", "repl"),
		out:         &lockedWriter{w: os.Stderr},
		historyFile: historyPath(),
		breaks:      make(map[string][]debugger.BreakpointRequest),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".svcdbg_history")
}

// Attach connects the console to the debugger and starts printing
// notifications. The returned function detaches it.
func (r *REPL) Attach() (detach func()) {
	r.d.ConnectDebugger()
	cancel := r.d.Subscribe(r.onEvent)
	r.log.Debug("console attached")
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			r.d.DisconnectDebugger()
			r.log.Debug("console detached")
		})
	}
}

// Run attaches and reads commands until quit, end of input or ctx is
// done.
func (r *REPL) Run(ctx context.Context) error {
	detach := r.Attach()
	defer detach()

	cfg := &readline.Config{
		Stdout:            r.out,
		Stderr:            r.out,
		Prompt:            r.prompt(),
		HistoryFile:       r.historyFile,
		HistorySearchFold: true,
		AutoComplete:      &completer{d: r.d},
	}
	if r.stdin != nil {
		cfg.Stdin = r.stdin
	}
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return err
	}
	defer rl.Close() //nolint:errcheck // best-effort cleanup
	stop := context.AfterFunc(ctx, func() {
		rl.Close() //nolint:errcheck,gosec
	})
	defer stop()

	r.println("attached; type 'help' for commands")
	for {
		rl.SetPrompt(r.prompt())
		line, err := rl.ReadLine()
		if errors.Is(err, readline.ErrInterrupt) {
			r.interrupt()
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if r.Exec(ctx, line) {
			return nil
		}
	}
}

func (r *REPL) prompt() string {
	if tid := r.thread(); tid > 0 {
		return fmt.Sprintf("(thread %d) ", tid)
	}
	return "(svcdbg) "
}

// interrupt pauses the selected thread.
func (r *REPL) interrupt() {
	if tid := r.thread(); tid > 0 {
		if err := r.d.Suspend(tid); err != nil {
			r.println(err.Error())
		}
	}
}

func (r *REPL) thread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *REPL) selectThread(id int) {
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
}

func (r *REPL) println(a ...any) {
	fmt.Fprintln(r.out, a...) //nolint:errcheck
}

func (r *REPL) printf(format string, a ...any) {
	fmt.Fprintf(r.out, format, a...) //nolint:errcheck
}

// onEvent prints notifications. It runs on the emitting goroutine.
func (r *REPL) onEvent(m events.Message) {
	switch e := m.(type) {
	case events.Suspended:
		r.mu.Lock()
		if r.current == 0 || !r.suspended(r.current) {
			r.current = e.ThreadID
		}
		r.mu.Unlock()
		r.showStopBanner(e)
	case events.Log:
		r.printf("[%s] %s\n", e.Level, e.Body)
	case events.Thread:
		if e.Reason == events.ThreadExited {
			r.mu.Lock()
			if r.current == e.ThreadID {
				r.current = 0
			}
			r.mu.Unlock()
		}
	}
}

// suspended reports whether thread id is stopped. r.mu must be held.
func (r *REPL) suspended(id int) bool {
	for _, t := range r.d.ListThreads() {
		if t.ID == id {
			return t.State == debugger.ThreadSuspended
		}
	}
	return false
}

func (r *REPL) showStopBanner(e events.Suspended) {
	reason := e.Reason
	if e.BreakpointID > 0 {
		reason = fmt.Sprintf("breakpoint %d", e.BreakpointID)
	}
	if e.Exception != "" {
		reason += ": " + e.Exception
	}
	r.printf("thread %d stopped: %s\n", e.ThreadID, reason)
	frames := r.d.GetStackTrace(e.ThreadID)
	if len(frames) == 0 {
		return
	}
	top := frames[0]
	r.printf("  in %s at %s:%d:%d\n", top.Name, top.Source, top.Line, top.Column)
	showSourceContext(r.out, top.Source, top.Line, r.sourceRoot)
}

// Exec runs one command line and reports whether the console should
// exit. Empty input repeats the last command.
func (r *REPL) Exec(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		r.mu.Lock()
		line = r.lastCmd
		r.mu.Unlock()
		if line == "" {
			return false
		}
	}
	cmd, err := parseCommand(line)
	if err != nil {
		r.println(err.Error())
		return false
	}
	r.mu.Lock()
	r.lastCmd = line
	r.mu.Unlock()
	if cmd.op == opQuit {
		r.println("detaching")
		return true
	}
	if err := r.dispatch(ctx, cmd); err != nil {
		r.println("error:", err.Error())
	}
	return false
}

func (r *REPL) dispatch(ctx context.Context, cmd command) error {
	switch cmd.op {
	case opThreads:
		showThreads(r.out, r.d.ListThreads(), r.thread())
	case opThread:
		id, _ := strconv.Atoi(cmd.args[0])
		if _, ok := r.d.SessionForThread(id); !ok {
			return fmt.Errorf("no thread %d", id)
		}
		r.selectThread(id)
	case opContinue:
		return r.onThread(r.d.Resume)
	case opStep:
		return r.onThread(r.d.StepIn)
	case opNext:
		return r.onThread(r.d.StepOver)
	case opOut:
		return r.onThread(r.d.StepOut)
	case opPause:
		return r.onThread(r.d.Suspend)
	case opResumeAll:
		r.d.ResumeAll()
	case opBreak:
		return r.doBreak(cmd.args)
	case opClear:
		r.mu.Lock()
		delete(r.breaks, cmd.args[0])
		r.mu.Unlock()
		r.d.SetBreakpoints(cmd.args[0], nil)
		r.printf("breakpoints of %s cleared\n", cmd.args[0])
	case opLocations:
		locs := r.d.ListAllBreakpointLocations()
		if len(cmd.args) > 0 {
			locs = r.d.ListFileBreakpointLocations(cmd.args[0])
		}
		showLocations(r.out, locs)
	case opBacktrace:
		tid, err := r.requireThread()
		if err != nil {
			return err
		}
		showBacktrace(r.out, r.d.GetStackTrace(tid))
	case opScopes:
		tid, err := r.requireThread()
		if err != nil {
			return err
		}
		frameID, _ := strconv.Atoi(cmd.args[0])
		scopes, err := r.d.GetScopes(tid, frameID)
		if err != nil {
			return err
		}
		showScopes(r.out, scopes)
	case opVars:
		return r.doVars(cmd.args)
	case opSet:
		ref, _ := strconv.Atoi(cmd.args[0])
		v, err := r.d.SetVariable(ref, cmd.args[1], cmd.args[2])
		if err != nil {
			return err
		}
		r.println(formatVariable(v))
	case opPrint:
		r.println(formatVariable(r.evaluate(ctx, cmd.args[0])))
	case opException:
		tid, err := r.requireThread()
		if err != nil {
			return err
		}
		showException(r.out, r.d.GetExceptionDetails(tid))
	case opCatch:
		on := cmd.args[0] == "on"
		r.d.SetBreakOnExceptions(on)
		r.printf("break on exceptions: %s\n", cmd.args[0])
	case opHelp:
		showHelp(r.out)
	}
	return nil
}

func (r *REPL) requireThread() (int, error) {
	tid := r.thread()
	if tid == 0 {
		return 0, errors.New("no thread selected")
	}
	return tid, nil
}

func (r *REPL) onThread(fn func(threadID int) error) error {
	tid, err := r.requireThread()
	if err != nil {
		return err
	}
	return fn(tid)
}

var locationPattern = regexp.MustCompile(`^(.+?):([0-9]+)(?::([0-9]+))?$`)

func (r *REPL) doBreak(args []string) error {
	m := locationPattern.FindStringSubmatch(args[0])
	if m == nil {
		return fmt.Errorf("usage: %s", usage[opBreak])
	}
	file := m[1]
	req := debugger.BreakpointRequest{}
	req.Line, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		col, _ := strconv.Atoi(m[3])
		req.Column = &col
	}
	if len(args) > 1 {
		req.Condition = args[1]
	}

	r.mu.Lock()
	reqs := append(r.breaks[file], req)
	r.breaks[file] = reqs
	r.mu.Unlock()

	resps := r.d.SetBreakpoints(file, reqs)
	resp := resps[len(resps)-1]
	if !resp.Verified {
		r.mu.Lock()
		r.breaks[file] = reqs[:len(reqs)-1]
		r.mu.Unlock()
		return fmt.Errorf("%s:%d: %s", file, req.Line, resp.Message)
	}
	r.printf("breakpoint %d at %s\n", resp.ID, resp.LocationID)
	return nil
}

func (r *REPL) doVars(args []string) error {
	ref, _ := strconv.Atoi(args[0])
	rest := args[1:]
	filter := ""
	if len(rest) > 0 && (rest[0] == debugger.FilterIndexed || rest[0] == debugger.FilterNamed) {
		filter, rest = rest[0], rest[1:]
	}
	start, count := 0, -1
	if len(rest) > 0 {
		start, _ = strconv.Atoi(rest[0])
	}
	if len(rest) > 1 {
		count, _ = strconv.Atoi(rest[1])
	}
	vars, err := r.d.GetVariables(ref, filter, start, count)
	if err != nil {
		return err
	}
	showVariables(r.out, vars)
	return nil
}

// evaluate runs expression in the top frame of the selected thread when
// it is suspended and globally otherwise.
func (r *REPL) evaluate(ctx context.Context, expression string) debugger.Variable {
	if tid := r.thread(); tid > 0 {
		if frames := r.d.GetStackTrace(tid); len(frames) > 0 {
			return r.d.Evaluate(ctx, tid, frames[0].ID, expression)
		}
	}
	return r.d.EvaluateGlobal(expression)
}

// lockedWriter serializes writes from the console and from notifications.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
