// Copyright © 2018 The ELPS authors

// Package debugger coordinates debug clients with the worker threads of
// a script host.
//
// The host calls the Session hooks (OnEnter, OnExit, OnException,
// Checkpoint) synchronously on the thread that executes a script. The
// Debugger owns the breakpoint table, the reference table used to expand
// values lazily and the set of active sessions; transports call its
// methods to inspect and control threads.
//
// Concurrency model: a worker thread blocks only inside its own suspend
// loop, waiting on its session's condition variable. Client goroutines
// post a single pending command to the session and signal it; the last
// command posted wins. Evaluate is the one cross-thread hand-off: the
// expression runs on the thread that owns the frame while the caller
// waits for the result. The breakpoint registry, the reference table and
// each session are guarded by separate locks.
package debugger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/luthersystems/svcdbg/debugger/events"
)

// Debugger is the process-wide debugging coordinator.
type Debugger struct {
	logger      *logrus.Logger
	breakpoints *BreakpointRegistry
	refs        *ReferenceTable
	tracer      Tracer
	bus         broadcaster

	breakOnException atomic.Bool
	connected        atomic.Int64
	scopeSeq         atomic.Int64

	// mu guards the session list, the thread id counter and connection
	// transitions.
	mu           sync.Mutex
	sessions     []*Session
	nextThreadID int
	// attached is closed while at least one client is connected.
	attached chan struct{}

	evalMu sync.RWMutex
	eval   Evaluator
}

// Option configures a Debugger.
type Option func(*Debugger)

// WithLogger sets the logger. The default logs at info level to stderr.
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Debugger) {
		d.logger = logger
	}
}

// WithDescriber sets the host's value describer. Values it does not
// recognize are described by reflection.
func WithDescriber(describer ValueDescriber) Option {
	return func(d *Debugger) {
		d.refs = NewReferenceTable(describer)
	}
}

// WithEvaluator sets the host's expression evaluator.
func WithEvaluator(ev Evaluator) Option {
	return func(d *Debugger) {
		d.eval = ev
	}
}

// WithTracer opens spans around suspensions and evaluations. A nil
// tracer disables tracing.
func WithTracer(t Tracer) Option {
	return func(d *Debugger) {
		if t == nil {
			t = noopTracer{}
		}
		d.tracer = t
	}
}

// WithBreakOnExceptions sets the initial break-on-exception state.
func WithBreakOnExceptions(enabled bool) Option {
	return func(d *Debugger) {
		d.breakOnException.Store(enabled)
	}
}

// New returns a Debugger with no attached clients.
func New(opts ...Option) *Debugger {
	d := &Debugger{
		logger:      logrus.New(),
		breakpoints: NewBreakpointRegistry(),
		refs:        NewReferenceTable(nil),
		tracer:      noopTracer{},
		attached:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Logger returns the debugger's logger.
func (d *Debugger) Logger() *logrus.Logger { return d.logger }

// Breakpoints returns the breakpoint registry.
func (d *Debugger) Breakpoints() *BreakpointRegistry { return d.breakpoints }

// References returns the reference table.
func (d *Debugger) References() *ReferenceTable { return d.refs }

// SetEvaluator replaces the expression evaluator.
func (d *Debugger) SetEvaluator(ev Evaluator) {
	d.evalMu.Lock()
	defer d.evalMu.Unlock()
	d.eval = ev
}

func (d *Debugger) evaluator() Evaluator {
	d.evalMu.RLock()
	defer d.evalMu.RUnlock()
	return d.eval
}

// Subscribe registers fn for every notification and returns the function
// that unregisters it. fn runs on worker threads and must not block.
func (d *Debugger) Subscribe(fn func(events.Message)) (cancel func()) {
	return d.bus.subscribe(fn)
}

func (d *Debugger) emit(m events.Message) {
	d.bus.emit(m)
}

// Log sends a script log message to attached clients.
func (d *Debugger) Log(body string, level events.LogLevel) {
	d.emit(events.Log{Body: body, Level: level})
}

// ThreadState is the run state of a thread.
type ThreadState string

const (
	ThreadRunning   ThreadState = "running"
	ThreadSuspended ThreadState = "suspended"
)

// Thread summarizes one active thread.
type Thread struct {
	ID           int         `json:"id"`
	Name         string      `json:"name"`
	State        ThreadState `json:"state"`
	Reason       string      `json:"reason,omitempty"`
	StackSummary string      `json:"stackSummary,omitempty"`
}

// ListThreads describes every active thread. Suspended threads include
// the reason and the names of their visible frames.
func (d *Debugger) ListThreads() []Thread {
	sessions := d.ActiveSessions()
	threads := make([]Thread, 0, len(sessions))
	for _, s := range sessions {
		t := Thread{ID: s.id, Name: s.name, State: ThreadRunning}
		if reason := s.SuspensionReason(); reason != "" {
			t.State = ThreadSuspended
			t.Reason = reason
			var names []string
			for _, f := range s.StackTrace() {
				names = append(names, f.Name)
			}
			t.StackSummary = strings.Join(names, "\n")
		}
		threads = append(threads, t)
	}
	return threads
}

// RegisterFileBreakpoints replaces the known locations of file.
func (d *Debugger) RegisterFileBreakpoints(file string, locations []Location) {
	d.breakpoints.RegisterFileBreakpoints(file, locations)
}

// ListAllBreakpointLocations returns every known location.
func (d *Debugger) ListAllBreakpointLocations() []Location {
	return d.breakpoints.AllLocations()
}

// ListFileBreakpointLocations returns the known locations of file.
func (d *Debugger) ListFileBreakpointLocations(file string) []Location {
	return d.breakpoints.FileLocations(file)
}

// ListBreakpointLocationsInRange returns the locations of file that
// overlap rng.
func (d *Debugger) ListBreakpointLocationsInRange(file string, rng Range) []Location {
	return d.breakpoints.LocationsInRange(file, rng)
}

// SetBreakpoints replaces the active breakpoints of file.
func (d *Debugger) SetBreakpoints(file string, requests []BreakpointRequest) []BreakpointResponse {
	return d.breakpoints.ActivateForFile(file, requests)
}

// GetStackTrace returns the frames of a suspended thread, innermost
// first. It is empty when the thread is unknown or running.
func (d *Debugger) GetStackTrace(threadID int) []StackFrame {
	s, ok := d.SessionForThread(threadID)
	if !ok || !s.IsSuspended() {
		return []StackFrame{}
	}
	return s.StackTrace()
}

// GetScopes returns the scopes of a frame of a thread.
func (d *Debugger) GetScopes(threadID, frameID int) ([]ScopeDescription, error) {
	s, ok := d.SessionForThread(threadID)
	if !ok {
		return nil, threadError(threadID)
	}
	return s.Scopes(frameID)
}

// Variables filters.
const (
	FilterIndexed = "indexed"
	FilterNamed   = "named"
)

var numericName = regexp.MustCompile(`^\d+$`)

// GetVariables returns the children of the value behind reference.
// filter selects indexed (numeric names) or named children; an empty
// filter selects both. start and count page the result; a negative count
// selects the rest.
func (d *Debugger) GetVariables(reference int, filter string, start, count int) ([]Variable, error) {
	if filter != "" && filter != FilterIndexed && filter != FilterNamed {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, filter)
	}
	vars, err := d.refs.DescribeChildren(reference)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		kept := vars[:0]
		for _, v := range vars {
			if numericName.MatchString(v.Name) == (filter == FilterIndexed) {
				kept = append(kept, v)
			}
		}
		vars = kept
	}
	return Page(vars, start, count), nil
}

// SetVariable assigns the JSON-encoded value to the named child of the
// value behind reference.
func (d *Debugger) SetVariable(reference int, name, jsonValue string) (Variable, error) {
	var value any
	if err := json.Unmarshal([]byte(jsonValue), &value); err != nil {
		return Variable{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return d.refs.SetField(reference, name, value)
}

// GetExceptionDetails describes the exception a thread stopped on.
func (d *Debugger) GetExceptionDetails(threadID int) ExceptionDetails {
	s, ok := d.SessionForThread(threadID)
	if !ok {
		return ExceptionDetails{BreakMode: "always", Description: "Unknown error", ExceptionID: "0"}
	}
	return s.ExceptionDetails()
}

// SetBreakOnExceptions enables or disables stopping on thrown values.
func (d *Debugger) SetBreakOnExceptions(enabled bool) {
	d.breakOnException.Store(enabled)
}

// BreakOnExceptions reports whether threads stop on thrown values.
func (d *Debugger) BreakOnExceptions() bool {
	return d.breakOnException.Load()
}

func (d *Debugger) withSession(threadID int, fn func(*Session)) error {
	s, ok := d.SessionForThread(threadID)
	if !ok {
		return threadError(threadID)
	}
	fn(s)
	return nil
}

// Suspend asks a running thread to stop.
func (d *Debugger) Suspend(threadID int) error {
	return d.withSession(threadID, (*Session).Pause)
}

// Resume continues a suspended thread.
func (d *Debugger) Resume(threadID int) error {
	return d.withSession(threadID, (*Session).Resume)
}

// StepOver steps a suspended thread over the current statement.
func (d *Debugger) StepOver(threadID int) error {
	return d.withSession(threadID, (*Session).StepOver)
}

// StepIn steps a suspended thread into the next call.
func (d *Debugger) StepIn(threadID int) error {
	return d.withSession(threadID, (*Session).StepIn)
}

// StepOut resumes a suspended thread until the current frame returns.
func (d *Debugger) StepOut(threadID int) error {
	return d.withSession(threadID, (*Session).StepOut)
}

// ResumeAll continues every suspended thread.
func (d *Debugger) ResumeAll() {
	for _, s := range d.ActiveSessions() {
		s.Resume()
	}
}

// ErrorVariable describes err as a variable named name.
func ErrorVariable(name string, err error) Variable {
	return errorVariable(name, err)
}
