// Copyright © 2018 The ELPS authors

package debugger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/luthersystems/svcdbg/debugger/events"
)

// SuspendReason says why a thread stopped.
type SuspendReason int

const (
	ReasonRequested SuspendReason = iota
	ReasonBreakpoint
	ReasonCommand
	ReasonException
)

// String returns the reason reported to clients.
func (r SuspendReason) String() string {
	switch r {
	case ReasonBreakpoint:
		return "breakpoint"
	case ReasonCommand:
		return "step"
	case ReasonException:
		return "exception"
	}
	return "pause"
}

type commandKind int

const (
	cmdSuspend commandKind = iota + 1
	cmdResume
	cmdStepOver
	cmdStepIn
	cmdStepOut
	cmdEvaluate
)

func (k commandKind) String() string {
	switch k {
	case cmdSuspend:
		return "suspend"
	case cmdResume:
		return "resume"
	case cmdStepOver:
		return "step-over"
	case cmdStepIn:
		return "step-in"
	case cmdStepOut:
		return "step-out"
	case cmdEvaluate:
		return "evaluate"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// command is the single pending instruction of a session.
type command struct {
	kind       commandKind
	reason     SuspendReason
	token      *frameToken
	frameID    int
	expression string
	eval       *evaluation
}

// frameToken identifies one call. A fresh token is allocated for every
// entered service scope, so recursive calls never compare equal.
type frameToken struct {
	_ byte
}

// Frame describes a function entry reported by the host.
type Frame struct {
	// Name of the function. Empty means anonymous.
	Name string
	// Restricted frames belong to host machinery and are hidden.
	Restricted bool
	// Activation holds the call's local variables. It is passed back to
	// the Evaluator and described as the "locals" scope.
	Activation any
	// Context is the receiver or environment of the call, shown as a
	// scope named ContextName ("this" when empty).
	Context     any
	ContextName string
	Arguments   []any
}

// Service describes one debuggable invocation on a thread.
type Service struct {
	Name string
	File string
}

type scope struct {
	restricted  bool
	id          int
	token       *frameToken
	name        string
	activation  any
	context     any
	contextName string
	arguments   []any
	line        int
	column      int
}

type serviceFrame struct {
	name   string
	file   string
	line   int
	column int
	scopes []*scope
}

// currentScope returns the innermost service scope.
func (f *serviceFrame) currentScope() *scope {
	for i := len(f.scopes) - 1; i >= 0; i-- {
		if !f.scopes[i].restricted {
			return f.scopes[i]
		}
	}
	return nil
}

// Session is the debugging state attached to one thread while it runs at
// least one service. Hook methods (OnEnter, OnExit, OnException,
// Checkpoint, Break) must be called on the owning thread. Command and
// accessor methods may be called from any goroutine.
type Session struct {
	d    *Debugger
	id   int
	name string
	log  *logrus.Entry

	// retain is guarded by the debugger's registry lock.
	retain int

	evaluating atomic.Bool

	mu        sync.Mutex
	cond      *sync.Cond
	services  []*serviceFrame
	suspended bool
	reason    SuspendReason
	hit       int
	command   *command
	exception any
}

func newSession(d *Debugger, id int, name string) *Session {
	s := &Session{
		d:    d,
		id:   id,
		name: name,
		log:  d.logger.WithField("thread", id),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ThreadID returns the id of the owning thread.
func (s *Session) ThreadID() int { return s.id }

// Name returns the thread name.
func (s *Session) Name() string { return s.name }

// Evaluating reports whether the owning thread is running a debugger
// evaluation. Hosts skip their own bookkeeping while it is true.
func (s *Session) Evaluating() bool { return s.evaluating.Load() }

func (s *Session) pushService(svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, &serviceFrame{
		name:   svc.Name,
		file:   svc.File,
		scopes: []*scope{{restricted: true}},
	})
}

func (s *Session) popService() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.services); n > 0 {
		s.services = s.services[:n-1]
	}
}

func (s *Session) currentService() *serviceFrame {
	if n := len(s.services); n > 0 {
		return s.services[n-1]
	}
	return nil
}

func (s *Session) currentToken() *frameToken {
	if svc := s.currentService(); svc != nil {
		if sc := svc.currentScope(); sc != nil {
			return sc.token
		}
	}
	return nil
}

// OnEnter records a function entry. A pending step-in becomes a stop at
// the first checkpoint of the entered function.
func (s *Session) OnEnter(f Frame) {
	if s.evaluating.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	svc := s.currentService()
	if svc == nil {
		return
	}
	if f.Restricted {
		svc.scopes = append(svc.scopes, &scope{restricted: true})
		return
	}
	name := f.Name
	if name == "" {
		name = "<anonymous>"
	}
	contextName := f.ContextName
	if contextName == "" {
		contextName = "this"
	}
	svc.scopes = append(svc.scopes, &scope{
		id:          s.d.nextScopeID(),
		token:       &frameToken{},
		name:        svc.name + " - " + name,
		activation:  f.Activation,
		context:     f.Context,
		contextName: contextName,
		arguments:   f.Arguments,
		line:        svc.line,
		column:      svc.column,
	})
	if s.command != nil && s.command.kind == cmdStepIn {
		s.command = &command{kind: cmdSuspend, reason: ReasonCommand}
	}
}

// OnExit records a function exit. Leaving the frame targeted by a pending
// step-out or step-over stops at the caller's next checkpoint.
func (s *Session) OnExit() {
	if s.evaluating.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	svc := s.currentService()
	if svc == nil || len(svc.scopes) == 0 {
		return
	}
	sc := svc.scopes[len(svc.scopes)-1]
	svc.scopes = svc.scopes[:len(svc.scopes)-1]
	if sc.restricted {
		return
	}
	cmd := s.command
	if cmd != nil && (cmd.kind == cmdStepOut || cmd.kind == cmdStepOver) && cmd.token == sc.token {
		s.command = &command{kind: cmdSuspend, reason: ReasonCommand}
	}
}

// OnException reports a thrown value. The thread stops when
// break-on-exception is enabled.
func (s *Session) OnException(value any) {
	if s.evaluating.Load() {
		return
	}
	if s.d.BreakOnExceptions() && s.d.Connected() > 0 {
		s.suspend(ReasonException, nil, value)
	}
}

// Break stops the thread as if a client had requested a pause. It is the
// script-level "debugger" statement.
func (s *Session) Break() {
	if s.d.Connected() > 0 {
		s.suspend(ReasonRequested, nil, nil)
	}
}

// Checkpoint is called before every statement with the statement's
// location id. It stops at active breakpoints whose condition holds and
// carries out pending step and pause commands.
func (s *Session) Checkpoint(locationID string) {
	if s.evaluating.Load() || s.d.Connected() == 0 {
		return
	}
	if bp, ok := s.d.breakpoints.LookupByID(locationID); ok {
		s.mu.Lock()
		var activation any
		hasScope := false
		if svc := s.currentService(); svc != nil {
			svc.line, svc.column = bp.Line, bp.Column
			if sc := svc.currentScope(); sc != nil {
				sc.line, sc.column = bp.Line, bp.Column
				activation, hasScope = sc.activation, true
			}
		}
		s.mu.Unlock()
		if bp.Active {
			stop := true
			if bp.Condition != "" && hasScope {
				stop = s.conditionHolds(activation, bp.Condition)
			}
			if stop {
				s.suspend(ReasonBreakpoint, &bp, nil)
				return
			}
		}
	}

	s.mu.Lock()
	cmd := s.command
	token := s.currentToken()
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	switch cmd.kind {
	case cmdStepOver:
		if cmd.token == token {
			s.suspend(ReasonCommand, nil, nil)
		}
	case cmdStepIn:
		s.suspend(ReasonCommand, nil, nil)
	case cmdSuspend:
		s.suspend(cmd.reason, nil, nil)
	}
}

func (s *Session) conditionHolds(activation any, condition string) bool {
	ev := s.d.evaluator()
	if ev == nil {
		return false
	}
	s.evaluating.Store(true)
	defer s.evaluating.Store(false)
	v, err := ev.EvaluateInFrame(activation, condition)
	if err != nil {
		s.log.WithError(err).Debug("breakpoint condition failed")
		return false
	}
	return ev.Truthy(v)
}

// suspend blocks the owning thread until a resuming command arrives.
// Evaluate commands are serviced while suspended.
func (s *Session) suspend(reason SuspendReason, bp *Breakpoint, exception any) {
	if s.evaluating.Load() {
		return
	}
	s.mu.Lock()
	// The last client may have left while a condition was evaluated.
	if s.d.Connected() == 0 {
		s.command = nil
		s.mu.Unlock()
		return
	}
	s.command = nil
	s.suspended = true
	s.reason = reason
	s.hit = 0
	if bp != nil {
		s.hit = bp.SequenceID
	}
	if reason == ReasonException {
		s.exception = exception
	}
	msg := events.Suspended{
		ThreadID:     s.id,
		Reason:       reason.String(),
		BreakpointID: s.hit,
	}
	if s.exception != nil {
		msg.Exception = s.exceptionSummary()
	}
	span := s.d.tracer.Start(context.Background(), "debugger.suspend", s.spanInfoLocked())
	s.mu.Unlock()

	s.log.WithField("reason", msg.Reason).Debug("thread suspended")
	s.d.emit(msg)

	s.mu.Lock()
	for s.suspended {
		for s.command == nil {
			s.cond.Wait()
		}
		cmd := s.command
		switch cmd.kind {
		case cmdSuspend:
			s.command = nil
		case cmdEvaluate:
			cmd.eval.mu.Lock()
			cmd.eval.running = true
			cmd.eval.mu.Unlock()
			s.mu.Unlock()
			result := s.evaluateFrame(cmd.frameID, cmd.expression)
			s.mu.Lock()
			cmd.eval.finish(result)
			if s.command == cmd {
				s.command = nil
			}
		case cmdStepOver, cmdStepIn, cmdStepOut, cmdResume:
			s.suspended = false
		default:
			s.log.Errorf("unknown command kind %q sent to debugger, treating as resume", cmd.kind)
			s.command = &command{kind: cmdResume}
			s.suspended = false
		}
	}
	s.exception = nil
	s.hit = 0
	s.mu.Unlock()

	span()
	s.log.Debug("thread resumed")
	s.d.emit(events.Resumed{ThreadID: s.id})
}

func (s *Session) spanInfoLocked() SpanInfo {
	info := SpanInfo{ThreadID: s.id, Reason: s.reason.String()}
	if svc := s.currentService(); svc != nil {
		info.File, info.Line, info.Column = svc.file, svc.line, svc.column
	}
	return info
}

func (s *Session) exceptionSummary() string {
	if err, ok := s.exception.(error); ok {
		return err.Error()
	}
	if s.exception == nil {
		return ""
	}
	if str := s.d.refs.Describe(s.exception).String(); str != "" {
		return str
	}
	return "error"
}

// evaluateFrame runs on the owning thread while it is suspended.
func (s *Session) evaluateFrame(frameID int, expression string) Variable {
	s.mu.Lock()
	sc := s.findScope(frameID)
	var activation any
	if sc != nil {
		activation = sc.activation
	}
	s.mu.Unlock()
	if sc == nil {
		return s.d.refs.DescribeTopLevel(errNoFrame, "result", nil)
	}
	ev := s.d.evaluator()
	if ev == nil {
		return errorVariable("result", ErrNoEvaluator)
	}
	end := s.d.tracer.Start(context.Background(), "debugger.evaluate", SpanInfo{ThreadID: s.id, Expression: expression})
	defer end()
	s.evaluating.Store(true)
	v, err := s.evaluateSafely(ev, activation, expression)
	s.evaluating.Store(false)
	if err != nil {
		return s.d.refs.DescribeTopLevel(err, "result", nil)
	}
	res := s.d.refs.DescribeTopLevel(v, "result", nil)
	res.EvaluateName = expression
	return res
}

// evaluateSafely keeps a panicking evaluator from taking the suspended
// thread down with it.
func (s *Session) evaluateSafely(ev Evaluator, activation any, expression string) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation panic: %v", r)
		}
	}()
	return ev.EvaluateInFrame(activation, expression)
}

// findScope returns the service scope with sequence id frameID. Caller
// holds s.mu.
func (s *Session) findScope(frameID int) *scope {
	for _, svc := range s.services {
		for _, sc := range svc.scopes {
			if !sc.restricted && sc.id == frameID {
				return sc
			}
		}
	}
	return nil
}

// post replaces the pending command and wakes the owning thread. An
// evaluation that was never picked up is completed with an error so its
// caller does not wait forever. Caller holds s.mu.
func (s *Session) post(cmd *command) {
	if prev := s.command; prev != nil && prev != cmd && prev.kind == cmdEvaluate {
		prev.eval.mu.Lock()
		running := prev.eval.running
		prev.eval.mu.Unlock()
		if !running {
			prev.eval.finish(errorVariable("result", ErrEvaluationDropped))
		}
	}
	s.command = cmd
	s.cond.Signal()
}

// Pause asks a running thread to stop at its next checkpoint. It has no
// effect on a suspended thread.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	s.post(&command{kind: cmdSuspend, reason: ReasonRequested})
}

// Resume continues a suspended thread.
func (s *Session) Resume() {
	s.postIfSuspended(&command{kind: cmdResume})
}

// StepIn continues and stops at the next checkpoint, entering calls.
func (s *Session) StepIn() {
	s.postIfSuspended(&command{kind: cmdStepIn})
}

// StepOver continues and stops at the next checkpoint of the current
// frame or, if it returns, of its caller.
func (s *Session) StepOver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return
	}
	s.post(&command{kind: cmdStepOver, token: s.currentToken()})
}

// StepOut continues until the current frame returns.
func (s *Session) StepOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return
	}
	s.post(&command{kind: cmdStepOut, token: s.currentToken()})
}

// forceResume resumes a suspended thread and drops the pending command of
// a running one.
func (s *Session) forceResume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		s.command = nil
		return
	}
	s.post(&command{kind: cmdResume})
}

func (s *Session) postIfSuspended(cmd *command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return
	}
	s.post(cmd)
}

// Evaluate hands expression to the owning thread and waits for the
// result. It fails fast when the thread is running or the frame is
// unknown.
func (s *Session) Evaluate(ctx context.Context, frameID int, expression string) Variable {
	s.mu.Lock()
	if !s.suspended {
		s.mu.Unlock()
		return s.d.refs.DescribeTopLevel(errRunningThread, "result", nil)
	}
	if s.findScope(frameID) == nil {
		s.mu.Unlock()
		return s.d.refs.DescribeTopLevel(errNoFrame, "result", nil)
	}
	ev := newEvaluation()
	s.post(&command{kind: cmdEvaluate, frameID: frameID, expression: expression, eval: ev})
	s.mu.Unlock()
	return ev.wait(ctx)
}

// IsSuspended reports whether the thread is stopped.
func (s *Session) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// SuspensionReason returns the reason of the current stop, or "" when the
// thread runs.
func (s *Session) SuspensionReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return ""
	}
	return s.reason.String()
}

// Exception returns the value thrown at the current exception stop.
func (s *Session) Exception() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exception
}

// StackFrame is one visible frame of a thread, innermost first.
type StackFrame struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Source           string `json:"source"`
	Line             int    `json:"line"`
	Column           int    `json:"column"`
	PresentationHint string `json:"presentationHint"`
}

// StackTrace returns the visible frames, innermost first. The first
// visible frame of each service is presented as a label.
func (s *Session) StackTrace() []StackFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := []StackFrame{}
	for _, svc := range s.services {
		first := true
		for _, sc := range svc.scopes {
			if sc.restricted {
				continue
			}
			hint := "normal"
			if first {
				hint = "label"
				first = false
			}
			frames = append(frames, StackFrame{
				ID:               sc.id,
				Name:             sc.name,
				Source:           svc.file,
				Line:             sc.line,
				Column:           sc.column,
				PresentationHint: hint,
			})
		}
	}
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}

// ScopeDescription is one variable container of a stack frame.
type ScopeDescription struct {
	Name               string `json:"name"`
	PresentationHint   string `json:"presentationHint"`
	VariablesReference int    `json:"variablesReference"`
	NamedVariables     int    `json:"namedVariables"`
	IndexedVariables   int    `json:"indexedVariables"`
	Expensive          bool   `json:"expensive"`
}

// Scopes returns the variable containers of frame frameID: the locals,
// one closure per enclosing scope, the context object and the arguments.
func (s *Session) Scopes(frameID int) ([]ScopeDescription, error) {
	s.mu.Lock()
	sc := s.findScope(frameID)
	var frame scope
	if sc != nil {
		frame = *sc
	}
	s.mu.Unlock()
	if sc == nil {
		return nil, fmt.Errorf("frame %d: %w", frameID, ErrFrameNotFound)
	}
	refs := s.d.refs
	var scopes []ScopeDescription
	add := func(name string, obj any) {
		desc := ScopeDescription{
			Name:               name,
			PresentationHint:   "locals",
			VariablesReference: refs.HandleFor(obj),
		}
		if st, ok := refs.Describe(obj).(Structured); ok {
			desc.NamedVariables, desc.IndexedVariables = st.Counts()
		}
		scopes = append(scopes, desc)
	}
	if frame.activation != nil {
		add("locals", frame.activation)
		if ps, ok := frame.activation.(ParentScopes); ok {
			for _, p := range ps.ParentScopes() {
				add("closure", p)
			}
		}
	}
	if frame.context != nil {
		add(frame.contextName, frame.context)
	}
	if len(frame.arguments) > 0 {
		add("arguments", frame.arguments)
	}
	return scopes, nil
}

// ExceptionDetails describes the value a thread stopped on.
type ExceptionDetails struct {
	ExceptionID string           `json:"exceptionId"`
	Description string           `json:"description"`
	BreakMode   string           `json:"breakMode"`
	Details     *ExceptionDetail `json:"details,omitempty"`
}

// ExceptionDetail describes one error of a cause chain.
type ExceptionDetail struct {
	Message        string            `json:"message"`
	TypeName       string            `json:"typeName"`
	FullTypeName   string            `json:"fullTypeName"`
	StackTrace     string            `json:"stackTrace,omitempty"`
	InnerException []ExceptionDetail `json:"innerException,omitempty"`
}

// Traced is implemented by errors that carry a script stack trace.
type Traced interface {
	ScriptTrace() string
}

// ExceptionDetails describes the current exception.
func (s *Session) ExceptionDetails() ExceptionDetails {
	s.mu.Lock()
	exc := s.exception
	s.mu.Unlock()
	if exc == nil {
		return ExceptionDetails{BreakMode: "always", Description: "An error has occurred", ExceptionID: "0"}
	}
	err, ok := exc.(error)
	if !ok {
		return ExceptionDetails{
			BreakMode:   "always",
			Description: s.d.refs.Describe(exc).String(),
			ExceptionID: "0",
		}
	}
	details := detailsOfError(err, map[error]bool{})
	return ExceptionDetails{
		BreakMode:   "always",
		Description: err.Error(),
		ExceptionID: details.TypeName,
		Details:     &details,
	}
}

func detailsOfError(err error, seen map[error]bool) ExceptionDetail {
	markSeen(seen, err)
	full := fmt.Sprintf("%T", err)
	d := ExceptionDetail{
		Message:      err.Error(),
		TypeName:     shortTypeName(full),
		FullTypeName: full,
	}
	var traced Traced
	if errors.As(err, &traced) {
		d.StackTrace = traced.ScriptTrace()
	}
	if cause := errors.Unwrap(err); cause != nil && len(seen) < maxCauseDepth && !isSeen(seen, cause) {
		d.InnerException = []ExceptionDetail{detailsOfError(cause, seen)}
	}
	return d
}

// maxCauseDepth bounds cause chains whose errors cannot be compared.
const maxCauseDepth = 32

func markSeen(seen map[error]bool, err error) {
	if reflect.ValueOf(err).Comparable() {
		seen[err] = true
		return
	}
	seen[fmt.Errorf("%p", err)] = true
}

func isSeen(seen map[error]bool, err error) bool {
	return reflect.ValueOf(err).Comparable() && seen[err]
}

func shortTypeName(full string) string {
	full = strings.TrimLeft(full, "*")
	if i := strings.LastIndex(full, "."); i >= 0 {
		return full[i+1:]
	}
	return full
}
