// Copyright © 2018 The ELPS authors

package luahost

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/luthersystems/svcdbg/debugger"
)

// Worker is one debuggable thread: a Lua state and a debugger slot. A
// Worker must only be used by one goroutine at a time.
type Worker struct {
	h    *Host
	slot *debugger.Slot
	L    *lua.LState
	log  *logrus.Entry

	sess   *debugger.Session
	frames []*frameView
	// thrown is set once error() has reported the value in flight.
	thrown bool
}

func openLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

func newWorker(h *Host, name string) *Worker {
	w := &Worker{
		h:    h,
		slot: h.d.NewSlot(name),
		L:    lua.NewState(lua.Options{SkipOpenLibs: true}),
	}
	w.log = h.scriptLog.WithField("thread", w.slot.ThreadID())
	openLibs(w.L)
	w.install()
	return w
}

// ThreadID returns the debugger thread id of the worker.
func (w *Worker) ThreadID() int { return w.slot.ThreadID() }

// Close releases the worker's Lua state.
func (w *Worker) Close() {
	w.L.Close()
}

// Run executes script as one service and returns the values of its
// top-level return statement. An uncaught error is reported to the
// debugger as an exception before Run returns it.
func (w *Worker) Run(ctx context.Context, script *Script) ([]lua.LValue, error) {
	service := strings.TrimSuffix(path.Base(script.Name), path.Ext(script.Name))
	sess, release := w.h.d.Enter(w.slot, debugger.Service{Name: service, File: script.Name})
	defer release()
	w.sess, w.frames, w.thrown = sess, nil, false
	defer func() {
		w.sess, w.frames = nil, nil
	}()

	L := w.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	base := L.GetTop()
	L.Push(L.NewFunctionFromProto(script.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.SetTop(base)
		w.unwind(0)
		if !w.thrown && ctx.Err() == nil {
			sess.OnException(scriptErrorOf(err))
		}
		w.h.log.WithError(err).WithFields(logrus.Fields{
			"thread": w.ThreadID(),
			"script": script.Name,
		}).Debug("script failed")
		return nil, err
	}
	results := make([]lua.LValue, 0, L.GetTop()-base)
	for i := base + 1; i <= L.GetTop(); i++ {
		results = append(results, L.Get(i))
	}
	L.SetTop(base)
	return results, nil
}

// tracking reports whether hooks should update the debugger. Evaluations
// run user code without bookkeeping.
func (w *Worker) tracking() bool {
	return w.sess != nil && !w.sess.Evaluating()
}

func (w *Worker) pushFrame(f *frameView) {
	w.frames = append(w.frames, f)
}

func (w *Worker) popFrame() {
	n := len(w.frames)
	if n == 0 {
		return
	}
	w.frames[n-1].closed.Store(true)
	w.frames = w.frames[:n-1]
	w.sess.OnExit()
}

// unwind reports exits for the calls an error skipped, down to depth.
func (w *Worker) unwind(depth int) {
	if w.sess == nil {
		return
	}
	for len(w.frames) > depth {
		w.popFrame()
	}
}

// ScriptError is a value raised by a script.
type ScriptError struct {
	Value lua.LValue
	Trace string
}

var _ debugger.Traced = (*ScriptError)(nil)

func (e *ScriptError) Error() string {
	if e.Value == nil {
		return "script error"
	}
	return e.Value.String()
}

// ScriptTrace implements debugger.Traced.
func (e *ScriptError) ScriptTrace() string { return e.Trace }

func scriptErrorOf(err error) *ScriptError {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return &ScriptError{Value: apiErr.Object, Trace: apiErr.StackTrace}
	}
	return &ScriptError{Value: lua.LString(err.Error())}
}

// errorObject returns the Lua value carried by a PCall error.
func errorObject(err error) lua.LValue {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object
	}
	return lua.LString(err.Error())
}

// traceback renders the Lua frames above the calling Go function.
func traceback(L *lua.LState) string {
	var b strings.Builder
	for level := 1; ; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			break
		}
		if _, err := L.GetInfo("Sl", dbg, lua.LNil); err != nil || dbg.What == "G" {
			continue
		}
		fmt.Fprintf(&b, "%s:%d: in function <%s:%d>\n", dbg.Source, dbg.CurrentLine, dbg.Source, dbg.LineDefined)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
