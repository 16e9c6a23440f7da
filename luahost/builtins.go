// Copyright © 2018 The ELPS authors

package luahost

import (
	"strings"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/luthersystems/svcdbg/debugger"
)

// install registers the instrumentation hooks and replaces the base
// functions that must cooperate with the debugger.
func (w *Worker) install() {
	L := w.L
	L.SetGlobal(checkpointFn, L.NewFunction(w.checkpoint))
	L.SetGlobal(enterFn, L.NewFunction(w.enter))
	L.SetGlobal(exitFn, L.NewFunction(w.exit))
	L.SetGlobal("pcall", L.NewFunction(w.pcall))
	L.SetGlobal("xpcall", L.NewFunction(w.xpcall))
	L.SetGlobal("error", L.NewFunction(w.raise))
	L.SetGlobal("debugger", L.NewFunction(w.breakHere))
	installOutput(L, w.log)
}

// installOutput registers print and the log module, both writing to log.
func installOutput(L *lua.LState, log *logrus.Entry) {
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		log.Info(joinArgs(L))
		return 0
	}))
	L.SetGlobal("log", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"debug": logAt(log, logrus.DebugLevel),
		"info":  logAt(log, logrus.InfoLevel),
		"warn":  logAt(log, logrus.WarnLevel),
		"error": logAt(log, logrus.ErrorLevel),
	}))
}

func (w *Worker) checkpoint(L *lua.LState) int {
	if w.sess != nil {
		w.sess.Checkpoint(L.CheckString(1))
	}
	return 0
}

// enter records the call of the Lua function that invoked it.
func (w *Worker) enter(L *lua.LState) int {
	if !w.tracking() {
		return 0
	}
	name := L.OptString(1, "")
	dbg, ok := L.GetStack(1)
	if !ok {
		return 0
	}
	fv, err := L.GetInfo("f", dbg, lua.LNil)
	if err != nil {
		return 0
	}
	fn, _ := fv.(*lua.LFunction)
	frame := &frameView{L: L, dbg: dbg, fn: fn, sess: w.sess}

	var args []any
	if fn != nil && fn.Proto != nil {
		for i := 1; i <= int(fn.Proto.NumParameters); i++ {
			_, v := L.GetLocal(dbg, i)
			args = append(args, v)
		}
	}
	var env any
	if fn != nil {
		env = L.GetFEnv(fn)
	}
	w.pushFrame(frame)
	w.sess.OnEnter(debugger.Frame{
		Name:        name,
		Activation:  frame,
		Context:     env,
		ContextName: "globals",
		Arguments:   args,
	})
	return 0
}

// exit records a return and passes its arguments through.
func (w *Worker) exit(L *lua.LState) int {
	if w.tracking() {
		w.popFrame()
	}
	return L.GetTop()
}

func (w *Worker) pcall(L *lua.LState) int {
	L.CheckAny(1)
	depth := len(w.frames)
	if err := L.PCall(L.GetTop()-1, lua.MultRet, nil); err != nil {
		if w.tracking() {
			w.unwind(depth)
		}
		w.thrown = false
		L.Push(lua.LFalse)
		L.Push(errorObject(err))
		return 2
	}
	L.Insert(lua.LTrue, 1)
	return L.GetTop()
}

func (w *Worker) xpcall(L *lua.LState) int {
	fn := L.CheckFunction(1)
	handler := L.CheckFunction(2)
	L.SetTop(2)
	depth := len(w.frames)
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if w.tracking() {
			w.unwind(depth)
		}
		w.thrown = false
		L.SetTop(2)
		L.Push(lua.LFalse)
		L.Push(handler)
		L.Push(errorObject(err))
		if herr := L.PCall(1, 1, nil); herr != nil {
			L.Push(errorObject(herr))
		}
		return 2
	}
	L.Insert(lua.LTrue, 3)
	return L.GetTop() - 2
}

// raise reports the value to the debugger while the raising frames are
// still live, then raises it.
func (w *Worker) raise(L *lua.LState) int {
	obj := L.CheckAny(1)
	level := L.OptInt(2, 1)
	if w.tracking() {
		w.thrown = true
		w.sess.OnException(&ScriptError{Value: obj, Trace: traceback(L)})
	}
	L.Error(obj, level)
	return 0
}

func (w *Worker) breakHere(L *lua.LState) int {
	if w.tracking() {
		w.sess.Break()
	}
	return 0
}

func joinArgs(L *lua.LState) string {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
	}
	return strings.Join(parts, "\t")
}

func logAt(log *logrus.Entry, level logrus.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		log.Log(level, joinArgs(L))
		return 0
	}
}
