// Copyright © 2018 The ELPS authors

package luahost

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/luthersystems/svcdbg/debugger"
)

var errNoLuaFrame = errors.New("frame is not a Lua call")

// evaluator runs debugger expressions as Lua chunks.
type evaluator struct {
	mu     sync.Mutex
	global *lua.LState
}

var _ debugger.Evaluator = (*evaluator)(nil)

// newEvaluator creates the global state. It has the standard libraries
// and the host's print and log, which write to log.
func newEvaluator(log *logrus.Entry) *evaluator {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openLibs(L)
	installOutput(L, log)
	return &evaluator{global: L}
}

// compile loads expression as "return <expression>" and falls back to a
// statement.
func compile(L *lua.LState, expression string) (*lua.LFunction, error) {
	fn, err := L.LoadString("return " + expression)
	if err == nil {
		return fn, nil
	}
	if stmt, serr := L.LoadString(expression); serr == nil {
		return stmt, nil
	}
	return nil, err
}

// call runs fn with no arguments and returns its first result.
func call(L *lua.LState, fn *lua.LFunction) (lua.LValue, error) {
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	v := L.Get(-1)
	L.Pop(1)
	return v, nil
}

// EvaluateInFrame runs on the thread that owns activation, while it is
// suspended inside a hook.
func (e *evaluator) EvaluateInFrame(activation any, expression string) (any, error) {
	f, ok := activation.(*frameView)
	if !ok || f.closed.Load() {
		return nil, errNoLuaFrame
	}
	L := f.L
	fn, err := compile(L, expression)
	if err != nil {
		return nil, err
	}
	L.SetFEnv(fn, frameEnv(L, f))
	return call(L, fn)
}

// frameEnv returns an environment table that reads and writes the
// frame's locals and upvalues before falling back to its globals.
func frameEnv(L *lua.LState, f *frameView) *lua.LTable {
	globals := f.globals()
	env := L.NewTable()
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		key := L.Get(2)
		if name, ok := key.(lua.LString); ok {
			if v, found := f.lookup(string(name)); found {
				L.Push(v)
				return 1
			}
		}
		L.Push(L.GetTable(globals, key))
		return 1
	}))
	L.SetField(mt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		key, value := L.Get(2), L.Get(3)
		if name, ok := key.(lua.LString); ok && f.assign(string(name), value) {
			return 0
		}
		L.SetTable(globals, key, value)
		return 0
	}))
	L.SetMetatable(env, mt)
	return env
}

// EvaluateGlobal runs expression in the dedicated global state.
func (e *evaluator) EvaluateGlobal(expression string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, err := compile(e.global, expression)
	if err != nil {
		return nil, err
	}
	return call(e.global, fn)
}

// Truthy follows Lua: only nil and false are false.
func (e *evaluator) Truthy(v any) bool {
	lv, ok := v.(lua.LValue)
	return ok && lua.LVAsBool(lv)
}

func (e *evaluator) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.global.Close()
}
