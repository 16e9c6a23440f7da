// Copyright © 2018 The ELPS authors

package luahost

import (
	"fmt"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/luthersystems/svcdbg/debugger"
)

// frameView exposes the local variables of one live Lua call. It is the
// activation object handed to the debugger and the evaluator. A view is
// closed when its call returns; a closed view has no children.
type frameView struct {
	L      *lua.LState
	dbg    *lua.Debug
	fn     *lua.LFunction
	sess   *debugger.Session
	closed atomic.Bool
}

var errThreadRunning = fmt.Errorf("thread is running: %w", debugger.ErrNotMutable)

// writable reports an error unless the owning thread is stopped, the only
// time a client may change its variables.
func writable(sess *debugger.Session) error {
	if sess != nil && !sess.IsSuspended() {
		return errThreadRunning
	}
	return nil
}

var (
	_ debugger.Structured   = (*frameView)(nil)
	_ debugger.Mutable      = (*frameView)(nil)
	_ debugger.ParentScopes = (*frameView)(nil)
)

func (f *frameView) Kind() debugger.Kind { return debugger.KindRecord }
func (f *frameView) TypeName() string    { return "frame" }

func (f *frameView) String() string {
	if f.fn == nil {
		return "frame"
	}
	return fmt.Sprintf("frame of %s", f.fn.String())
}

// local is one visible local variable slot.
type local struct {
	slot  int
	name  string
	value lua.LValue
}

// locals lists the named locals active at the call's current position.
// A shadowed name keeps only its innermost slot.
func (f *frameView) locals() []local {
	if f.closed.Load() {
		return nil
	}
	var out []local
	index := map[string]int{}
	for i := 1; ; i++ {
		name, v := f.L.GetLocal(f.dbg, i)
		if name == "" {
			break
		}
		if strings.HasPrefix(name, "(") {
			continue
		}
		if j, ok := index[name]; ok {
			out[j] = local{slot: i, name: name, value: v}
			continue
		}
		index[name] = len(out)
		out = append(out, local{slot: i, name: name, value: v})
	}
	return out
}

func (f *frameView) Counts() (int, int) {
	return len(f.locals()), 0
}

func (f *frameView) Children() []debugger.Child {
	locals := f.locals()
	children := make([]debugger.Child, len(locals))
	for i, l := range locals {
		children[i] = debugger.Child{Name: l.name, Value: l.value}
	}
	return children
}

func (f *frameView) SetChild(name string, value any) (any, error) {
	if f.closed.Load() {
		return nil, fmt.Errorf("frame has returned: %w", debugger.ErrNotMutable)
	}
	if err := writable(f.sess); err != nil {
		return nil, err
	}
	lv, err := fromJSON(value)
	if err != nil {
		return nil, err
	}
	if !f.assign(name, lv) {
		return nil, fmt.Errorf("%w: no local %q", debugger.ErrInvalidValue, name)
	}
	return lv, nil
}

func (f *frameView) ParentScopes() []any {
	if f.fn == nil || len(f.fn.Upvalues) == 0 {
		return nil
	}
	return []any{&upvalueView{L: f.L, fn: f.fn, sess: f.sess}}
}

// lookup resolves name to a local, then to an upvalue.
func (f *frameView) lookup(name string) (lua.LValue, bool) {
	for _, l := range f.locals() {
		if l.name == name {
			return l.value, true
		}
	}
	if f.fn != nil {
		up := &upvalueView{L: f.L, fn: f.fn, sess: f.sess}
		if i := up.slot(name); i > 0 {
			_, v := f.L.GetUpvalue(f.fn, i)
			return v, true
		}
	}
	return lua.LNil, false
}

// assign writes name as a local or an upvalue. It reports false when the
// frame has neither.
func (f *frameView) assign(name string, v lua.LValue) bool {
	for _, l := range f.locals() {
		if l.name == name {
			f.L.SetLocal(f.dbg, l.slot, v)
			return true
		}
	}
	if f.fn != nil {
		up := &upvalueView{L: f.L, fn: f.fn, sess: f.sess}
		if i := up.slot(name); i > 0 {
			f.L.SetUpvalue(f.fn, i, v)
			return true
		}
	}
	return false
}

// globals returns the environment table of the frame's function.
func (f *frameView) globals() lua.LValue {
	if f.fn != nil {
		return f.L.GetFEnv(f.fn)
	}
	return f.L.Get(lua.GlobalsIndex)
}

// upvalueView exposes the captured variables of a closure.
type upvalueView struct {
	L    *lua.LState
	fn   *lua.LFunction
	sess *debugger.Session
}

var (
	_ debugger.Structured = (*upvalueView)(nil)
	_ debugger.Mutable    = (*upvalueView)(nil)
)

func (u *upvalueView) Kind() debugger.Kind { return debugger.KindRecord }
func (u *upvalueView) TypeName() string    { return "closure" }
func (u *upvalueView) String() string      { return "closure of " + u.fn.String() }

func (u *upvalueView) Counts() (int, int) {
	return len(u.fn.Upvalues), 0
}

func (u *upvalueView) Children() []debugger.Child {
	var children []debugger.Child
	for i := 1; ; i++ {
		name, v := u.L.GetUpvalue(u.fn, i)
		if name == "" {
			break
		}
		children = append(children, debugger.Child{Name: name, Value: v})
	}
	return children
}

func (u *upvalueView) slot(name string) int {
	for i := 1; ; i++ {
		n, _ := u.L.GetUpvalue(u.fn, i)
		if n == "" {
			return 0
		}
		if n == name {
			return i
		}
	}
}

func (u *upvalueView) SetChild(name string, value any) (any, error) {
	if err := writable(u.sess); err != nil {
		return nil, err
	}
	lv, err := fromJSON(value)
	if err != nil {
		return nil, err
	}
	i := u.slot(name)
	if i == 0 {
		return nil, fmt.Errorf("%w: no upvalue %q", debugger.ErrInvalidValue, name)
	}
	u.L.SetUpvalue(u.fn, i, lv)
	return lv, nil
}
