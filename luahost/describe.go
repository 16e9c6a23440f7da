// Copyright © 2018 The ELPS authors

package luahost

import (
	"fmt"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	"github.com/luthersystems/svcdbg/debugger"
)

// Describer renders Lua values for debug clients. Values that are not Lua
// values are left to the debugger's reflection describer.
type Describer struct{}

var _ debugger.ValueDescriber = Describer{}

// Describe implements debugger.ValueDescriber.
func (Describer) Describe(v any) debugger.Value {
	lv, ok := v.(lua.LValue)
	if !ok {
		return nil
	}
	switch x := lv.(type) {
	case *lua.LNilType:
		return scalar{typ: "nil", text: "nil"}
	case lua.LBool:
		return scalar{typ: "boolean", text: x.String()}
	case lua.LNumber:
		return scalar{typ: "number", text: x.String()}
	case lua.LString:
		return scalar{typ: "string", text: strconv.Quote(string(x))}
	case *lua.LTable:
		return tableValue{t: x}
	case *lua.LUserData:
		return opaque{typ: "userdata", text: fmt.Sprintf("userdata: %v", x.Value)}
	}
	return opaque{typ: lv.Type().String(), text: lv.String()}
}

type scalar struct {
	typ  string
	text string
}

func (s scalar) Kind() debugger.Kind { return debugger.KindPrimitive }
func (s scalar) TypeName() string    { return s.typ }
func (s scalar) String() string      { return s.text }

type opaque struct {
	typ  string
	text string
}

func (o opaque) Kind() debugger.Kind { return debugger.KindOpaque }
func (o opaque) TypeName() string    { return o.typ }
func (o opaque) String() string      { return o.text }

// tableValue is a collection when the table holds only a sequence and a
// record otherwise. Sequence entries are named by their index and come
// first.
type tableValue struct {
	t *lua.LTable
}

var (
	_ debugger.Structured = tableValue{}
	_ debugger.Mutable    = tableValue{}
)

// shape returns the sequence length and the total number of entries.
func (v tableValue) shape() (seq, total int) {
	seq = v.t.Len()
	v.t.ForEach(func(lua.LValue, lua.LValue) { total++ })
	return seq, total
}

func (v tableValue) Kind() debugger.Kind {
	seq, total := v.shape()
	if seq > 0 && seq == total {
		return debugger.KindCollection
	}
	return debugger.KindRecord
}

func (v tableValue) TypeName() string { return "table" }

func (v tableValue) String() string {
	seq, total := v.shape()
	if seq > 0 && seq == total {
		return fmt.Sprintf("table [%d]", seq)
	}
	return fmt.Sprintf("table {%d}", total)
}

func (v tableValue) Counts() (named, indexed int) {
	seq, total := v.shape()
	return total - seq, seq
}

func inSequence(k lua.LValue, seq int) bool {
	n, ok := k.(lua.LNumber)
	if !ok {
		return false
	}
	i := int(n)
	return lua.LNumber(i) == n && i >= 1 && i <= seq
}

func (v tableValue) Children() []debugger.Child {
	seq := v.t.Len()
	children := make([]debugger.Child, 0, seq)
	for i := 1; i <= seq; i++ {
		children = append(children, debugger.Child{Name: strconv.Itoa(i), Value: v.t.RawGetInt(i)})
	}
	var named []debugger.Child
	v.t.ForEach(func(k, val lua.LValue) {
		if inSequence(k, seq) {
			return
		}
		name := k.String()
		if s, ok := k.(lua.LString); ok {
			name = string(s)
		}
		named = append(named, debugger.Child{Name: name, Value: val})
	})
	sort.Slice(named, func(i, j int) bool { return named[i].Name < named[j].Name })
	return append(children, named...)
}

// SetChild assigns a sequence slot (or appends) for numeric names and a
// string key otherwise.
func (v tableValue) SetChild(name string, value any) (any, error) {
	lv, err := fromJSON(value)
	if err != nil {
		return nil, err
	}
	if i, err := strconv.Atoi(name); err == nil && i >= 1 && i <= v.t.Len()+1 {
		v.t.RawSetInt(i, lv)
		return lv, nil
	}
	v.t.RawSetString(name, lv)
	return lv, nil
}

// scratch allocates tables for converted values. Table construction does
// not touch the state, so it is shared.
var scratch = lua.NewState(lua.Options{SkipOpenLibs: true})

// fromJSON converts a decoded JSON value to a Lua value.
func fromJSON(value any) (lua.LValue, error) {
	switch x := value.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(x), nil
	case float64:
		return lua.LNumber(x), nil
	case string:
		return lua.LString(x), nil
	case []any:
		t := scratch.NewTable()
		for i, e := range x {
			lv, err := fromJSON(e)
			if err != nil {
				return nil, err
			}
			t.RawSetInt(i+1, lv)
		}
		return t, nil
	case map[string]any:
		t := scratch.NewTable()
		for k, e := range x {
			lv, err := fromJSON(e)
			if err != nil {
				return nil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: cannot convert %T to a Lua value", debugger.ErrInvalidValue, value)
}
