// Copyright © 2018 The ELPS authors

package debugger

import (
	"fmt"
	"reflect"
	"sync"
)

// firstHandle is the first variables reference handed out. Small values
// stay free for transports that reserve them.
const firstHandle = 1000

// identity is the reverse-lookup key of a tracked object. Pointer-shaped
// values are keyed by type, address and length; other comparable values
// by the value itself.
type identity struct {
	typ reflect.Type
	ptr uintptr
	n   int
	val any
}

func identityOf(obj any) (identity, bool) {
	if obj == nil {
		return identity{}, false
	}
	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return identity{typ: rv.Type(), ptr: rv.Pointer()}, true
	case reflect.Slice:
		return identity{typ: rv.Type(), ptr: rv.Pointer(), n: rv.Len()}, true
	}
	if rv.Comparable() {
		return identity{typ: rv.Type(), val: obj}, true
	}
	return identity{}, false
}

// ReferenceTable maps integer handles to live objects so clients can
// expand structured values lazily. Handles are never reused. The table
// holds strong references until Clear, which the session registry calls
// when the last thread session ends, so handles never outlive the
// sessions that issued them.
type ReferenceTable struct {
	describer ValueDescriber

	mu         sync.RWMutex
	next       int
	generation int
	objects    map[int]any
	handles    map[identity]int
}

// NewReferenceTable returns an empty table rendering values with d.
func NewReferenceTable(d ValueDescriber) *ReferenceTable {
	return &ReferenceTable{
		describer: describerChain{host: d},
		next:      firstHandle,
		objects:   make(map[int]any),
		handles:   make(map[identity]int),
	}
}

// HandleFor returns the handle tracking obj, allocating one on first use.
// The same live object always yields the same handle until Clear.
func (t *ReferenceTable) HandleFor(obj any) int {
	key, ok := identityOf(obj)
	if ok {
		t.mu.RLock()
		h, found := t.handles[key]
		t.mu.RUnlock()
		if found {
			return h
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		if h, found := t.handles[key]; found {
			return h
		}
	}
	h := t.next
	t.next++
	t.objects[h] = obj
	if ok {
		t.handles[key] = h
	}
	return h
}

// Resolve returns the object tracked by handle.
func (t *ReferenceTable) Resolve(handle int) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	obj, ok := t.objects[handle]
	return obj, ok
}

// Clear expires every handle issued so far.
func (t *ReferenceTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects = make(map[int]any)
	t.handles = make(map[identity]int)
	t.generation++
}

// Generation counts calls to Clear.
func (t *ReferenceTable) Generation() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Len returns the number of live handles.
func (t *ReferenceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

// Describe renders obj without tracking it.
func (t *ReferenceTable) Describe(obj any) Value {
	return t.describer.Describe(obj)
}

// DescribeTopLevel describes obj under name. Structured values receive a
// handle and child counts; their children are not materialized.
func (t *ReferenceTable) DescribeTopLevel(obj any, name string, hint *PresentationHint) Variable {
	if name == "" {
		name = "object"
	}
	if hint == nil {
		hint = DefaultPresentationHint()
	}
	val := t.describer.Describe(obj)
	v := Variable{
		Name:             name,
		Value:            val.String(),
		Type:             val.TypeName(),
		PresentationHint: hint,
	}
	if s, ok := val.(Structured); ok && isExpandable(val.Kind()) {
		v.VariablesReference = t.HandleFor(obj)
		v.NamedVariables, v.IndexedVariables = s.Counts()
	}
	return v
}

func isExpandable(k Kind) bool {
	return k == KindCollection || k == KindRecord
}

// DescribeChildren describes the immediate children of the object behind
// handle.
func (t *ReferenceTable) DescribeChildren(handle int) ([]Variable, error) {
	obj, ok := t.Resolve(handle)
	if !ok {
		return nil, fmt.Errorf("reference %d: %w", handle, ErrStaleReference)
	}
	s, ok := t.describer.Describe(obj).(Structured)
	if !ok {
		return []Variable{}, nil
	}
	children := s.Children()
	vars := make([]Variable, len(children))
	for i, c := range children {
		vars[i] = t.DescribeTopLevel(c.Value, c.Name, c.Hint)
	}
	return vars, nil
}

// SetField assigns a decoded JSON value to the named child of the object
// behind handle and returns the child's new description. The owning
// thread must be suspended.
func (t *ReferenceTable) SetField(handle int, name string, value any) (Variable, error) {
	obj, ok := t.Resolve(handle)
	if !ok {
		return Variable{}, fmt.Errorf("reference %d: %w", handle, ErrStaleReference)
	}
	m, ok := t.describer.Describe(obj).(Mutable)
	if !ok {
		return Variable{}, fmt.Errorf("reference %d: %w", handle, ErrNotMutable)
	}
	nv, err := m.SetChild(name, value)
	if err != nil {
		return Variable{}, fmt.Errorf("set %q: %w", name, err)
	}
	return t.DescribeTopLevel(nv, name, nil), nil
}

// Page returns the slice of vars selected by start and count. A negative
// count selects the rest; out-of-range bounds are clamped.
func Page[T any](vars []T, start, count int) []T {
	if start < 0 {
		start = 0
	}
	if start > len(vars) {
		start = len(vars)
	}
	end := len(vars)
	if count >= 0 && start+count < end {
		end = start + count
	}
	return vars[start:end]
}
