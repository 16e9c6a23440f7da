// Copyright © 2018 The ELPS authors

package debugger

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// ReflectDescriber describes plain Go values using reflection. Booleans,
// numbers and strings are primitives, slices and arrays are collections,
// maps and structs are records, and functions and channels are opaque.
// Errors are records with a message and the wrapped cause.
type ReflectDescriber struct{}

var _ ValueDescriber = ReflectDescriber{}

// Describe implements ValueDescriber. It never returns nil.
func (ReflectDescriber) Describe(v any) Value {
	if v == nil {
		return primitive{typ: "nil", text: "nil"}
	}
	if err, ok := v.(error); ok {
		return errorValue{err: err}
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return primitive{typ: fmt.Sprintf("%T", v), text: "nil"}
		}
		rv = rv.Elem()
	}
	return reflectValue{rv: rv, typ: fmt.Sprintf("%T", v)}
}

type primitive struct {
	typ  string
	text string
}

func (p primitive) Kind() Kind       { return KindPrimitive }
func (p primitive) TypeName() string { return p.typ }
func (p primitive) String() string   { return p.text }

type errorValue struct {
	err error
}

func (e errorValue) Kind() Kind       { return KindRecord }
func (e errorValue) TypeName() string { return "error" }
func (e errorValue) String() string   { return e.err.Error() }

func (e errorValue) Counts() (int, int) {
	if errors.Unwrap(e.err) != nil {
		return 3, 0
	}
	return 2, 0
}

func (e errorValue) Children() []Child {
	children := []Child{
		{Name: "message", Value: e.err.Error()},
		{Name: "type", Value: fmt.Sprintf("%T", e.err)},
	}
	if cause := errors.Unwrap(e.err); cause != nil {
		children = append(children, Child{Name: "cause", Value: cause})
	}
	return children
}

type reflectValue struct {
	rv  reflect.Value
	typ string
}

func (r reflectValue) Kind() Kind {
	switch r.rv.Kind() {
	case reflect.Slice, reflect.Array:
		return KindCollection
	case reflect.Map, reflect.Struct:
		return KindRecord
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Invalid:
		return KindOpaque
	}
	return KindPrimitive
}

func (r reflectValue) TypeName() string { return r.typ }

func (r reflectValue) String() string {
	rv := r.rv
	switch rv.Kind() {
	case reflect.String:
		return strconv.Quote(rv.String())
	case reflect.Slice, reflect.Array, reflect.Map:
		return fmt.Sprintf("%s (len %d)", rv.Type(), rv.Len())
	case reflect.Struct:
		return rv.Type().String()
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("%s %#x", rv.Type(), rv.Pointer())
	case reflect.Invalid:
		return "invalid"
	}
	return fmt.Sprint(rv.Interface())
}

func (r reflectValue) Counts() (named, indexed int) {
	switch r.rv.Kind() {
	case reflect.Slice, reflect.Array:
		return 0, r.rv.Len()
	case reflect.Map:
		return r.rv.Len(), 0
	case reflect.Struct:
		return len(exportedFields(r.rv.Type())), 0
	}
	return 0, 0
}

func (r reflectValue) Children() []Child {
	rv := r.rv
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		children := make([]Child, rv.Len())
		for i := range children {
			children[i] = Child{Name: strconv.Itoa(i), Value: rv.Index(i).Interface()}
		}
		return children
	case reflect.Map:
		keys := rv.MapKeys()
		children := make([]Child, len(keys))
		for i, k := range keys {
			children[i] = Child{Name: fmt.Sprint(k.Interface()), Value: rv.MapIndex(k).Interface()}
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
		return children
	case reflect.Struct:
		var children []Child
		for _, i := range exportedFields(rv.Type()) {
			f := rv.Type().Field(i)
			children = append(children, Child{Name: f.Name, Value: rv.Field(i).Interface()})
		}
		return children
	}
	return nil
}

// SetChild assigns slice/array elements, map entries with string keys and
// exported fields of structs reached through a pointer.
func (r reflectValue) SetChild(name string, value any) (any, error) {
	rv := r.rv
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, fmt.Errorf("%w: no element %q", ErrInvalidValue, name)
		}
		elem := rv.Index(i)
		if !elem.CanSet() {
			return nil, ErrNotMutable
		}
		nv, err := convertJSON(value, elem.Type())
		if err != nil {
			return nil, err
		}
		elem.Set(nv)
		return elem.Interface(), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, ErrNotMutable
		}
		nv, err := convertJSON(value, rv.Type().Elem())
		if err != nil {
			return nil, err
		}
		rv.SetMapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()), nv)
		return nv.Interface(), nil
	case reflect.Struct:
		f := rv.FieldByName(name)
		if !f.IsValid() {
			return nil, fmt.Errorf("%w: no field %q", ErrInvalidValue, name)
		}
		if !f.CanSet() {
			return nil, ErrNotMutable
		}
		nv, err := convertJSON(value, f.Type())
		if err != nil {
			return nil, err
		}
		f.Set(nv)
		return f.Interface(), nil
	}
	return nil, ErrNotMutable
}

func exportedFields(t reflect.Type) []int {
	var idx []int
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			idx = append(idx, i)
		}
	}
	return idx
}

// convertJSON converts a decoded JSON value to typ.
func convertJSON(value any, typ reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(typ), nil
	}
	jv := reflect.ValueOf(value)
	if jv.Type().AssignableTo(typ) {
		return jv, nil
	}
	switch typ.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if f, ok := value.(float64); ok {
			return reflect.ValueOf(f).Convert(typ), nil
		}
	case reflect.String, reflect.Bool:
		if jv.Type().ConvertibleTo(typ) && jv.Kind() == typ.Kind() {
			return jv.Convert(typ), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("%w: cannot assign %T to %s", ErrInvalidValue, value, typ)
}
