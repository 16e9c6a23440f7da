// Copyright © 2018 The ELPS authors

package debugger

// Kind is the semantic category of a described value.
type Kind int

const (
	// KindPrimitive values have no children (numbers, strings, nil).
	KindPrimitive Kind = iota
	// KindCollection values expose indexed children.
	KindCollection
	// KindRecord values expose named children.
	KindRecord
	// KindOpaque values are shown by type and display string only
	// (functions, channels, host handles).
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindCollection:
		return "collection"
	case KindRecord:
		return "record"
	case KindOpaque:
		return "opaque"
	}
	return "unknown"
}

// Value is the rendering of a live object. A host object that implements
// Value describes itself; any other object is handed to the configured
// ValueDescriber.
type Value interface {
	Kind() Kind
	TypeName() string
	String() string
}

// Structured is implemented by collection and record values. Children are
// materialized only when a client expands the value.
type Structured interface {
	Value
	// Counts returns the number of named and indexed children.
	Counts() (named, indexed int)
	Children() []Child
}

// Mutable is implemented by values whose children can be assigned while
// the owning thread is suspended. The value passed to SetChild is a
// decoded JSON value (nil, bool, float64, string, []any, map[string]any).
// SetChild returns the value actually stored.
type Mutable interface {
	SetChild(name string, value any) (any, error)
}

// ParentScopes is implemented by activation objects that have enclosing
// lexical scopes. Each parent is shown as a "closure" scope.
type ParentScopes interface {
	ParentScopes() []any
}

// Child is one member of a structured value.
type Child struct {
	Name  string
	Value any
	Hint  *PresentationHint
}

// ValueDescriber renders host objects. Describe returns nil when it does
// not recognize v, in which case the ReflectDescriber is used.
type ValueDescriber interface {
	Describe(v any) Value
}

// ValueDescriberFunc adapts a function to the ValueDescriber interface.
type ValueDescriberFunc func(v any) Value

// Describe implements ValueDescriber.
func (fn ValueDescriberFunc) Describe(v any) Value {
	return fn(v)
}

// PresentationHint tells a client how to display a variable.
type PresentationHint struct {
	Kind       string   `json:"kind,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
}

// DefaultPresentationHint is used when a caller supplies none.
func DefaultPresentationHint() *PresentationHint {
	return &PresentationHint{Kind: "property", Attributes: []string{}, Visibility: "public"}
}

// Variable is the client-facing description of one value.
type Variable struct {
	Name               string            `json:"name"`
	Value              string            `json:"value"`
	Type               string            `json:"type,omitempty"`
	EvaluateName       string            `json:"evaluateName,omitempty"`
	VariablesReference int               `json:"variablesReference"`
	NamedVariables     int               `json:"namedVariables,omitempty"`
	IndexedVariables   int               `json:"indexedVariables,omitempty"`
	PresentationHint   *PresentationHint `json:"presentationHint,omitempty"`
}

// errorVariable describes a failed request without allocating a handle.
func errorVariable(name string, err error) Variable {
	if name == "" {
		name = "error"
	}
	return Variable{
		Name:             name,
		Value:            err.Error(),
		Type:             "error",
		PresentationHint: DefaultPresentationHint(),
	}
}

// describerChain consults the host describer and falls back to reflection.
type describerChain struct {
	host    ValueDescriber
	reflect ReflectDescriber
}

func (c describerChain) Describe(v any) Value {
	if val, ok := v.(Value); ok {
		return val
	}
	if c.host != nil {
		if val := c.host.Describe(v); val != nil {
			return val
		}
	}
	return c.reflect.Describe(v)
}
