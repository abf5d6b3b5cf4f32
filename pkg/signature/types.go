// Package signature parses generic Signature attributes into a symbol tree
// and decides structural compatibility between two such trees.
package signature

import (
	"strings"
)

// Wildcard is the variance of a type argument.
type Wildcard uint8

const (
	Exact Wildcard = iota
	Extends
	Super
	Any
)

func (w Wildcard) String() string {
	switch w {
	case Extends:
		return "extends"
	case Super:
		return "super"
	case Any:
		return "any"
	}
	return "exact"
}

// Type is one of *BaseType, *TypeVariable or *ClassType.
type Type interface {
	String() string
	// Dimensions is the number of array dimensions wrapped around the type.
	Dimensions() int
	withDims(dims int) Type
}

// BaseType is a primitive type or void; Desc is its descriptor letter.
type BaseType struct {
	Desc byte
	Dims int
}

// TypeVariable is a reference to a formal type parameter by name.
type TypeVariable struct {
	Name string
	Dims int
}

// ClassType is a possibly parameterized class type. For an inner class of
// a parameterized outer class, Owner holds the outer part and Raw is the
// full binary name ("a/Outer$Inner").
type ClassType struct {
	Raw   string
	Dims  int
	Args  []TypeArg
	Owner *ClassType
}

// TypeArg is one type argument. Type is nil for Any.
type TypeArg struct {
	Wildcard Wildcard
	Type     Type
}

// FormalTypeParameter declares a type variable with its bounds. ClassBound
// may be nil when only interface bounds are given.
type FormalTypeParameter struct {
	Name            string
	ClassBound      Type
	InterfaceBounds []Type
}

// Bounds returns every bound, class bound first. A parameter without
// bounds is bounded by java/lang/Object.
func (p *FormalTypeParameter) Bounds() []Type {
	var out []Type
	if p.ClassBound != nil {
		out = append(out, p.ClassBound)
	}
	out = append(out, p.InterfaceBounds...)
	if len(out) == 0 {
		out = append(out, Object)
	}
	return out
}

// Signature is a parsed class or method signature. Class signatures fill
// Super and Interfaces; method signatures fill Params, Return and
// Exceptions.
type Signature struct {
	FormalParams []*FormalTypeParameter
	Params       []Type
	Return       Type
	Exceptions   []Type
	Super        *ClassType
	Interfaces   []*ClassType
}

// IsMethod reports whether s was parsed from a method signature.
func (s *Signature) IsMethod() bool { return s.Return != nil }

// Object is the unparameterized java/lang/Object type.
var Object = &ClassType{Raw: "java/lang/Object"}

func (t *BaseType) Dimensions() int     { return t.Dims }
func (t *TypeVariable) Dimensions() int { return t.Dims }
func (t *ClassType) Dimensions() int    { return t.Dims }

func (t *BaseType) withDims(dims int) Type {
	c := *t
	c.Dims = dims
	return &c
}

func (t *TypeVariable) withDims(dims int) Type {
	c := *t
	c.Dims = dims
	return &c
}

func (t *ClassType) withDims(dims int) Type {
	c := *t
	c.Dims = dims
	return &c
}

func (t *BaseType) String() string {
	return strings.Repeat("[", t.Dims) + string(t.Desc)
}

func (t *TypeVariable) String() string {
	return strings.Repeat("[", t.Dims) + "T" + t.Name + ";"
}

func (t *ClassType) String() string {
	var sb strings.Builder
	sb.WriteString(strings.Repeat("[", t.Dims))
	sb.WriteByte('L')
	t.writeBody(&sb)
	sb.WriteByte(';')
	return sb.String()
}

func (t *ClassType) writeBody(sb *strings.Builder) {
	if t.Owner != nil {
		t.Owner.writeBody(sb)
		sb.WriteByte('.')
		sb.WriteString(strings.TrimPrefix(t.Raw, t.Owner.Raw+"$"))
	} else {
		sb.WriteString(t.Raw)
	}
	if len(t.Args) == 0 {
		return
	}
	sb.WriteByte('<')
	for _, a := range t.Args {
		sb.WriteString(a.String())
	}
	sb.WriteByte('>')
}

// Descriptor is the erased field descriptor of t.
func (t *ClassType) Descriptor() string {
	return strings.Repeat("[", t.Dims) + "L" + t.Raw + ";"
}

func (a TypeArg) String() string {
	switch a.Wildcard {
	case Any:
		return "*"
	case Extends:
		return "+" + a.Type.String()
	case Super:
		return "-" + a.Type.String()
	}
	return a.Type.String()
}

func (p *FormalTypeParameter) String() string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	sb.WriteByte(':')
	if p.ClassBound != nil {
		sb.WriteString(p.ClassBound.String())
	}
	for _, b := range p.InterfaceBounds {
		sb.WriteByte(':')
		sb.WriteString(b.String())
	}
	return sb.String()
}

func (s *Signature) String() string {
	var sb strings.Builder
	if len(s.FormalParams) > 0 {
		sb.WriteByte('<')
		for _, p := range s.FormalParams {
			sb.WriteString(p.String())
		}
		sb.WriteByte('>')
	}
	if !s.IsMethod() {
		if s.Super != nil {
			sb.WriteString(s.Super.String())
		}
		for _, i := range s.Interfaces {
			sb.WriteString(i.String())
		}
		return sb.String()
	}
	sb.WriteByte('(')
	for _, p := range s.Params {
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	sb.WriteString(s.Return.String())
	for _, e := range s.Exceptions {
		sb.WriteByte('^')
		sb.WriteString(e.String())
	}
	return sb.String()
}

// Lookup returns the parameter named name, searching params in order.
func Lookup(params []*FormalTypeParameter, name string) *FormalTypeParameter {
	for _, p := range params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Env joins formal parameter lists into one environment; earlier lists
// shadow later ones, so pass the method's parameters before its class's.
func Env(lists ...[]*FormalTypeParameter) []*FormalTypeParameter {
	var out []*FormalTypeParameter
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
