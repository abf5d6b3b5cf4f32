package analysis

import (
	"fmt"
	"strings"

	"github.com/daimatz/jweave/pkg/classfile"
)

// Kind is the verification type category of a local or stack slot.
type Kind uint8

const (
	Top Kind = iota
	Integer
	Float
	Long
	Double
	Null
	UninitializedThis
	Object
	Uninitialized
)

// Type is a verification type. Long and Double values take two slots;
// the second one is Top.
type Type struct {
	Kind Kind

	// Name is the internal class name or array descriptor of an Object.
	Name string

	// NewAt is the index of the new instruction that created an
	// Uninitialized value.
	NewAt int
}

// Well-known types.
var (
	TopType       = Type{Kind: Top}
	IntType       = Type{Kind: Integer}
	FloatType     = Type{Kind: Float}
	LongType      = Type{Kind: Long}
	DoubleType    = Type{Kind: Double}
	NullType      = Type{Kind: Null}
	ObjectRoot    = ObjectOf(classfile.ObjectClass)
	StringType    = ObjectOf("java/lang/String")
	ClassType     = ObjectOf("java/lang/Class")
	ThrowableType = ObjectOf("java/lang/Throwable")
)

// ObjectOf is the verification type of a class or array.
func ObjectOf(name string) Type {
	return Type{Kind: Object, Name: name}
}

// FromDescriptor maps a field descriptor to its verification type.
func FromDescriptor(desc string) Type {
	switch desc[0] {
	case 'Z', 'B', 'C', 'S', 'I':
		return IntType
	case 'F':
		return FloatType
	case 'J':
		return LongType
	case 'D':
		return DoubleType
	}
	return ObjectOf(classfile.InternalName(desc))
}

// IsReference reports whether t can hold an object reference.
func (t Type) IsReference() bool {
	switch t.Kind {
	case Null, Object, UninitializedThis, Uninitialized:
		return true
	}
	return false
}

// IsWide reports whether t takes two slots.
func (t Type) IsWide() bool {
	return t.Kind == Long || t.Kind == Double
}

// Descriptor renders t as a field descriptor. Integer maps to "I",
// Null to Object, and types without a descriptor to "".
func (t Type) Descriptor() string {
	switch t.Kind {
	case Integer:
		return "I"
	case Float:
		return "F"
	case Long:
		return "J"
	case Double:
		return "D"
	case Null:
		return classfile.ObjectType(classfile.ObjectClass)
	case Object:
		return classfile.ObjectType(t.Name)
	}
	return ""
}

func (t Type) String() string {
	switch t.Kind {
	case Top:
		return "top"
	case Null:
		return "null"
	case UninitializedThis:
		return "uninitializedThis"
	case Uninitialized:
		return fmt.Sprintf("uninitialized(@%d)", t.NewAt)
	}
	return t.Descriptor()
}

// Frame is the state of the locals and operand stack before an
// instruction executes.
type Frame struct {
	Locals []Type
	Stack  []Type
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	return &Frame{
		Locals: append([]Type(nil), f.Locals...),
		Stack:  append([]Type(nil), f.Stack...),
	}
}

// StackValues returns the stack with the Top halves of wide values
// removed, bottom first.
func (f *Frame) StackValues() []Type {
	return values(f.Stack)
}

// StackString renders the stack for diagnostics, e.g. "[I, Ljava/lang/String;]".
func (f *Frame) StackString() string {
	vals := f.StackValues()
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Local returns the type held in slot, or Top if the slot is out of range.
func (f *Frame) Local(slot int) Type {
	if slot < 0 || slot >= len(f.Locals) {
		return TopType
	}
	return f.Locals[slot]
}

func (f *Frame) push(t Type) {
	f.Stack = append(f.Stack, t)
	if t.IsWide() {
		f.Stack = append(f.Stack, TopType)
	}
}

func (f *Frame) popWords(n int) ([]Type, error) {
	if len(f.Stack) < n {
		return nil, fmt.Errorf("operand stack underflow")
	}
	words := f.Stack[len(f.Stack)-n:]
	f.Stack = f.Stack[:len(f.Stack)-n]
	return append([]Type(nil), words...), nil
}

// pop removes the top value, both halves for a wide one.
func (f *Frame) pop() (Type, error) {
	if len(f.Stack) == 0 {
		return TopType, fmt.Errorf("operand stack underflow")
	}
	n := len(f.Stack)
	if top := f.Stack[n-1]; top.Kind != Top || n < 2 || !f.Stack[n-2].IsWide() {
		f.Stack = f.Stack[:n-1]
		return top, nil
	}
	wide := f.Stack[n-2]
	f.Stack = f.Stack[:n-2]
	return wide, nil
}

// popN pops n values, ignoring their types.
func (f *Frame) popN(n int) error {
	for i := 0; i < n; i++ {
		if _, err := f.pop(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Frame) setLocal(slot int, t Type) {
	need := slot + 1
	if t.IsWide() {
		need++
	}
	for len(f.Locals) < need {
		f.Locals = append(f.Locals, TopType)
	}
	if slot > 0 && f.Locals[slot-1].IsWide() {
		f.Locals[slot-1] = TopType
	}
	f.Locals[slot] = t
	if t.IsWide() {
		f.Locals[slot+1] = TopType
	}
}

// replace substitutes every occurrence of from, used when a constructor
// call initializes a value.
func (f *Frame) replace(from, to Type) {
	for i := range f.Locals {
		if f.Locals[i] == from {
			f.Locals[i] = to
		}
	}
	for i := range f.Stack {
		if f.Stack[i] == from {
			f.Stack[i] = to
		}
	}
}

// values drops the Top halves that follow wide values.
func values(slots []Type) []Type {
	out := make([]Type, 0, len(slots))
	for i := 0; i < len(slots); i++ {
		out = append(out, slots[i])
		if slots[i].IsWide() {
			i++
		}
	}
	return out
}
