package vm

import (
	"fmt"

	"github.com/daimatz/jweave/pkg/bytecode"
)

// ValueType represents the type of a Value on the stack or in local variables.
type ValueType int

const (
	TypeInt ValueType = iota
	TypeRef
	TypeNull
)

// Value represents a value on the operand stack or in local variables.
// long and double are not modeled.
type Value struct {
	Type ValueType
	Int  int32
	Ref  any
}

// IntValue creates an integer Value.
func IntValue(v int32) Value {
	return Value{Type: TypeInt, Int: v}
}

// RefValue creates a reference Value.
func RefValue(ref any) Value {
	return Value{Type: TypeRef, Ref: ref}
}

// NullValue creates a null reference Value.
func NullValue() Value {
	return Value{Type: TypeNull}
}

// Object returns the object a reference value points to, or nil.
func (v Value) Object() *Object {
	o, _ := v.Ref.(*Object)
	return o
}

// zero is the default value of a field type.
func zero(fieldType string) Value {
	switch fieldType[0] {
	case 'L', '[':
		return NullValue()
	}
	return IntValue(0)
}

// Frame is the activation of one method. PC indexes Insns, not bytes.
type Frame struct {
	Locals []Value
	Stack  []Value
	Insns  []bytecode.Instruction
	PC     int
	Class  *Class
}

// NewFrame allocates locals and an empty operand stack of capacity maxStack.
func NewFrame(maxLocals, maxStack uint16, insns []bytecode.Instruction, class *Class) *Frame {
	return &Frame{
		Locals: make([]Value, maxLocals),
		Stack:  make([]Value, 0, maxStack),
		Insns:  insns,
		Class:  class,
	}
}

// Push panics when the stack would grow past max_stack.
func (f *Frame) Push(v Value) {
	if len(f.Stack) == cap(f.Stack) {
		panic(fmt.Sprintf("operand stack overflow at depth %d", cap(f.Stack)))
	}
	f.Stack = append(f.Stack, v)
}

func (f *Frame) Pop() Value {
	v := f.Peek()
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}

func (f *Frame) Peek() Value {
	if len(f.Stack) == 0 {
		panic("operand stack underflow")
	}
	return f.Stack[len(f.Stack)-1]
}

// Clear empties the operand stack, as entering an exception handler does.
func (f *Frame) Clear() {
	f.Stack = f.Stack[:0]
}

func (f *Frame) local(index int) *Value {
	if index < 0 || index >= len(f.Locals) {
		panic(fmt.Sprintf("local %d out of range [0, %d)", index, len(f.Locals)))
	}
	return &f.Locals[index]
}

// GetLocal and SetLocal panic on an index outside max_locals.
func (f *Frame) GetLocal(index int) Value { return *f.local(index) }

func (f *Frame) SetLocal(index int, v Value) { *f.local(index) = v }
