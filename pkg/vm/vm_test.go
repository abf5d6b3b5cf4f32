package vm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/jweave/internal/classtest"
	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
)

func insn(op byte) bytecode.Instruction { return bytecode.Instruction{Op: op} }

func load(t *testing.T, vm *VM, classes ...*classtest.Class) {
	t.Helper()
	for _, c := range classes {
		_, err := vm.Load(c.Bytes())
		require.NoError(t, err)
	}
}

func TestFramePushPop(t *testing.T) {
	t.Run("LIFO order", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)
		frame.Push(IntValue(10))
		frame.Push(IntValue(20))
		frame.Push(IntValue(30))

		assert.Equal(t, int32(30), frame.Pop().Int)
		assert.Equal(t, int32(20), frame.Peek().Int)
		assert.Equal(t, int32(20), frame.Pop().Int)
		assert.Equal(t, int32(10), frame.Pop().Int)
	})

	t.Run("clear empties the stack", func(t *testing.T) {
		frame := NewFrame(0, 2, nil, nil)
		frame.Push(IntValue(1))
		frame.Clear()
		frame.Push(NullValue())
		frame.Push(RefValue("s"))
		assert.Equal(t, TypeRef, frame.Pop().Type)
		assert.Equal(t, TypeNull, frame.Pop().Type)
	})

	t.Run("overflow and underflow panic", func(t *testing.T) {
		frame := NewFrame(1, 1, nil, nil)
		frame.Push(IntValue(1))
		assert.Panics(t, func() { frame.Push(IntValue(2)) })
		frame.Pop()
		assert.Panics(t, func() { frame.Pop() })
		assert.Panics(t, func() { frame.GetLocal(1) })
	})
}

// counter is
//
//	class Counter {
//	    int n;
//	    static int created;
//	    Counter() { created++; }
//	    void add(int k) { n += k; }
//	    int get() { return n; }
//	    static int max(int a, int b) { return a >= b ? a : b; }
//	}
func counter(t *testing.T) *classtest.Class {
	t.Helper()
	c := classtest.New(t, "demo/Counter", classfile.ObjectClass)
	c.Field(0, "n", "I", "")
	c.Field(classfile.AccStatic, "created", "I", "")
	n := c.PB.Fieldref("demo/Counter", "n", "I")
	created := c.PB.Fieldref("demo/Counter", "created", "I")
	c.Method(0, "<init>", "()V", classtest.Member{},
		insn(bytecode.OpAload0),
		bytecode.Instruction{Op: bytecode.OpInvokespecial, Index: c.PB.Methodref(classfile.ObjectClass, "<init>", "()V")},
		bytecode.Instruction{Op: bytecode.OpGetstatic, Index: created},
		insn(bytecode.OpIconst1),
		insn(bytecode.OpIadd),
		bytecode.Instruction{Op: bytecode.OpPutstatic, Index: created},
		insn(bytecode.OpReturn))
	c.Method(0, "add", "(I)V", classtest.Member{},
		insn(bytecode.OpAload0),
		insn(bytecode.OpDup),
		bytecode.Instruction{Op: bytecode.OpGetfield, Index: n},
		insn(bytecode.OpIload1),
		insn(bytecode.OpIadd),
		bytecode.Instruction{Op: bytecode.OpPutfield, Index: n},
		insn(bytecode.OpReturn))
	c.Method(0, "get", "()I", classtest.Member{},
		insn(bytecode.OpAload0),
		bytecode.Instruction{Op: bytecode.OpGetfield, Index: n},
		insn(bytecode.OpIreturn))
	c.Method(classfile.AccStatic, "max", "(II)I", classtest.Member{},
		insn(bytecode.OpIload0),
		insn(bytecode.OpIload1),
		bytecode.Instruction{Op: bytecode.OpIfIcmpge, Target: 4},
		bytecode.Instruction{Op: bytecode.OpGoto, Target: 6},
		insn(bytecode.OpIload0),
		insn(bytecode.OpIreturn),
		insn(bytecode.OpIload1),
		insn(bytecode.OpIreturn))
	return c
}

func TestFieldsAndStatics(t *testing.T) {
	vm := NewVM()
	load(t, vm, counter(t))

	obj, err := vm.Instantiate("demo/Counter")
	require.NoError(t, err)
	_, err = vm.Instantiate("demo/Counter")
	require.NoError(t, err)

	got, err := vm.InvokeVirtual(obj, "get", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(0), got.Int)

	for _, k := range []int32{3, 4} {
		_, err = vm.InvokeVirtual(obj, "add", "(I)V", IntValue(k))
		require.NoError(t, err)
	}
	got, err = vm.InvokeVirtual(obj, "get", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got.Int)

	c, ok := vm.Class("demo/Counter")
	require.True(t, ok)
	assert.Equal(t, int32(2), c.Statics["created"].Int)
}

func TestBranches(t *testing.T) {
	vm := NewVM()
	load(t, vm, counter(t))
	for _, tc := range []struct{ a, b, want int32 }{{1, 2, 2}, {5, -3, 5}, {4, 4, 4}} {
		got, err := vm.Invoke("demo/Counter", "max", "(II)I", IntValue(tc.a), IntValue(tc.b))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.Int, "max(%d, %d)", tc.a, tc.b)
	}
}

func TestNativesAndMissingMethods(t *testing.T) {
	c := classtest.New(t, "demo/Main", classfile.ObjectClass)
	c.Method(classfile.AccStatic, "run", "()V", classtest.Member{},
		bytecode.Instruction{Op: bytecode.OpBipush, Const: 42},
		bytecode.Instruction{Op: bytecode.OpInvokestatic, Index: c.PB.Methodref("demo/Log", "print", "(I)V")},
		insn(bytecode.OpReturn))

	vm := NewVM()
	load(t, vm, c)
	_, err := vm.Invoke("demo/Main", "run", "()V")
	assert.ErrorIs(t, err, ErrNoSuchMethod)

	var printed []int32
	vm.Native("demo/Log", "print", "(I)V", func(args []Value) (Value, error) {
		printed = append(printed, args[0].Int)
		return Value{}, nil
	})
	_, err = vm.Invoke("demo/Main", "run", "()V")
	require.NoError(t, err)
	assert.Equal(t, []int32{42}, printed)
}

func TestDefaultMethodDispatch(t *testing.T) {
	named := classtest.NewInterface(t, "demo/Named")
	named.Method(classfile.AccPublic, "id", "()I", classtest.Member{},
		bytecode.Instruction{Op: bytecode.OpBipush, Const: 7},
		insn(bytecode.OpIreturn))

	base := classtest.New(t, "demo/Base", classfile.ObjectClass, "demo/Named")
	sub := classtest.New(t, "demo/Sub", "demo/Base")
	sub.Method(classfile.AccStatic, "call", "(Ldemo/Named;)I", classtest.Member{},
		insn(bytecode.OpAload0),
		bytecode.Instruction{Op: bytecode.OpInvokeinterface, Index: sub.PB.InterfaceMethodref("demo/Named", "id", "()I"), Const: 1},
		insn(bytecode.OpIreturn))

	vm := NewVM()
	load(t, vm, named, base, sub)
	assert.True(t, vm.IsInstance("demo/Sub", "demo/Named"))
	assert.False(t, vm.IsInstance("demo/Base", "demo/Sub"))

	obj, err := vm.Instantiate("demo/Sub")
	require.NoError(t, err)
	got, err := vm.Invoke("demo/Sub", "call", "(Ldemo/Named;)I", RefValue(obj))
	require.NoError(t, err)
	assert.Equal(t, int32(7), got.Int)
}

func TestExceptions(t *testing.T) {
	c := classtest.New(t, "demo/Main", classfile.ObjectClass)
	c.Method(classfile.AccStatic, "cast", "(Ljava/lang/Object;)Ljava/lang/Object;", classtest.Member{},
		insn(bytecode.OpAload0),
		bytecode.Instruction{Op: bytecode.OpCheckcast, Index: c.PB.Class("demo/Main")},
		insn(bytecode.OpAreturn))
	c.Method(classfile.AccStatic, "fail", "()V", classtest.Member{},
		bytecode.Instruction{Op: bytecode.OpNew, Index: c.PB.Class("java/lang/IllegalStateException")},
		insn(bytecode.OpDup),
		bytecode.Instruction{Op: bytecode.OpInvokespecial, Index: c.PB.Methodref("java/lang/IllegalStateException", "<init>", "()V")},
		insn(bytecode.OpAthrow))

	vm := NewVM()
	load(t, vm, c)
	vm.Native("java/lang/IllegalStateException", "<init>", "()V", func([]Value) (Value, error) { return Value{}, nil })

	got, err := vm.Invoke("demo/Main", "cast", "(Ljava/lang/Object;)Ljava/lang/Object;", NullValue())
	require.NoError(t, err)
	assert.Equal(t, TypeNull, got.Type)

	var je *JavaException
	_, err = vm.Invoke("demo/Main", "cast", "(Ljava/lang/Object;)Ljava/lang/Object;", RefValue("text"))
	require.True(t, errors.As(err, &je))
	assert.Equal(t, "java/lang/ClassCastException", je.Object.ClassName)

	_, err = vm.Invoke("demo/Main", "fail", "()V")
	require.True(t, errors.As(err, &je))
	assert.Equal(t, "java/lang/IllegalStateException", je.Object.ClassName)

	_, err = vm.Invoke("demo/Main", "cast", "()V")
	assert.ErrorIs(t, err, ErrNoSuchMethod)
}

func TestArgumentCountIsChecked(t *testing.T) {
	vm := NewVM()
	load(t, vm, counter(t))
	_, err := vm.Invoke("demo/Counter", "max", "(II)I", IntValue(1))
	assert.ErrorContains(t, err, "got 1 arguments, want 2")
}
