package vm

import (
	"fmt"

	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
)

// executeInstruction executes one instruction. It returns the method's
// return value and true when the instruction returns.
func (vm *VM) executeInstruction(frame *Frame, in bytecode.Instruction) (Value, bool, error) {
	switch op := in.Op; {
	case op == bytecode.OpNop:
	case op == bytecode.OpAconstNull:
		frame.Push(NullValue())
	case op >= bytecode.OpIconstM1 && op <= bytecode.OpIconst5:
		frame.Push(IntValue(int32(op) - int32(bytecode.OpIconst0)))
	case op == bytecode.OpBipush, op == bytecode.OpSipush:
		frame.Push(IntValue(in.Const))
	case op == bytecode.OpLdc, op == bytecode.OpLdcW:
		return vm.executeLdc(frame, in.Index)

	case op == bytecode.OpIload, op == bytecode.OpAload:
		frame.Push(frame.GetLocal(int(in.Index)))
	case op >= bytecode.OpIload0 && op <= bytecode.OpIload3:
		frame.Push(frame.GetLocal(int(op - bytecode.OpIload0)))
	case op >= bytecode.OpAload0 && op <= bytecode.OpAload3:
		frame.Push(frame.GetLocal(int(op - bytecode.OpAload0)))
	case op == bytecode.OpIstore, op == bytecode.OpAstore:
		frame.SetLocal(int(in.Index), frame.Pop())
	case op >= bytecode.OpIstore0 && op <= bytecode.OpIstore3:
		frame.SetLocal(int(op-bytecode.OpIstore0), frame.Pop())
	case op >= bytecode.OpAstore0 && op <= bytecode.OpAstore3:
		frame.SetLocal(int(op-bytecode.OpAstore0), frame.Pop())

	case op == bytecode.OpPop:
		frame.Pop()
	case op == bytecode.OpDup:
		frame.Push(frame.Peek())
	case op == bytecode.OpIadd, op == bytecode.OpIsub, op == bytecode.OpImul:
		b := frame.Pop().Int
		a := frame.Pop().Int
		switch op {
		case bytecode.OpIadd:
			frame.Push(IntValue(a + b))
		case bytecode.OpIsub:
			frame.Push(IntValue(a - b))
		default:
			frame.Push(IntValue(a * b))
		}
	case op == bytecode.OpIinc:
		v := frame.GetLocal(int(in.Index))
		frame.SetLocal(int(in.Index), IntValue(v.Int+in.Const))

	case op >= bytecode.OpIfeq && op <= bytecode.OpIfle:
		if compare(op-bytecode.OpIfeq, frame.Pop().Int, 0) {
			frame.PC = in.Target
		}
	case op >= bytecode.OpIfIcmpeq && op <= bytecode.OpIfIcmple:
		b := frame.Pop().Int
		a := frame.Pop().Int
		if compare(op-bytecode.OpIfIcmpeq, a, b) {
			frame.PC = in.Target
		}
	case op == bytecode.OpIfAcmpeq, op == bytecode.OpIfAcmpne:
		b := frame.Pop()
		a := frame.Pop()
		if same(a, b) == (op == bytecode.OpIfAcmpeq) {
			frame.PC = in.Target
		}
	case op == bytecode.OpIfnull, op == bytecode.OpIfnonnull:
		isNull := frame.Pop().Type == TypeNull
		if isNull == (op == bytecode.OpIfnull) {
			frame.PC = in.Target
		}
	case op == bytecode.OpGoto, op == bytecode.OpGotoW:
		frame.PC = in.Target

	case op == bytecode.OpIreturn, op == bytecode.OpAreturn:
		return frame.Pop(), true, nil
	case op == bytecode.OpReturn:
		return Value{}, true, nil
	case op == bytecode.OpAthrow:
		v := frame.Pop()
		if v.Type == TypeNull {
			return Value{}, false, NewJavaException("java/lang/NullPointerException")
		}
		obj := v.Object()
		if obj == nil {
			return Value{}, false, fmt.Errorf("athrow: operand is not an object")
		}
		return Value{}, false, &JavaException{Object: obj}

	case op == bytecode.OpGetfield, op == bytecode.OpPutfield, op == bytecode.OpGetstatic, op == bytecode.OpPutstatic:
		return vm.executeField(frame, in)
	case op == bytecode.OpInvokevirtual, op == bytecode.OpInvokespecial, op == bytecode.OpInvokestatic, op == bytecode.OpInvokeinterface:
		return vm.executeInvoke(frame, in)

	case op == bytecode.OpNew:
		className, err := classfile.GetClassName(frame.Class.File.ConstantPool, in.Index)
		if err != nil {
			return Value{}, false, fmt.Errorf("new: %w", err)
		}
		frame.Push(RefValue(NewObject(className)))
	case op == bytecode.OpCheckcast, op == bytecode.OpInstanceof:
		return vm.executeTypeCheck(frame, in)

	default:
		return Value{}, false, fmt.Errorf("unsupported opcode %s at instruction %d", bytecode.Name(op), frame.PC-1)
	}
	return Value{}, false, nil
}

// compare evaluates the condition of the n-th if<cond> variant:
// eq, ne, lt, ge, gt, le.
func compare(n byte, a, b int32) bool {
	switch n {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a >= b
	case 4:
		return a > b
	}
	return a <= b
}

func same(a, b Value) bool {
	if a.Type == TypeNull || b.Type == TypeNull {
		return a.Type == b.Type
	}
	return a.Ref == b.Ref
}

// executeLdc handles the ldc instruction.
func (vm *VM) executeLdc(frame *Frame, index uint16) (Value, bool, error) {
	pool := frame.Class.File.ConstantPool
	if int(index) >= len(pool) || pool[index] == nil {
		return Value{}, false, fmt.Errorf("ldc: invalid constant pool index %d", index)
	}

	switch c := pool[index].(type) {
	case *classfile.ConstantInteger:
		frame.Push(IntValue(c.Value))
	case *classfile.ConstantString:
		str, err := classfile.GetUtf8(pool, c.StringIndex)
		if err != nil {
			return Value{}, false, fmt.Errorf("ldc: resolving string: %w", err)
		}
		frame.Push(RefValue(str))
	default:
		return Value{}, false, fmt.Errorf("ldc: unsupported constant pool entry type at index %d (tag=%d)", index, pool[index].Tag())
	}
	return Value{}, false, nil
}

// executeField handles getfield, putfield, getstatic and putstatic.
func (vm *VM) executeField(frame *Frame, in bytecode.Instruction) (Value, bool, error) {
	name := bytecode.Name(in.Op)
	ref, err := classfile.ResolveMemberref(frame.Class.File.ConstantPool, in.Index)
	if err != nil {
		return Value{}, false, fmt.Errorf("%s: %w", name, err)
	}

	switch in.Op {
	case bytecode.OpGetstatic, bytecode.OpPutstatic:
		c, ok := vm.classes[ref.ClassName]
		if !ok {
			return Value{}, false, fmt.Errorf("%s: class %s not loaded", name, ref.ClassName)
		}
		if in.Op == bytecode.OpPutstatic {
			c.Statics[ref.Name] = frame.Pop()
			return Value{}, false, nil
		}
		v, ok := c.Statics[ref.Name]
		if !ok {
			v = zero(ref.Descriptor)
		}
		frame.Push(v)
		return Value{}, false, nil
	}

	var value Value
	if in.Op == bytecode.OpPutfield {
		value = frame.Pop()
	}
	recv := frame.Pop()
	if recv.Type == TypeNull {
		return Value{}, false, NewJavaException("java/lang/NullPointerException")
	}
	obj := recv.Object()
	if obj == nil {
		return Value{}, false, fmt.Errorf("%s: receiver is not an object", name)
	}
	if in.Op == bytecode.OpPutfield {
		obj.Fields[ref.Name] = value
		return Value{}, false, nil
	}
	v, ok := obj.Fields[ref.Name]
	if !ok {
		v = zero(ref.Descriptor)
	}
	frame.Push(v)
	return Value{}, false, nil
}

// executeInvoke handles the four invoke instructions. Virtual and
// interface calls dispatch on the receiver's class.
func (vm *VM) executeInvoke(frame *Frame, in bytecode.Instruction) (Value, bool, error) {
	name := bytecode.Name(in.Op)
	ref, err := classfile.ResolveMemberref(frame.Class.File.ConstantPool, in.Index)
	if err != nil {
		return Value{}, false, fmt.Errorf("%s: %w", name, err)
	}
	params, ret, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		return Value{}, false, fmt.Errorf("%s: %w", name, err)
	}

	n := len(params)
	if in.Op != bytecode.OpInvokestatic {
		n++
	}
	args := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = frame.Pop()
	}

	start := ref.ClassName
	if in.Op == bytecode.OpInvokevirtual || in.Op == bytecode.OpInvokeinterface {
		if args[0].Type == TypeNull {
			return Value{}, false, NewJavaException("java/lang/NullPointerException")
		}
		if obj := args[0].Object(); obj != nil {
			start = obj.ClassName
		}
	}

	retVal, err := vm.invoke(start, ref.ClassName, ref.Name, ref.Descriptor, args)
	if err != nil {
		return Value{}, false, err
	}
	if ret != "V" {
		frame.Push(retVal)
	}
	return Value{}, false, nil
}

// executeTypeCheck handles checkcast and instanceof. Strings are
// instances of String and Object only.
func (vm *VM) executeTypeCheck(frame *Frame, in bytecode.Instruction) (Value, bool, error) {
	target, err := classfile.GetClassName(frame.Class.File.ConstantPool, in.Index)
	if err != nil {
		return Value{}, false, fmt.Errorf("%s: %w", bytecode.Name(in.Op), err)
	}
	v := frame.Pop()

	var ok bool
	switch ref := v.Ref.(type) {
	case *Object:
		ok = vm.IsInstance(ref.ClassName, target)
	case string:
		ok = target == "java/lang/String" || target == classfile.ObjectClass
	}

	if in.Op == bytecode.OpInstanceof {
		if ok {
			frame.Push(IntValue(1))
		} else {
			frame.Push(IntValue(0))
		}
		return Value{}, false, nil
	}
	if v.Type != TypeNull && !ok {
		return Value{}, false, NewJavaException("java/lang/ClassCastException")
	}
	frame.Push(v)
	return Value{}, false, nil
}
