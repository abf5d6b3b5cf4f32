package analysis

import (
	"fmt"

	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
)

// Hierarchy answers the one class hierarchy question frame merging needs.
type Hierarchy interface {
	CommonSuperClass(a, b string) (string, error)
}

// Result holds the frame before every instruction. Frames of unreachable
// instructions are nil.
type Result struct {
	Frames   []*Frame
	MaxStack int
}

// Analyzer computes frames for the methods of one class.
type Analyzer struct {
	Class     *classfile.ClassFile
	Hierarchy Hierarchy

	// Declared frames, keyed by instruction index, are taken as given
	// instead of being merged. Decode them from the StackMapTable with
	// DeclaredFrames.
	Declared map[int]*Frame
}

type analysis struct {
	*Analyzer
	owner  string
	method *classfile.MethodInfo
	body   *bytecode.Body
	frames []*Frame
	queue  []int
	queued []bool
	max    int
}

// Analyze runs a worklist dataflow over body, starting from the frame the
// method's descriptor implies.
func (a *Analyzer) Analyze(m *classfile.MethodInfo, body *bytecode.Body) (*Result, error) {
	owner, err := a.Class.ClassName()
	if err != nil {
		return nil, err
	}
	initial, err := InitialFrame(owner, m, int(body.MaxLocals))
	if err != nil {
		return nil, err
	}
	if len(body.Insns) == 0 {
		return &Result{}, nil
	}

	an := &analysis{
		Analyzer: a,
		owner:    owner,
		method:   m,
		body:     body,
		frames:   make([]*Frame, len(body.Insns)),
		queued:   make([]bool, len(body.Insns)),
	}
	if err := an.merge(0, initial); err != nil {
		return nil, err
	}
	for len(an.queue) > 0 {
		i := an.queue[len(an.queue)-1]
		an.queue = an.queue[:len(an.queue)-1]
		an.queued[i] = false
		if err := an.step(i); err != nil {
			return nil, fmt.Errorf("%s%s at instruction %d (%s): %w", m.Name, m.Descriptor, i, body.Insns[i], err)
		}
	}
	return &Result{Frames: an.frames, MaxStack: an.max}, nil
}

// InitialFrame is the frame on method entry: the receiver (uninitialized
// in constructors) followed by the parameters.
func InitialFrame(owner string, m *classfile.MethodInfo, maxLocals int) (*Frame, error) {
	params, _, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		return nil, err
	}
	f := &Frame{}
	slot := 0
	if !m.IsStatic() {
		this := ObjectOf(owner)
		if m.Name == "<init>" && owner != classfile.ObjectClass {
			this = Type{Kind: UninitializedThis}
		}
		f.setLocal(0, this)
		slot = 1
	}
	for _, p := range params {
		t := FromDescriptor(p)
		f.setLocal(slot, t)
		slot += classfile.SlotSize(p)
	}
	for len(f.Locals) < maxLocals {
		f.Locals = append(f.Locals, TopType)
	}
	return f, nil
}

func (an *analysis) enqueue(i int) {
	if !an.queued[i] {
		an.queued[i] = true
		an.queue = append(an.queue, i)
	}
}

// merge folds in into the frame at instruction i and schedules i when it
// changed. Declared frames win over anything computed.
func (an *analysis) merge(i int, in *Frame) error {
	if i < 0 || i >= len(an.frames) {
		return fmt.Errorf("control flows to instruction %d outside the method", i)
	}
	if len(in.Stack) > an.max {
		an.max = len(in.Stack)
	}
	if decl, ok := an.Declared[i]; ok {
		if len(decl.Stack) != len(in.Stack) {
			return fmt.Errorf("stack depth %d does not match the declared frame at instruction %d (%d)", len(in.Stack), i, len(decl.Stack))
		}
		if an.frames[i] == nil {
			an.frames[i] = decl.Clone()
			an.enqueue(i)
		}
		return nil
	}

	cur := an.frames[i]
	if cur == nil {
		an.frames[i] = in.Clone()
		an.enqueue(i)
		return nil
	}
	if len(cur.Stack) != len(in.Stack) {
		return fmt.Errorf("inconsistent stack depth at instruction %d: %d vs %d", i, len(cur.Stack), len(in.Stack))
	}

	changed := false
	for s := range cur.Stack {
		t, err := an.mergeType(cur.Stack[s], in.Stack[s])
		if err != nil {
			return err
		}
		if t.Kind == Top && cur.Stack[s].Kind != Top {
			return fmt.Errorf("incompatible stack values at instruction %d: %s vs %s", i, cur.Stack[s], in.Stack[s])
		}
		if t != cur.Stack[s] {
			cur.Stack[s] = t
			changed = true
		}
	}
	n := len(cur.Locals)
	if len(in.Locals) < n {
		n = len(in.Locals)
	}
	for s := n; s < len(cur.Locals); s++ {
		if cur.Locals[s].Kind != Top {
			cur.Locals[s] = TopType
			changed = true
		}
	}
	for s := 0; s < n; s++ {
		t, err := an.mergeType(cur.Locals[s], in.Locals[s])
		if err != nil {
			return err
		}
		if t != cur.Locals[s] {
			cur.Locals[s] = t
			changed = true
		}
	}
	if changed {
		an.enqueue(i)
	}
	return nil
}

func (an *analysis) mergeType(a, b Type) (Type, error) {
	if a == b {
		return a, nil
	}
	switch {
	case a.Kind == Null && b.Kind == Object:
		return b, nil
	case a.Kind == Object && b.Kind == Null:
		return a, nil
	case a.Kind == Object && b.Kind == Object:
		if isArray(a.Name) || isArray(b.Name) {
			return ObjectRoot, nil
		}
		if an.Hierarchy == nil {
			return ObjectRoot, nil
		}
		common, err := an.Hierarchy.CommonSuperClass(a.Name, b.Name)
		if err != nil {
			return TopType, err
		}
		return ObjectOf(common), nil
	}
	return TopType, nil
}

func isArray(name string) bool {
	return len(name) > 0 && name[0] == '['
}

// step executes instruction i symbolically and propagates its result.
func (an *analysis) step(i int) error {
	in := an.body.Insns[i]
	before := an.frames[i]

	for _, h := range an.body.Handlers {
		if i < h.Start || i >= h.End {
			continue
		}
		caught := ThrowableType
		if h.CatchType != 0 {
			name, err := classfile.GetClassName(an.Class.ConstantPool, h.CatchType)
			if err != nil {
				return err
			}
			caught = ObjectOf(name)
		}
		hf := &Frame{Locals: before.Locals, Stack: []Type{caught}}
		if err := an.merge(h.Handler, hf); err != nil {
			return err
		}
	}

	after := before.Clone()
	if err := an.execute(i, in, after); err != nil {
		return err
	}
	if len(after.Stack) > an.max {
		an.max = len(after.Stack)
	}

	switch {
	case bytecode.IsBranch(in.Op):
		if in.Op == bytecode.OpJsr || in.Op == bytecode.OpJsrW {
			return fmt.Errorf("subroutines are not supported")
		}
		if err := an.merge(in.Target, after); err != nil {
			return err
		}
	case bytecode.IsSwitch(in.Op):
		if err := an.merge(in.Default, after); err != nil {
			return err
		}
		for _, t := range in.Targets {
			if err := an.merge(t, after); err != nil {
				return err
			}
		}
	}
	if !bytecode.EndsFlow(in.Op) {
		if i+1 >= len(an.body.Insns) {
			return fmt.Errorf("falls off the end of the code")
		}
		return an.merge(i+1, after)
	}
	return nil
}

// execute applies the stack and local effect of in to f.
func (an *analysis) execute(i int, in bytecode.Instruction, f *Frame) error {
	pool := an.Class.ConstantPool
	op := in.Op

	switch {
	case op == bytecode.OpNop:
		return nil
	case op == bytecode.OpAconstNull:
		f.push(NullType)
		return nil
	case op >= bytecode.OpIconstM1 && op <= bytecode.OpIconst5, op == bytecode.OpBipush, op == bytecode.OpSipush:
		f.push(IntType)
		return nil
	case op == bytecode.OpLconst0 || op == bytecode.OpLconst1:
		f.push(LongType)
		return nil
	case op >= bytecode.OpFconst0 && op <= bytecode.OpFconst2:
		f.push(FloatType)
		return nil
	case op == bytecode.OpDconst0 || op == bytecode.OpDconst1:
		f.push(DoubleType)
		return nil
	case op == bytecode.OpLdc || op == bytecode.OpLdcW || op == bytecode.OpLdc2W:
		t, err := constantType(pool, in.Index)
		if err != nil {
			return err
		}
		f.push(t)
		return nil
	case bytecode.IsLoad(op):
		slot, _ := bytecode.LocalSlot(in)
		t := f.Local(slot)
		if want := loadKind(op); want != Object && t.Kind != want {
			return fmt.Errorf("local %d holds %s", slot, t)
		}
		if want := loadKind(op); want == Object && !t.IsReference() {
			return fmt.Errorf("local %d holds %s, not a reference", slot, t)
		}
		f.push(t)
		return nil
	case bytecode.IsStore(op):
		slot, _ := bytecode.LocalSlot(in)
		t, err := f.pop()
		if err != nil {
			return err
		}
		f.setLocal(slot, t)
		return nil
	case op >= bytecode.OpIaload && op <= bytecode.OpSaload:
		return arrayLoad(op, f)
	case op >= bytecode.OpIastore && op <= bytecode.OpSastore:
		return f.popN(3)
	case op >= bytecode.OpPop && op <= bytecode.OpSwap:
		return stackOp(op, f)
	case op >= bytecode.OpIadd && op <= bytecode.OpLxor:
		return arithmetic(op, f)
	case op == bytecode.OpIinc:
		return nil
	case op >= bytecode.OpI2l && op <= bytecode.OpI2s:
		if _, err := f.pop(); err != nil {
			return err
		}
		f.push(conversionResult(op))
		return nil
	case op >= bytecode.OpLcmp && op <= bytecode.OpDcmpg:
		if err := f.popN(2); err != nil {
			return err
		}
		f.push(IntType)
		return nil
	case op >= bytecode.OpIfeq && op <= bytecode.OpIfle, op == bytecode.OpIfnull, op == bytecode.OpIfnonnull:
		return f.popN(1)
	case op >= bytecode.OpIfIcmpeq && op <= bytecode.OpIfAcmpne:
		return f.popN(2)
	case op == bytecode.OpGoto || op == bytecode.OpGotoW:
		return nil
	case op == bytecode.OpJsr || op == bytecode.OpJsrW || op == bytecode.OpRet:
		return fmt.Errorf("subroutines are not supported")
	case bytecode.IsSwitch(op):
		return f.popN(1)
	case op >= bytecode.OpIreturn && op <= bytecode.OpAreturn, op == bytecode.OpAthrow:
		return f.popN(1)
	case op == bytecode.OpReturn:
		return nil
	case op >= bytecode.OpGetstatic && op <= bytecode.OpPutfield:
		return an.fieldInsn(op, in.Index, f)
	case op >= bytecode.OpInvokevirtual && op <= bytecode.OpInvokeinterface:
		return an.invoke(op, in.Index, f)
	case op == bytecode.OpInvokedynamic:
		return invokeDynamic(pool, in.Index, f)
	case op == bytecode.OpNew:
		f.push(Type{Kind: Uninitialized, NewAt: i})
		return nil
	case op == bytecode.OpNewarray:
		if err := f.popN(1); err != nil {
			return err
		}
		desc, ok := primitiveArrays[in.Const]
		if !ok {
			return fmt.Errorf("unknown newarray type %d", in.Const)
		}
		f.push(ObjectOf(desc))
		return nil
	case op == bytecode.OpAnewarray:
		if err := f.popN(1); err != nil {
			return err
		}
		name, err := classfile.GetClassName(pool, in.Index)
		if err != nil {
			return err
		}
		f.push(ObjectOf("[" + classfile.ObjectType(name)))
		return nil
	case op == bytecode.OpArraylength, op == bytecode.OpInstanceof:
		if err := f.popN(1); err != nil {
			return err
		}
		f.push(IntType)
		return nil
	case op == bytecode.OpCheckcast:
		if err := f.popN(1); err != nil {
			return err
		}
		name, err := classfile.GetClassName(pool, in.Index)
		if err != nil {
			return err
		}
		f.push(ObjectOf(name))
		return nil
	case op == bytecode.OpMonitorenter || op == bytecode.OpMonitorexit:
		return f.popN(1)
	case op == bytecode.OpMultianewarray:
		if err := f.popN(int(in.Const)); err != nil {
			return err
		}
		name, err := classfile.GetClassName(pool, in.Index)
		if err != nil {
			return err
		}
		f.push(ObjectOf(name))
		return nil
	}
	return fmt.Errorf("unsupported opcode %s", bytecode.Name(op))
}

var primitiveArrays = map[int32]string{
	4: "[Z", 5: "[C", 6: "[F", 7: "[D", 8: "[B", 9: "[S", 10: "[I", 11: "[J",
}

func loadKind(op byte) Kind {
	var family byte
	if op >= bytecode.OpIload0 {
		family = (op - bytecode.OpIload0) / 4
	} else {
		family = op - bytecode.OpIload
	}
	return [...]Kind{Integer, Long, Float, Double, Object}[family]
}

func constantType(pool []classfile.ConstantPoolEntry, idx uint16) (Type, error) {
	if int(idx) >= len(pool) || pool[idx] == nil {
		return TopType, fmt.Errorf("invalid constant pool index %d", idx)
	}
	switch c := pool[idx].(type) {
	case *classfile.ConstantInteger:
		return IntType, nil
	case *classfile.ConstantFloat:
		return FloatType, nil
	case *classfile.ConstantLong:
		return LongType, nil
	case *classfile.ConstantDouble:
		return DoubleType, nil
	case *classfile.ConstantString:
		return StringType, nil
	case *classfile.ConstantClass:
		return ClassType, nil
	case *classfile.ConstantMethodType:
		return ObjectOf("java/lang/invoke/MethodType"), nil
	case *classfile.ConstantMethodHandle:
		return ObjectOf("java/lang/invoke/MethodHandle"), nil
	case *classfile.ConstantDynamic:
		_, desc, err := classfile.ResolveNameAndType(pool, c.NameAndTypeIndex)
		if err != nil {
			return TopType, err
		}
		return FromDescriptor(desc), nil
	}
	return TopType, fmt.Errorf("constant pool index %d (tag %d) is not loadable", idx, pool[idx].Tag())
}

func arrayLoad(op byte, f *Frame) error {
	if err := f.popN(1); err != nil {
		return err
	}
	arr, err := f.pop()
	if err != nil {
		return err
	}
	switch op {
	case bytecode.OpLaload:
		f.push(LongType)
	case bytecode.OpFaload:
		f.push(FloatType)
	case bytecode.OpDaload:
		f.push(DoubleType)
	case bytecode.OpAaload:
		switch {
		case arr.Kind == Null:
			f.push(NullType)
		case arr.Kind == Object && isArray(arr.Name):
			f.push(FromDescriptor(arr.Name[1:]))
		default:
			return fmt.Errorf("aaload on %s", arr)
		}
	default:
		f.push(IntType)
	}
	return nil
}

// stackOp handles pop..swap on the word view of the stack, so
// category 2 values move as their two halves.
func stackOp(op byte, f *Frame) error {
	var n int
	switch op {
	case bytecode.OpPop, bytecode.OpDup, bytecode.OpDupX1, bytecode.OpDupX2:
		n = 1
	case bytecode.OpPop2, bytecode.OpDup2, bytecode.OpDup2X1, bytecode.OpDup2X2:
		n = 2
	case bytecode.OpSwap:
		w, err := f.popWords(2)
		if err != nil {
			return err
		}
		f.Stack = append(f.Stack, w[1], w[0])
		return nil
	}

	// depth is how many words below the duplicated ones the copy goes.
	depth := map[byte]int{
		bytecode.OpDup: 0, bytecode.OpDupX1: 1, bytecode.OpDupX2: 2,
		bytecode.OpDup2: 0, bytecode.OpDup2X1: 1, bytecode.OpDup2X2: 2,
	}
	top, err := f.popWords(n)
	if err != nil {
		return err
	}
	if op == bytecode.OpPop || op == bytecode.OpPop2 {
		return nil
	}
	d := depth[op]
	below, err := f.popWords(d)
	if err != nil {
		return err
	}
	f.Stack = append(f.Stack, top...)
	f.Stack = append(f.Stack, below...)
	f.Stack = append(f.Stack, top...)
	return nil
}

// arithmetic covers iadd..lxor. The opcodes are laid out in groups whose
// type cycles through int, long, float, double.
func arithmetic(op byte, f *Frame) error {
	kinds := [...]Type{IntType, LongType, FloatType, DoubleType}
	switch {
	case op <= bytecode.OpDrem:
		if err := f.popN(2); err != nil {
			return err
		}
		f.push(kinds[(op-bytecode.OpIadd)%4])
	case op <= bytecode.OpDneg:
		if err := f.popN(1); err != nil {
			return err
		}
		f.push(kinds[(op-bytecode.OpIneg)%4])
	case op <= bytecode.OpLushr:
		if err := f.popN(2); err != nil {
			return err
		}
		f.push(kinds[(op-bytecode.OpIshl)%2])
	default:
		if err := f.popN(2); err != nil {
			return err
		}
		f.push(kinds[(op-bytecode.OpIand)%2])
	}
	return nil
}

func conversionResult(op byte) Type {
	switch op {
	case bytecode.OpI2l, bytecode.OpF2l, bytecode.OpD2l:
		return LongType
	case bytecode.OpI2f, bytecode.OpL2f, bytecode.OpD2f:
		return FloatType
	case bytecode.OpI2d, bytecode.OpL2d, bytecode.OpF2d:
		return DoubleType
	}
	return IntType
}

func (an *analysis) fieldInsn(op byte, idx uint16, f *Frame) error {
	ref, err := classfile.ResolveMemberref(an.Class.ConstantPool, idx)
	if err != nil {
		return err
	}
	switch op {
	case bytecode.OpGetstatic:
		f.push(FromDescriptor(ref.Descriptor))
	case bytecode.OpPutstatic:
		return f.popN(1)
	case bytecode.OpGetfield:
		if err := f.popN(1); err != nil {
			return err
		}
		f.push(FromDescriptor(ref.Descriptor))
	case bytecode.OpPutfield:
		return f.popN(2)
	}
	return nil
}

func (an *analysis) invoke(op byte, idx uint16, f *Frame) error {
	ref, err := classfile.ResolveMemberref(an.Class.ConstantPool, idx)
	if err != nil {
		return err
	}
	params, ret, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		return err
	}
	if err := f.popN(len(params)); err != nil {
		return err
	}
	if op != bytecode.OpInvokestatic {
		recv, err := f.pop()
		if err != nil {
			return err
		}
		if ref.Name == "<init>" {
			switch recv.Kind {
			case UninitializedThis:
				f.replace(recv, ObjectOf(an.owner))
			case Uninitialized:
				f.replace(recv, ObjectOf(ref.ClassName))
			default:
				return fmt.Errorf("<init> called on %s", recv)
			}
		}
	}
	if ret != "V" {
		f.push(FromDescriptor(ret))
	}
	return nil
}

func invokeDynamic(pool []classfile.ConstantPoolEntry, idx uint16, f *Frame) error {
	if int(idx) >= len(pool) || pool[idx] == nil {
		return fmt.Errorf("invalid constant pool index %d", idx)
	}
	c, ok := pool[idx].(*classfile.ConstantDynamic)
	if !ok {
		return fmt.Errorf("constant pool index %d is not InvokeDynamic", idx)
	}
	_, desc, err := classfile.ResolveNameAndType(pool, c.NameAndTypeIndex)
	if err != nil {
		return err
	}
	params, ret, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return err
	}
	if err := f.popN(len(params)); err != nil {
		return err
	}
	if ret != "V" {
		f.push(FromDescriptor(ret))
	}
	return nil
}
