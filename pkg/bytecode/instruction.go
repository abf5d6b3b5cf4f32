package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Instruction is one decoded JVM instruction. Branch and switch targets
// are indices into the instruction list, never byte offsets, so lists can
// be edited freely and re-encoded.
type Instruction struct {
	Op byte

	// Index is the constant pool index or local variable slot operand.
	Index uint16

	// Const holds bipush/sipush values, the iinc increment, the newarray
	// element type, the invokeinterface count and multianewarray dimensions.
	Const int32

	Target  int
	Default int
	Low     int32
	Keys    []int32
	Targets []int

	// Wide marks a local variable instruction encoded with the wide prefix.
	Wide bool

	// Offset is the byte offset the instruction was decoded from.
	Offset int
}

// String renders the instruction in a javap-like form.
func (in Instruction) String() string {
	name := Name(in.Op)
	switch kindOf(in.Op) {
	case operandS8, operandS16, operandNewArray:
		return fmt.Sprintf("%s %d", name, in.Const)
	case operandCP8, operandCP16, operandInvokeInterface, operandInvokeDynamic:
		return fmt.Sprintf("%s #%d", name, in.Index)
	case operandMultiANewArray:
		return fmt.Sprintf("%s #%d %d", name, in.Index, in.Const)
	case operandLocal:
		return fmt.Sprintf("%s %d", name, in.Index)
	case operandIinc:
		return fmt.Sprintf("%s %d %d", name, in.Index, in.Const)
	case operandBranch16, operandBranch32:
		return fmt.Sprintf("%s @%d", name, in.Target)
	case operandTableSwitch, operandLookupSwitch:
		var sb strings.Builder
		sb.WriteString(name)
		sb.WriteString(" {")
		for i, t := range in.Targets {
			key := in.Low + int32(i)
			if in.Op == OpLookupswitch {
				key = in.Keys[i]
			}
			fmt.Fprintf(&sb, " %d:@%d", key, t)
		}
		fmt.Fprintf(&sb, " default:@%d }", in.Default)
		return sb.String()
	}
	return name
}

// Decode splits a Code array into instructions. Branch targets are
// converted from relative byte offsets to instruction indices.
func Decode(code []byte) ([]Instruction, error) {
	var insns []Instruction
	at := make(map[int]int)
	pc := 0
	for pc < len(code) {
		in, size, err := decodeAt(code, pc)
		if err != nil {
			return nil, err
		}
		at[pc] = len(insns)
		insns = append(insns, in)
		pc += size
	}

	resolve := func(pc, off int) (int, error) {
		idx, ok := at[off]
		if !ok {
			return 0, fmt.Errorf("branch at offset %d targets %d, which is not an instruction boundary", pc, off)
		}
		return idx, nil
	}
	for i := range insns {
		in := &insns[i]
		var err error
		switch {
		case IsBranch(in.Op):
			in.Target, err = resolve(in.Offset, in.Target)
		case IsSwitch(in.Op):
			if in.Default, err = resolve(in.Offset, in.Default); err != nil {
				return nil, err
			}
			for j, t := range in.Targets {
				if in.Targets[j], err = resolve(in.Offset, t); err != nil {
					return nil, err
				}
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return insns, nil
}

// decodeAt decodes the instruction at pc. Branch targets are returned as
// absolute byte offsets.
func decodeAt(code []byte, pc int) (Instruction, int, error) {
	in := Instruction{Op: code[pc], Offset: pc}
	need := func(n int) error {
		if pc+n > len(code) {
			return fmt.Errorf("truncated %s at offset %d", Name(in.Op), pc)
		}
		return nil
	}
	u16 := func(at int) uint16 { return binary.BigEndian.Uint16(code[at:]) }
	s32 := func(at int) int32 { return int32(binary.BigEndian.Uint32(code[at:])) }

	switch kindOf(in.Op) {
	case operandNone:
		if opcodeNames[in.Op] == "" {
			return in, 0, fmt.Errorf("unknown opcode 0x%02X at offset %d", in.Op, pc)
		}
		return in, 1, nil
	case operandS8:
		if err := need(2); err != nil {
			return in, 0, err
		}
		in.Const = int32(int8(code[pc+1]))
		return in, 2, nil
	case operandNewArray:
		if err := need(2); err != nil {
			return in, 0, err
		}
		in.Const = int32(code[pc+1])
		return in, 2, nil
	case operandS16:
		if err := need(3); err != nil {
			return in, 0, err
		}
		in.Const = int32(int16(u16(pc + 1)))
		return in, 3, nil
	case operandCP8, operandLocal:
		if err := need(2); err != nil {
			return in, 0, err
		}
		in.Index = uint16(code[pc+1])
		return in, 2, nil
	case operandCP16:
		if err := need(3); err != nil {
			return in, 0, err
		}
		in.Index = u16(pc + 1)
		return in, 3, nil
	case operandIinc:
		if err := need(3); err != nil {
			return in, 0, err
		}
		in.Index = uint16(code[pc+1])
		in.Const = int32(int8(code[pc+2]))
		return in, 3, nil
	case operandBranch16:
		if err := need(3); err != nil {
			return in, 0, err
		}
		in.Target = pc + int(int16(u16(pc+1)))
		return in, 3, nil
	case operandBranch32:
		if err := need(5); err != nil {
			return in, 0, err
		}
		in.Target = pc + int(s32(pc+1))
		return in, 5, nil
	case operandInvokeInterface:
		if err := need(5); err != nil {
			return in, 0, err
		}
		in.Index = u16(pc + 1)
		in.Const = int32(code[pc+3])
		return in, 5, nil
	case operandInvokeDynamic:
		if err := need(5); err != nil {
			return in, 0, err
		}
		in.Index = u16(pc + 1)
		return in, 5, nil
	case operandMultiANewArray:
		if err := need(4); err != nil {
			return in, 0, err
		}
		in.Index = u16(pc + 1)
		in.Const = int32(code[pc+3])
		return in, 4, nil
	case operandWide:
		if err := need(2); err != nil {
			return in, 0, err
		}
		in.Op = code[pc+1]
		in.Wide = true
		switch kindOf(in.Op) {
		case operandLocal:
			if err := need(4); err != nil {
				return in, 0, err
			}
			in.Index = u16(pc + 2)
			return in, 4, nil
		case operandIinc:
			if err := need(6); err != nil {
				return in, 0, err
			}
			in.Index = u16(pc + 2)
			in.Const = int32(int16(u16(pc + 4)))
			return in, 6, nil
		}
		return in, 0, fmt.Errorf("wide prefix before %s at offset %d", Name(in.Op), pc)
	case operandTableSwitch, operandLookupSwitch:
		base := pc + 1 + switchPad(pc)
		if err := need(base - pc + 8); err != nil {
			return in, 0, err
		}
		in.Default = pc + int(s32(base))
		if in.Op == OpTableswitch {
			if err := need(base - pc + 12); err != nil {
				return in, 0, err
			}
			in.Low = s32(base + 4)
			high := s32(base + 8)
			if high < in.Low {
				return in, 0, fmt.Errorf("tableswitch at offset %d has high %d < low %d", pc, high, in.Low)
			}
			n := int(int64(high) - int64(in.Low) + 1)
			if err := need(base - pc + 12 + 4*n); err != nil {
				return in, 0, err
			}
			in.Targets = make([]int, n)
			for i := range in.Targets {
				in.Targets[i] = pc + int(s32(base+12+4*i))
			}
			return in, base - pc + 12 + 4*n, nil
		}
		n := int(s32(base + 4))
		if n < 0 {
			return in, 0, fmt.Errorf("lookupswitch at offset %d has %d pairs", pc, n)
		}
		if err := need(base - pc + 8 + 8*n); err != nil {
			return in, 0, err
		}
		in.Keys = make([]int32, n)
		in.Targets = make([]int, n)
		for i := 0; i < n; i++ {
			in.Keys[i] = s32(base + 8 + 8*i)
			in.Targets[i] = pc + int(s32(base+12+8*i))
		}
		return in, base - pc + 8 + 8*n, nil
	}
	return in, 0, fmt.Errorf("unhandled opcode 0x%02X", in.Op)
}

// switchPad is the number of padding bytes after a switch opcode at pc.
func switchPad(pc int) int {
	return (4 - (pc+1)%4) % 4
}

// normalize picks the encoding an instruction needs for its operands:
// ldc becomes ldc_w for large pool indices and local variable
// instructions get the wide prefix when their operands overflow a byte.
func normalize(in *Instruction) {
	switch kindOf(in.Op) {
	case operandCP8:
		if in.Index > math.MaxUint8 {
			in.Op = OpLdcW
		}
	case operandLocal:
		if in.Index > math.MaxUint8 {
			in.Wide = true
		}
	case operandIinc:
		if in.Index > math.MaxUint8 || in.Const < math.MinInt8 || in.Const > math.MaxInt8 {
			in.Wide = true
		}
	}
}

// size returns the encoded length of in when placed at pc.
func size(in *Instruction, pc int) int {
	switch kindOf(in.Op) {
	case operandS8, operandCP8, operandNewArray:
		return 2
	case operandLocal:
		if in.Wide {
			return 4
		}
		return 2
	case operandIinc:
		if in.Wide {
			return 6
		}
		return 3
	case operandS16, operandCP16, operandBranch16:
		return 3
	case operandMultiANewArray:
		return 4
	case operandBranch32, operandInvokeInterface, operandInvokeDynamic:
		return 5
	case operandTableSwitch:
		return 1 + switchPad(pc) + 12 + 4*len(in.Targets)
	case operandLookupSwitch:
		return 1 + switchPad(pc) + 8 + 8*len(in.Targets)
	}
	return 1
}

// Encode assembles instructions into a Code array and returns the byte
// offset of every instruction. goto and jsr are widened to goto_w and
// jsr_w when their target is out of 16-bit range; any other branch that
// overflows is an error.
func Encode(insns []Instruction) ([]byte, []int, error) {
	work := make([]Instruction, len(insns))
	copy(work, insns)
	for i := range work {
		in := &work[i]
		normalize(in)
		if err := checkTargets(in, i, len(work)); err != nil {
			return nil, nil, err
		}
	}

	offsets := make([]int, len(work)+1)
	for {
		pc := 0
		for i := range work {
			offsets[i] = pc
			pc += size(&work[i], pc)
		}
		offsets[len(work)] = pc

		widened := false
		for i := range work {
			in := &work[i]
			if kindOf(in.Op) != operandBranch16 {
				continue
			}
			delta := offsets[in.Target] - offsets[i]
			if delta >= math.MinInt16 && delta <= math.MaxInt16 {
				continue
			}
			switch in.Op {
			case OpGoto:
				in.Op = OpGotoW
			case OpJsr:
				in.Op = OpJsrW
			default:
				return nil, nil, fmt.Errorf("%s at instruction %d: branch offset %d out of range", Name(in.Op), i, delta)
			}
			widened = true
		}
		if !widened {
			break
		}
	}

	if offsets[len(work)] > math.MaxUint16 {
		return nil, nil, fmt.Errorf("code length %d exceeds 65535", offsets[len(work)])
	}

	code := make([]byte, 0, offsets[len(work)])
	for i := range work {
		code = appendInsn(code, &work[i], offsets)
	}
	return code, offsets[:len(work)], nil
}

func checkTargets(in *Instruction, i, n int) error {
	check := func(t int) error {
		if t < 0 || t >= n {
			return fmt.Errorf("%s at instruction %d targets %d, outside [0,%d)", Name(in.Op), i, t, n)
		}
		return nil
	}
	switch {
	case IsBranch(in.Op):
		return check(in.Target)
	case IsSwitch(in.Op):
		if err := check(in.Default); err != nil {
			return err
		}
		for _, t := range in.Targets {
			if err := check(t); err != nil {
				return err
			}
		}
		if in.Op == OpLookupswitch && len(in.Keys) != len(in.Targets) {
			return fmt.Errorf("lookupswitch at instruction %d has %d keys for %d targets", i, len(in.Keys), len(in.Targets))
		}
	case in.Op == OpWide:
		return fmt.Errorf("bare wide prefix at instruction %d", i)
	}
	return nil
}

func appendInsn(code []byte, in *Instruction, offsets []int) []byte {
	be := binary.BigEndian
	pc := len(code)
	rel := func(t int) int32 { return int32(offsets[t] - pc) }

	switch kindOf(in.Op) {
	case operandS8, operandNewArray:
		return append(code, in.Op, byte(in.Const))
	case operandS16:
		return be.AppendUint16(append(code, in.Op), uint16(int16(in.Const)))
	case operandCP8:
		return append(code, in.Op, byte(in.Index))
	case operandCP16:
		return be.AppendUint16(append(code, in.Op), in.Index)
	case operandLocal:
		if in.Wide {
			return be.AppendUint16(append(code, OpWide, in.Op), in.Index)
		}
		return append(code, in.Op, byte(in.Index))
	case operandIinc:
		if in.Wide {
			code = be.AppendUint16(append(code, OpWide, in.Op), in.Index)
			return be.AppendUint16(code, uint16(int16(in.Const)))
		}
		return append(code, in.Op, byte(in.Index), byte(int8(in.Const)))
	case operandBranch16:
		return be.AppendUint16(append(code, in.Op), uint16(int16(rel(in.Target))))
	case operandBranch32:
		return be.AppendUint32(append(code, in.Op), uint32(rel(in.Target)))
	case operandInvokeInterface:
		code = be.AppendUint16(append(code, in.Op), in.Index)
		return append(code, byte(in.Const), 0)
	case operandInvokeDynamic:
		code = be.AppendUint16(append(code, in.Op), in.Index)
		return append(code, 0, 0)
	case operandMultiANewArray:
		code = be.AppendUint16(append(code, in.Op), in.Index)
		return append(code, byte(in.Const))
	case operandTableSwitch:
		code = append(code, in.Op)
		code = append(code, make([]byte, switchPad(pc))...)
		code = be.AppendUint32(code, uint32(rel(in.Default)))
		code = be.AppendUint32(code, uint32(in.Low))
		code = be.AppendUint32(code, uint32(in.Low+int32(len(in.Targets))-1))
		for _, t := range in.Targets {
			code = be.AppendUint32(code, uint32(rel(t)))
		}
		return code
	case operandLookupSwitch:
		code = append(code, in.Op)
		code = append(code, make([]byte, switchPad(pc))...)
		code = be.AppendUint32(code, uint32(rel(in.Default)))
		code = be.AppendUint32(code, uint32(len(in.Targets)))
		for i, t := range in.Targets {
			code = be.AppendUint32(code, uint32(in.Keys[i]))
			code = be.AppendUint32(code, uint32(rel(t)))
		}
		return code
	}
	return append(code, in.Op)
}

// LocalSlot returns the local variable slot an instruction reads or
// writes, covering both the explicit and the _0.._3 forms.
func LocalSlot(in Instruction) (int, bool) {
	switch {
	case kindOf(in.Op) == operandLocal && in.Op != OpRet, in.Op == OpIinc:
		return int(in.Index), true
	case in.Op >= OpIload0 && in.Op <= OpAload3:
		return int(in.Op-OpIload0) % 4, true
	case in.Op >= OpIstore0 && in.Op <= OpAstore3:
		return int(in.Op-OpIstore0) % 4, true
	}
	return 0, false
}

// IsLoad reports whether op reads a local variable.
func IsLoad(op byte) bool {
	return (op >= OpIload && op <= OpAload) || (op >= OpIload0 && op <= OpAload3)
}

// IsStore reports whether op writes a local variable.
func IsStore(op byte) bool {
	return (op >= OpIstore && op <= OpAstore) || (op >= OpIstore0 && op <= OpAstore3)
}

// Load builds a load of slot for a field type.
func Load(fieldType string, slot int) Instruction {
	return Instruction{Op: LoadOp(fieldType), Index: uint16(slot)}
}

// Store builds a store to slot for a field type.
func Store(fieldType string, slot int) Instruction {
	return Instruction{Op: StoreOp(fieldType), Index: uint16(slot)}
}
