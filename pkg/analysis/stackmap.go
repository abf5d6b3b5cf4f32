package analysis

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
)

// StackMapTable frame types
const (
	sameFrameMax          = 63
	sameLocals1StackMax   = 127
	sameLocals1StackExt   = 247
	chopFrameMin          = 248
	sameFrameExtended     = 251
	appendFrameMax        = 254
	fullFrame             = 255
	verificationTagObject = 7
	verificationTagUninit = 8
)

// DeclaredFrames decodes the StackMapTable of a freshly disassembled body
// into frames keyed by instruction index. It relies on the Offset of each
// instruction, so it must run before the body is edited.
func DeclaredFrames(cf *classfile.ClassFile, m *classfile.MethodInfo, body *bytecode.Body) (map[int]*Frame, error) {
	attr, ok := findStackMap(body.Attrs)
	if !ok {
		return nil, nil
	}
	owner, err := cf.ClassName()
	if err != nil {
		return nil, err
	}
	initial, err := InitialFrame(owner, m, 0)
	if err != nil {
		return nil, err
	}
	at := make(map[int]int, len(body.Insns))
	for i, in := range body.Insns {
		at[in.Offset] = i
	}

	d := &frameDecoder{data: attr.Data, pool: cf.ConstantPool, at: at}
	n := int(d.u16())
	locals := values(initial.Locals)
	frames := make(map[int]*Frame, n)
	offset := -1
	for k := 0; k < n && d.err == nil; k++ {
		typ := d.u8()
		var delta int
		var stack []Type
		switch {
		case typ <= sameFrameMax:
			delta = int(typ)
		case typ <= sameLocals1StackMax:
			delta = int(typ) - sameFrameMax - 1
			stack = []Type{d.vtype()}
		case typ < sameLocals1StackExt:
			return nil, fmt.Errorf("reserved stack map frame type %d", typ)
		case typ == sameLocals1StackExt:
			delta = int(d.u16())
			stack = []Type{d.vtype()}
		case typ < sameFrameExtended:
			delta = int(d.u16())
			chop := sameFrameExtended - int(typ)
			if chop > len(locals) {
				return nil, fmt.Errorf("chop frame removes %d of %d locals", chop, len(locals))
			}
			locals = locals[:len(locals)-chop]
		case typ == sameFrameExtended:
			delta = int(d.u16())
		case typ <= appendFrameMax:
			delta = int(d.u16())
			for j := 0; j < int(typ)-sameFrameExtended; j++ {
				locals = append(locals, d.vtype())
			}
		default:
			delta = int(d.u16())
			nl := int(d.u16())
			locals = make([]Type, 0, nl)
			for j := 0; j < nl; j++ {
				locals = append(locals, d.vtype())
			}
			ns := int(d.u16())
			for j := 0; j < ns; j++ {
				stack = append(stack, d.vtype())
			}
		}
		offset += delta + 1
		idx, ok := at[offset]
		if !ok {
			return nil, fmt.Errorf("stack map frame at offset %d is not an instruction boundary", offset)
		}
		f := &Frame{}
		for _, t := range locals {
			f.setLocal(len(f.Locals), t)
		}
		for len(f.Locals) < int(body.MaxLocals) {
			f.Locals = append(f.Locals, TopType)
		}
		for _, t := range stack {
			f.push(t)
		}
		frames[idx] = f
	}
	if d.err != nil {
		return nil, fmt.Errorf("decoding %s: %w", classfile.AttrStackMapTable, d.err)
	}
	return frames, nil
}

func findStackMap(attrs []classfile.AttributeInfo) (classfile.AttributeInfo, bool) {
	for _, a := range attrs {
		if a.Name == classfile.AttrStackMapTable {
			return a, true
		}
	}
	return classfile.AttributeInfo{}, false
}

type frameDecoder struct {
	data []byte
	pos  int
	pool []classfile.ConstantPoolEntry
	at   map[int]int
	err  error
}

func (d *frameDecoder) take(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	if d.pos+n > len(d.data) {
		d.err = fmt.Errorf("truncated at byte %d", d.pos)
		return make([]byte, n)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *frameDecoder) u8() uint8   { return d.take(1)[0] }
func (d *frameDecoder) u16() uint16 { return binary.BigEndian.Uint16(d.take(2)) }

func (d *frameDecoder) vtype() Type {
	switch tag := d.u8(); tag {
	case 0:
		return TopType
	case 1:
		return IntType
	case 2:
		return FloatType
	case 3:
		return DoubleType
	case 4:
		return LongType
	case 5:
		return NullType
	case 6:
		return Type{Kind: UninitializedThis}
	case verificationTagObject:
		idx := d.u16()
		if d.err != nil {
			return TopType
		}
		name, err := classfile.GetClassName(d.pool, idx)
		if err != nil {
			d.err = err
			return TopType
		}
		return ObjectOf(name)
	case verificationTagUninit:
		off := int(d.u16())
		i, ok := d.at[off]
		if !ok && d.err == nil {
			d.err = fmt.Errorf("uninitialized value refers to offset %d", off)
		}
		return Type{Kind: Uninitialized, NewAt: i}
	default:
		if d.err == nil {
			d.err = fmt.Errorf("unknown verification type tag %d", tag)
		}
		return TopType
	}
}

// RemapFrames moves declared frames to their positions after code was
// inserted. label maps a frame position the way branch targets move;
// moved maps the position of an instruction that was shifted, which is
// what the creation site of an uninitialized value follows.
func RemapFrames(frames map[int]*Frame, label, moved func(int) int) map[int]*Frame {
	if frames == nil {
		return nil
	}
	out := make(map[int]*Frame, len(frames))
	fix := func(ts []Type) {
		for i, t := range ts {
			if t.Kind == Uninitialized {
				ts[i].NewAt = moved(t.NewAt)
			}
		}
	}
	for i, f := range frames {
		c := f.Clone()
		fix(c.Locals)
		fix(c.Stack)
		out[label(i)] = c
	}
	return out
}

// FramePoints lists the instructions that need a stack map frame: branch
// and switch targets, handler entries and instructions following an
// unconditional transfer.
func FramePoints(body *bytecode.Body) []int {
	seen := make(map[int]bool)
	for i, in := range body.Insns {
		switch {
		case bytecode.IsBranch(in.Op):
			seen[in.Target] = true
		case bytecode.IsSwitch(in.Op):
			seen[in.Default] = true
			for _, t := range in.Targets {
				seen[t] = true
			}
		}
		if bytecode.EndsFlow(in.Op) && i+1 < len(body.Insns) {
			seen[i+1] = true
		}
	}
	for _, h := range body.Handlers {
		seen[h.Handler] = true
	}
	points := make([]int, 0, len(seen))
	for i := range seen {
		points = append(points, i)
	}
	sort.Ints(points)
	return points
}

// EncodeStackMapTable writes full frames for every frame point. offsets
// are the instruction offsets returned by Body.Assemble. Unreachable
// frame points are left out.
func EncodeStackMapTable(pb *classfile.PoolBuilder, body *bytecode.Body, res *Result, offsets []int) []byte {
	var entries []byte
	count := 0
	prev := -1
	for _, i := range FramePoints(body) {
		f := res.Frames[i]
		if f == nil {
			continue
		}
		delta := offsets[i] - prev - 1
		prev = offsets[i]

		locals := values(f.Locals)
		for len(locals) > 0 && locals[len(locals)-1].Kind == Top {
			locals = locals[:len(locals)-1]
		}
		stack := f.StackValues()

		entries = append(entries, fullFrame)
		entries = binary.BigEndian.AppendUint16(entries, uint16(delta))
		entries = binary.BigEndian.AppendUint16(entries, uint16(len(locals)))
		for _, t := range locals {
			entries = appendVType(pb, entries, t, offsets)
		}
		entries = binary.BigEndian.AppendUint16(entries, uint16(len(stack)))
		for _, t := range stack {
			entries = appendVType(pb, entries, t, offsets)
		}
		count++
	}
	if count == 0 {
		return nil
	}
	return append(binary.BigEndian.AppendUint16(nil, uint16(count)), entries...)
}

func appendVType(pb *classfile.PoolBuilder, data []byte, t Type, offsets []int) []byte {
	switch t.Kind {
	case Top:
		return append(data, 0)
	case Integer:
		return append(data, 1)
	case Float:
		return append(data, 2)
	case Double:
		return append(data, 3)
	case Long:
		return append(data, 4)
	case Null:
		return append(data, 5)
	case UninitializedThis:
		return append(data, 6)
	case Object:
		return binary.BigEndian.AppendUint16(append(data, verificationTagObject), pb.Class(t.Name))
	}
	return binary.BigEndian.AppendUint16(append(data, verificationTagUninit), uint16(offsets[t.NewAt]))
}

// Rebuild analyzes an edited body, updates its max_stack and assembles
// it. Class files of version 50 and later get a regenerated
// StackMapTable.
func (a *Analyzer) Rebuild(pb *classfile.PoolBuilder, m *classfile.MethodInfo, body *bytecode.Body) (*classfile.CodeAttribute, *Result, error) {
	res, err := a.Analyze(m, body)
	if err != nil {
		return nil, nil, err
	}
	EraseDeadCode(body, res)
	body.MaxStack = uint16(res.MaxStack)
	code, offsets, err := body.Assemble()
	if err != nil {
		return nil, nil, err
	}
	if a.Class.MajorVersion >= 50 {
		code.SetAttribute(classfile.AttrStackMapTable, EncodeStackMapTable(pb, body, res, offsets))
	}
	return code, res, nil
}

// EraseDeadCode replaces every run of unreachable instructions with nops
// ending in athrow, the shape a verifier accepts without a real frame.
// The first instruction of each run gets a frame holding only a
// Throwable, and handler ranges are trimmed to the reachable
// instructions they covered. It reports whether anything was erased.
func EraseDeadCode(body *bytecode.Body, res *Result) bool {
	n := len(body.Insns)
	dead := make([]bool, n)
	erased := false
	for i := range body.Insns {
		if res.Frames[i] == nil {
			dead[i] = true
			erased = true
		}
	}
	if !erased {
		return false
	}

	for i := 0; i < n; i++ {
		if !dead[i] {
			continue
		}
		j := i
		for j+1 < n && dead[j+1] {
			j++
		}
		for k := i; k < j; k++ {
			body.Insns[k] = bytecode.Instruction{Op: bytecode.OpNop}
		}
		body.Insns[j] = bytecode.Instruction{Op: bytecode.OpAthrow}
		res.Frames[i] = &Frame{Stack: []Type{ThrowableType}}
		i = j
	}
	if res.MaxStack < 1 {
		res.MaxStack = 1
	}

	var handlers []bytecode.Handler
	for _, h := range body.Handlers {
		start := -1
		for i := h.Start; i <= h.End; i++ {
			live := i < h.End && i < n && !dead[i]
			switch {
			case live && start < 0:
				start = i
			case !live && start >= 0:
				handlers = append(handlers, bytecode.Handler{Start: start, End: i, Handler: h.Handler, CatchType: h.CatchType})
				start = -1
			}
		}
	}
	body.Handlers = handlers
	return true
}
