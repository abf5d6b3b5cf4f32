package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/daimatz/jweave/pkg/classfile"
)

// Handler is an exception table entry. Start and End delimit the covered
// instructions [Start, End); End may equal the instruction count.
type Handler struct {
	Start     int
	End       int
	Handler   int
	CatchType uint16
}

// LineNumber maps the instruction at Start to a source line.
type LineNumber struct {
	Start int
	Line  uint16
}

// LocalVar is one LocalVariableTable or LocalVariableTypeTable entry with
// its range expressed as instruction indices.
type LocalVar struct {
	Start int
	End   int
	Name  uint16
	Desc  uint16
	Slot  uint16
}

// Body is an editable view of a Code attribute.
type Body struct {
	Insns      []Instruction
	Handlers   []Handler
	Lines      []LineNumber
	Locals     []LocalVar
	LocalTypes []LocalVar
	MaxStack   uint16
	MaxLocals  uint16

	// Attrs are the nested attributes of the Code attribute as found.
	// LineNumberTable and the local variable tables are rebuilt from the
	// fields above by Assemble; everything else is written back verbatim.
	Attrs []classfile.AttributeInfo
}

// Disassemble decodes a Code attribute.
func Disassemble(code *classfile.CodeAttribute) (*Body, error) {
	insns, err := Decode(code.Code)
	if err != nil {
		return nil, err
	}
	at := make(map[int]int, len(insns)+1)
	for i, in := range insns {
		at[in.Offset] = i
	}
	at[len(code.Code)] = len(insns)
	index := func(pc int, what string) (int, error) {
		i, ok := at[pc]
		if !ok {
			return 0, fmt.Errorf("%s offset %d is not an instruction boundary", what, pc)
		}
		return i, nil
	}

	b := &Body{
		Insns:     insns,
		MaxStack:  code.MaxStack,
		MaxLocals: code.MaxLocals,
		Attrs:     append([]classfile.AttributeInfo(nil), code.Attributes...),
	}
	for _, h := range code.ExceptionHandlers {
		var eh Handler
		if eh.Start, err = index(int(h.StartPC), "handler start"); err != nil {
			return nil, err
		}
		if eh.End, err = index(int(h.EndPC), "handler end"); err != nil {
			return nil, err
		}
		if eh.Handler, err = index(int(h.HandlerPC), "handler"); err != nil {
			return nil, err
		}
		eh.CatchType = h.CatchType
		b.Handlers = append(b.Handlers, eh)
	}

	for _, a := range code.Attributes {
		switch a.Name {
		case classfile.AttrLineNumberTable:
			lines, err := decodeLines(a.Data, index)
			if err != nil {
				return nil, err
			}
			b.Lines = append(b.Lines, lines...)
		case classfile.AttrLocalVariableTable:
			vars, err := decodeLocals(a.Data, index)
			if err != nil {
				return nil, err
			}
			b.Locals = append(b.Locals, vars...)
		case classfile.AttrLocalVariableTypeTable:
			vars, err := decodeLocals(a.Data, index)
			if err != nil {
				return nil, err
			}
			b.LocalTypes = append(b.LocalTypes, vars...)
		}
	}
	return b, nil
}

type indexFunc func(pc int, what string) (int, error)

func decodeLines(data []byte, index indexFunc) ([]LineNumber, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("truncated %s", classfile.AttrLineNumberTable)
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+4*n {
		return nil, fmt.Errorf("truncated %s", classfile.AttrLineNumberTable)
	}
	lines := make([]LineNumber, n)
	for i := range lines {
		e := data[2+4*i:]
		start, err := index(int(binary.BigEndian.Uint16(e)), "line number")
		if err != nil {
			return nil, err
		}
		lines[i] = LineNumber{Start: start, Line: binary.BigEndian.Uint16(e[2:])}
	}
	return lines, nil
}

func decodeLocals(data []byte, index indexFunc) ([]LocalVar, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("truncated local variable table")
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+10*n {
		return nil, fmt.Errorf("truncated local variable table")
	}
	vars := make([]LocalVar, n)
	for i := range vars {
		e := data[2+10*i:]
		startPC := int(binary.BigEndian.Uint16(e))
		start, err := index(startPC, "local variable start")
		if err != nil {
			return nil, err
		}
		end, err := index(startPC+int(binary.BigEndian.Uint16(e[2:])), "local variable end")
		if err != nil {
			return nil, err
		}
		vars[i] = LocalVar{
			Start: start,
			End:   end,
			Name:  binary.BigEndian.Uint16(e[4:]),
			Desc:  binary.BigEndian.Uint16(e[6:]),
			Slot:  binary.BigEndian.Uint16(e[8:]),
		}
	}
	return vars, nil
}

// Assemble encodes the body back into a Code attribute and returns the
// byte offset of every instruction.
func (b *Body) Assemble() (*classfile.CodeAttribute, []int, error) {
	code, offsets, err := Encode(b.Insns)
	if err != nil {
		return nil, nil, err
	}
	pcOf := func(i int) uint16 {
		if i >= len(offsets) {
			return uint16(len(code))
		}
		return uint16(offsets[i])
	}

	ca := &classfile.CodeAttribute{
		MaxStack:   b.MaxStack,
		MaxLocals:  b.MaxLocals,
		Code:       code,
		Attributes: append([]classfile.AttributeInfo(nil), b.Attrs...),
	}
	for _, h := range b.Handlers {
		ca.ExceptionHandlers = append(ca.ExceptionHandlers, classfile.ExceptionHandler{
			StartPC:   pcOf(h.Start),
			EndPC:     pcOf(h.End),
			HandlerPC: pcOf(h.Handler),
			CatchType: h.CatchType,
		})
	}

	if _, had := ca.Attribute(classfile.AttrLineNumberTable); had || len(b.Lines) > 0 {
		var data []byte
		if len(b.Lines) > 0 {
			data = binary.BigEndian.AppendUint16(nil, uint16(len(b.Lines)))
			for _, l := range b.Lines {
				data = binary.BigEndian.AppendUint16(data, pcOf(l.Start))
				data = binary.BigEndian.AppendUint16(data, l.Line)
			}
		}
		ca.SetAttribute(classfile.AttrLineNumberTable, data)
	}
	setLocals := func(name string, vars []LocalVar) {
		if _, had := ca.Attribute(name); !had && len(vars) == 0 {
			return
		}
		var data []byte
		if len(vars) > 0 {
			data = binary.BigEndian.AppendUint16(nil, uint16(len(vars)))
			for _, v := range vars {
				start := pcOf(v.Start)
				data = binary.BigEndian.AppendUint16(data, start)
				data = binary.BigEndian.AppendUint16(data, pcOf(v.End)-start)
				data = binary.BigEndian.AppendUint16(data, v.Name)
				data = binary.BigEndian.AppendUint16(data, v.Desc)
				data = binary.BigEndian.AppendUint16(data, v.Slot)
			}
		}
		ca.SetAttribute(name, data)
	}
	setLocals(classfile.AttrLocalVariableTable, b.Locals)
	setLocals(classfile.AttrLocalVariableTypeTable, b.LocalTypes)

	return ca, offsets, nil
}

// InsertBefore inserts seq in front of instruction at. Existing branches,
// handlers and ranges keep label semantics: anything that referred to
// instruction at now refers to the first inserted instruction, so jumps
// to at execute the inserted code and ranges ending at at do not cover
// it. Targets inside seq are absolute indices in the resulting list.
func (b *Body) InsertBefore(at int, seq ...Instruction) error {
	if at < 0 || at > len(b.Insns) {
		return fmt.Errorf("insertion point %d outside [0,%d]", at, len(b.Insns))
	}
	n := len(seq)
	if n == 0 {
		return nil
	}
	shift := func(i int) int {
		if i > at {
			return i + n
		}
		return i
	}

	for i := range b.Insns {
		in := &b.Insns[i]
		switch {
		case IsBranch(in.Op):
			in.Target = shift(in.Target)
		case IsSwitch(in.Op):
			in.Default = shift(in.Default)
			targets := make([]int, len(in.Targets))
			for j, t := range in.Targets {
				targets[j] = shift(t)
			}
			in.Targets = targets
		}
	}
	for i := range b.Handlers {
		h := &b.Handlers[i]
		h.Start, h.End, h.Handler = shift(h.Start), shift(h.End), shift(h.Handler)
	}
	for i := range b.Lines {
		b.Lines[i].Start = shift(b.Lines[i].Start)
	}
	for _, vars := range [][]LocalVar{b.Locals, b.LocalTypes} {
		for i := range vars {
			vars[i].Start, vars[i].End = shift(vars[i].Start), shift(vars[i].End)
		}
	}

	insns := make([]Instruction, 0, len(b.Insns)+n)
	insns = append(insns, b.Insns[:at]...)
	insns = append(insns, seq...)
	insns = append(insns, b.Insns[at:]...)
	b.Insns = insns
	return nil
}

// Ops lists the opcodes of the body, mostly for diagnostics and tests.
func (b *Body) Ops() []byte {
	ops := make([]byte, len(b.Insns))
	for i, in := range b.Insns {
		ops[i] = in.Op
	}
	return ops
}
