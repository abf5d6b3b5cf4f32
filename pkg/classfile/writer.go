package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Bytes serializes cf into a class image.
func Bytes(cf *ClassFile) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, cf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile serializes cf to path.
func WriteFile(path string, cf *ClassFile) error {
	data, err := Bytes(cf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

type encodedAttr struct {
	nameIndex uint16
	data      []byte
}

type encodedMember struct {
	access    uint16
	nameIndex uint16
	descIndex uint16
	attrs     []encodedAttr
}

// Write serializes cf. Member and attribute names missing from the
// constant pool are appended to cf.ConstantPool before anything is written.
// Code attributes are re-encoded from the decoded CodeAttribute, so edits
// made to it are what gets written.
func Write(w io.Writer, cf *ClassFile) error {
	pb := NewPoolBuilder(cf)

	fields := make([]encodedMember, len(cf.Fields))
	for i := range cf.Fields {
		f := &cf.Fields[i]
		attrs, err := encodeAttrs(pb, f.Attributes, nil)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		fields[i] = encodedMember{f.AccessFlags, pb.Utf8(f.Name), pb.Utf8(f.Descriptor), attrs}
	}

	methods := make([]encodedMember, len(cf.Methods))
	for i := range cf.Methods {
		m := &cf.Methods[i]
		attrs, err := encodeAttrs(pb, m.Attributes, m.Code)
		if err != nil {
			return fmt.Errorf("method %s%s: %w", m.Name, m.Descriptor, err)
		}
		methods[i] = encodedMember{m.AccessFlags, pb.Utf8(m.Name), pb.Utf8(m.Descriptor), attrs}
	}

	classAttrs, err := encodeAttrs(pb, cf.Attributes, nil)
	if err != nil {
		return fmt.Errorf("class attributes: %w", err)
	}

	bw := &errWriter{w: w}
	bw.put(uint32(classMagic))
	bw.put(cf.MinorVersion)
	bw.put(cf.MajorVersion)
	if bw.err != nil {
		return bw.err
	}
	if err := writeConstantPool(w, cf.ConstantPool); err != nil {
		return fmt.Errorf("writing constant pool: %w", err)
	}
	bw.put(cf.AccessFlags)
	bw.put(cf.ThisClass)
	bw.put(cf.SuperClass)
	bw.put(uint16(len(cf.Interfaces)))
	for _, idx := range cf.Interfaces {
		bw.put(idx)
	}
	for _, members := range [][]encodedMember{fields, methods} {
		bw.put(uint16(len(members)))
		for _, m := range members {
			bw.put(m.access)
			bw.put(m.nameIndex)
			bw.put(m.descIndex)
			bw.attrs(m.attrs)
		}
	}
	bw.attrs(classAttrs)
	return bw.err
}

func encodeAttrs(pb *PoolBuilder, attrs []AttributeInfo, code *CodeAttribute) ([]encodedAttr, error) {
	out := make([]encodedAttr, 0, len(attrs))
	for _, a := range attrs {
		data := a.Data
		if a.Name == AttrCode && code != nil {
			var err error
			data, err = encodeCode(pb, code)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, encodedAttr{pb.Utf8(a.Name), data})
	}
	return out, nil
}

func encodeCode(pb *PoolBuilder, code *CodeAttribute) ([]byte, error) {
	if len(code.Code) == 0 || len(code.Code) >= 65536 {
		return nil, fmt.Errorf("Code length %d out of range", len(code.Code))
	}
	nested, err := encodeAttrs(pb, code.Attributes, nil)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	bw := &errWriter{w: &buf}
	bw.put(code.MaxStack)
	bw.put(code.MaxLocals)
	bw.put(uint32(len(code.Code)))
	bw.write(code.Code)
	bw.put(uint16(len(code.ExceptionHandlers)))
	for _, h := range code.ExceptionHandlers {
		bw.put(h)
	}
	bw.attrs(nested)
	return buf.Bytes(), bw.err
}

// errWriter keeps the first write error so sequences of writes can be
// checked once.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) put(v any) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.BigEndian, v)
	}
}

func (e *errWriter) write(p []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(p)
	}
}

func (e *errWriter) attrs(attrs []encodedAttr) {
	e.put(uint16(len(attrs)))
	for _, a := range attrs {
		e.put(a.nameIndex)
		e.put(uint32(len(a.data)))
		e.write(a.data)
	}
}
