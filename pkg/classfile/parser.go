package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const classMagic = 0xCAFEBABE

// ParseFile opens and parses a .class file from the given path.
func ParseFile(path string) (*ClassFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// ParseBytes parses an in-memory class image.
func ParseBytes(data []byte) (*ClassFile, error) {
	return Parse(bytes.NewReader(data))
}

// classHeader is the fixed part of a class file before the constant pool.
type classHeader struct {
	Magic     uint32
	Minor     uint16
	Major     uint16
	PoolCount uint16
}

// classInfo is the fixed part after the constant pool, up to the
// interface table.
type classInfo struct {
	Access     uint16
	This       uint16
	Super      uint16
	Interfaces uint16
}

// Parse reads a .class file from the given reader and returns a ClassFile.
func Parse(r io.Reader) (*ClassFile, error) {
	var h classHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if h.Magic != classMagic {
		return nil, fmt.Errorf("invalid magic number: 0x%X (expected 0xCAFEBABE)", h.Magic)
	}
	cf := &ClassFile{MinorVersion: h.Minor, MajorVersion: h.Major}

	pool, err := parseConstantPool(r, h.PoolCount)
	if err != nil {
		return nil, fmt.Errorf("parsing constant pool: %w", err)
	}
	cf.ConstantPool = pool

	var info classInfo
	if err := binary.Read(r, binary.BigEndian, &info); err != nil {
		return nil, fmt.Errorf("reading class info: %w", err)
	}
	cf.AccessFlags, cf.ThisClass, cf.SuperClass = info.Access, info.This, info.Super
	cf.Interfaces = make([]uint16, info.Interfaces)
	if err := binary.Read(r, binary.BigEndian, cf.Interfaces); err != nil {
		return nil, fmt.Errorf("reading interfaces: %w", err)
	}

	n, err := readCount(r, "fields")
	if err != nil {
		return nil, err
	}
	if cf.Fields, err = parseFields(r, cf.ConstantPool, n); err != nil {
		return nil, fmt.Errorf("parsing fields: %w", err)
	}
	if n, err = readCount(r, "methods"); err != nil {
		return nil, err
	}
	if cf.Methods, err = parseMethods(r, cf.ConstantPool, n); err != nil {
		return nil, fmt.Errorf("parsing methods: %w", err)
	}
	if n, err = readCount(r, "class attributes"); err != nil {
		return nil, err
	}
	if cf.Attributes, err = parseAttributeInfos(r, cf.ConstantPool, n); err != nil {
		return nil, fmt.Errorf("parsing class attributes: %w", err)
	}
	if err := cf.decodeClassAttributes(); err != nil {
		return nil, fmt.Errorf("decoding class attributes: %w", err)
	}

	return cf, nil
}

func readCount(r io.Reader, what string) (uint16, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, fmt.Errorf("reading %s count: %w", what, err)
	}
	return n, nil
}

type memberHeader struct {
	AccessFlags uint16
	NameIndex   uint16
	DescIndex   uint16
	AttrCount   uint16
}

func readMember(r io.Reader, pool []ConstantPoolEntry, what string, i uint16) (memberHeader, string, string, []AttributeInfo, error) {
	var h memberHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return h, "", "", nil, fmt.Errorf("reading %s %d header: %w", what, i, err)
	}
	name, err := GetUtf8(pool, h.NameIndex)
	if err != nil {
		return h, "", "", nil, fmt.Errorf("resolving %s %d name: %w", what, i, err)
	}
	desc, err := GetUtf8(pool, h.DescIndex)
	if err != nil {
		return h, "", "", nil, fmt.Errorf("resolving %s %d descriptor: %w", what, i, err)
	}
	attrs, err := parseAttributeInfos(r, pool, h.AttrCount)
	if err != nil {
		return h, "", "", nil, fmt.Errorf("parsing %s %d attributes: %w", what, i, err)
	}
	return h, name, desc, attrs, nil
}

func parseFields(r io.Reader, pool []ConstantPoolEntry, count uint16) ([]FieldInfo, error) {
	fields := make([]FieldInfo, count)
	for i := uint16(0); i < count; i++ {
		h, name, desc, attrs, err := readMember(r, pool, "field", i)
		if err != nil {
			return nil, err
		}
		f := FieldInfo{
			AccessFlags: h.AccessFlags,
			Name:        name,
			Descriptor:  desc,
			Attributes:  attrs,
		}
		if err := f.decodeAttributes(pool); err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields[i] = f
	}
	return fields, nil
}

func parseMethods(r io.Reader, pool []ConstantPoolEntry, count uint16) ([]MethodInfo, error) {
	methods := make([]MethodInfo, count)
	for i := uint16(0); i < count; i++ {
		h, name, desc, attrs, err := readMember(r, pool, "method", i)
		if err != nil {
			return nil, err
		}
		m := MethodInfo{
			AccessFlags: h.AccessFlags,
			Name:        name,
			Descriptor:  desc,
			Attributes:  attrs,
		}
		if err := m.decodeAttributes(pool); err != nil {
			return nil, fmt.Errorf("method %s%s: %w", name, desc, err)
		}
		methods[i] = m
	}
	return methods, nil
}

func parseAttributeInfos(r io.Reader, pool []ConstantPoolEntry, count uint16) ([]AttributeInfo, error) {
	attrs := make([]AttributeInfo, count)
	for i := uint16(0); i < count; i++ {
		var nameIndex uint16
		if err := binary.Read(r, binary.BigEndian, &nameIndex); err != nil {
			return nil, fmt.Errorf("reading attribute %d name index: %w", i, err)
		}
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("reading attribute %d length: %w", i, err)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("reading attribute %d data: %w", i, err)
		}

		name, err := GetUtf8(pool, nameIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving attribute %d name: %w", i, err)
		}

		attrs[i] = AttributeInfo{Name: name, Data: data}
	}
	return attrs, nil
}

func parseCodeAttribute(data []byte, pool []ConstantPoolEntry) (*CodeAttribute, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("Code attribute too short: %d bytes", len(data))
	}

	maxStack := binary.BigEndian.Uint16(data[0:2])
	maxLocals := binary.BigEndian.Uint16(data[2:4])
	codeLength := binary.BigEndian.Uint32(data[4:8])

	if len(data) < 8+int(codeLength)+2 {
		return nil, fmt.Errorf("Code attribute data too short for code_length %d", codeLength)
	}

	code := make([]byte, codeLength)
	copy(code, data[8:8+codeLength])

	// Exception table
	offset := 8 + int(codeLength)
	exTableLen := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	if offset+8*int(exTableLen) > len(data) {
		return nil, fmt.Errorf("exception table truncated: %d entries", exTableLen)
	}
	handlers := make([]ExceptionHandler, exTableLen)
	for i := range handlers {
		handlers[i] = ExceptionHandler{
			StartPC:   binary.BigEndian.Uint16(data[offset : offset+2]),
			EndPC:     binary.BigEndian.Uint16(data[offset+2 : offset+4]),
			HandlerPC: binary.BigEndian.Uint16(data[offset+4 : offset+6]),
			CatchType: binary.BigEndian.Uint16(data[offset+6 : offset+8]),
		}
		offset += 8
	}

	// Nested attributes
	r := bytes.NewReader(data[offset:])
	var attrCount uint16
	if err := binary.Read(r, binary.BigEndian, &attrCount); err != nil {
		return nil, fmt.Errorf("reading Code attributes count: %w", err)
	}
	attrs, err := parseAttributeInfos(r, pool, attrCount)
	if err != nil {
		return nil, fmt.Errorf("parsing Code attributes: %w", err)
	}

	return &CodeAttribute{
		MaxStack:          maxStack,
		MaxLocals:         maxLocals,
		Code:              code,
		ExceptionHandlers: handlers,
		Attributes:        attrs,
	}, nil
}

// ClassName returns the fully qualified name of this class.
func (cf *ClassFile) ClassName() (string, error) {
	return GetClassName(cf.ConstantPool, cf.ThisClass)
}

// FindMethod finds a method by name and descriptor.
func (cf *ClassFile) FindMethod(name, descriptor string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name && cf.Methods[i].Descriptor == descriptor {
			return &cf.Methods[i]
		}
	}
	return nil
}

// FindMethodByName finds a method by name only (first match).
func (cf *ClassFile) FindMethodByName(name string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name {
			return &cf.Methods[i]
		}
	}
	return nil
}

// FindField finds a field by name.
func (cf *ClassFile) FindField(name string) *FieldInfo {
	for i := range cf.Fields {
		if cf.Fields[i].Name == name {
			return &cf.Fields[i]
		}
	}
	return nil
}
