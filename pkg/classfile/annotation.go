package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Annotation is a decoded annotation occurrence. Type is the field
// descriptor of the annotation interface, e.g. "Ljweave/Accessor;".
type Annotation struct {
	Type     string
	Elements map[string]ElementValue
}

// ElementValue is one annotation element value. Exactly one of the payload
// fields is meaningful, selected by Tag.
type ElementValue struct {
	Tag      byte
	Const    any // int32, int64, float32, float64 or string
	EnumType string
	EnumName string
	Class    string
	Nested   *Annotation
	Array    []ElementValue
}

// StringValue builds a string element.
func StringValue(s string) ElementValue { return ElementValue{Tag: 's', Const: s} }

// BoolValue builds a boolean element.
func BoolValue(b bool) ElementValue {
	var v int32
	if b {
		v = 1
	}
	return ElementValue{Tag: 'Z', Const: v}
}

// EnumValue builds an enum constant element.
func EnumValue(typeDesc, name string) ElementValue {
	return ElementValue{Tag: 'e', EnumType: typeDesc, EnumName: name}
}

// FindAnnotation returns the first annotation of the given type.
func FindAnnotation(annots []Annotation, typeDesc string) *Annotation {
	for i := range annots {
		if annots[i].Type == typeDesc {
			return &annots[i]
		}
	}
	return nil
}

// String returns a string element, or "" when absent.
func (a *Annotation) String(name string) string {
	if v, ok := a.Elements[name]; ok {
		if s, ok := v.Const.(string); ok {
			return s
		}
		if v.Tag == 'e' {
			return v.EnumName
		}
	}
	return ""
}

// Bool returns a boolean element, or false when absent.
func (a *Annotation) Bool(name string) bool {
	if v, ok := a.Elements[name]; ok && v.Tag == 'Z' {
		i, _ := v.Const.(int32)
		return i != 0
	}
	return false
}

// Has reports whether the element was given explicitly.
func (a *Annotation) Has(name string) bool {
	_, ok := a.Elements[name]
	return ok
}

// DecodeAnnotations decodes the body of a Runtime*Annotations attribute.
func DecodeAnnotations(pool []ConstantPoolEntry, data []byte) ([]Annotation, error) {
	r := bytes.NewReader(data)
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	annots := make([]Annotation, n)
	for i := range annots {
		a, err := readAnnotation(r, pool)
		if err != nil {
			return nil, fmt.Errorf("annotation %d: %w", i, err)
		}
		annots[i] = a
	}
	return annots, nil
}

// DecodeParameterAnnotations decodes a Runtime*ParameterAnnotations body.
func DecodeParameterAnnotations(pool []ConstantPoolEntry, data []byte) ([][]Annotation, error) {
	r := bytes.NewReader(data)
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	params := make([][]Annotation, n)
	for p := range params {
		var count uint16
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, err
		}
		for i := uint16(0); i < count; i++ {
			a, err := readAnnotation(r, pool)
			if err != nil {
				return nil, fmt.Errorf("parameter %d annotation %d: %w", p, i, err)
			}
			params[p] = append(params[p], a)
		}
	}
	return params, nil
}

func readAnnotation(r io.Reader, pool []ConstantPoolEntry) (Annotation, error) {
	var hdr [2]uint16
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return Annotation{}, err
	}
	typeDesc, err := GetUtf8(pool, hdr[0])
	if err != nil {
		return Annotation{}, err
	}
	a := Annotation{Type: typeDesc, Elements: make(map[string]ElementValue, hdr[1])}
	for i := uint16(0); i < hdr[1]; i++ {
		var nameIdx uint16
		if err := binary.Read(r, binary.BigEndian, &nameIdx); err != nil {
			return Annotation{}, err
		}
		name, err := GetUtf8(pool, nameIdx)
		if err != nil {
			return Annotation{}, err
		}
		v, err := readElementValue(r, pool)
		if err != nil {
			return Annotation{}, fmt.Errorf("element %s: %w", name, err)
		}
		a.Elements[name] = v
	}
	return a, nil
}

func readElementValue(r io.Reader, pool []ConstantPoolEntry) (ElementValue, error) {
	var tag uint8
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return ElementValue{}, err
	}
	v := ElementValue{Tag: tag}
	u16 := func() (uint16, error) {
		var x uint16
		err := binary.Read(r, binary.BigEndian, &x)
		return x, err
	}

	switch tag {
	case 'B', 'C', 'I', 'S', 'Z', 'D', 'F', 'J':
		idx, err := u16()
		if err != nil {
			return v, err
		}
		if int(idx) >= len(pool) || pool[idx] == nil {
			return v, fmt.Errorf("invalid constant pool index %d", idx)
		}
		switch c := pool[idx].(type) {
		case *ConstantInteger:
			v.Const = c.Value
		case *ConstantLong:
			v.Const = c.Value
		case *ConstantFloat:
			v.Const = c.Value
		case *ConstantDouble:
			v.Const = c.Value
		default:
			return v, fmt.Errorf("element tag %q refers to tag %d", tag, c.Tag())
		}
	case 's':
		idx, err := u16()
		if err != nil {
			return v, err
		}
		s, err := GetUtf8(pool, idx)
		if err != nil {
			return v, err
		}
		v.Const = s
	case 'e':
		typeIdx, err := u16()
		if err != nil {
			return v, err
		}
		nameIdx, err := u16()
		if err != nil {
			return v, err
		}
		if v.EnumType, err = GetUtf8(pool, typeIdx); err != nil {
			return v, err
		}
		if v.EnumName, err = GetUtf8(pool, nameIdx); err != nil {
			return v, err
		}
	case 'c':
		idx, err := u16()
		if err != nil {
			return v, err
		}
		if v.Class, err = GetUtf8(pool, idx); err != nil {
			return v, err
		}
	case '@':
		nested, err := readAnnotation(r, pool)
		if err != nil {
			return v, err
		}
		v.Nested = &nested
	case '[':
		n, err := u16()
		if err != nil {
			return v, err
		}
		v.Array = make([]ElementValue, n)
		for i := range v.Array {
			if v.Array[i], err = readElementValue(r, pool); err != nil {
				return v, err
			}
		}
	default:
		return v, fmt.Errorf("unknown element value tag %q", tag)
	}
	return v, nil
}

// AnnotationsAttribute encodes annots as a RuntimeVisibleAnnotations or
// RuntimeInvisibleAnnotations attribute.
func AnnotationsAttribute(pb *PoolBuilder, visible bool, annots []Annotation) AttributeInfo {
	name := AttrRuntimeInvisibleAnnotations
	if visible {
		name = AttrRuntimeVisibleAnnotations
	}
	data := binary.BigEndian.AppendUint16(nil, uint16(len(annots)))
	for i := range annots {
		data = appendAnnotation(pb, data, &annots[i])
	}
	return AttributeInfo{Name: name, Data: data}
}

// ParameterAnnotationsAttribute encodes per-parameter annotations.
func ParameterAnnotationsAttribute(pb *PoolBuilder, visible bool, params [][]Annotation) AttributeInfo {
	name := AttrRuntimeInvisibleParamAnnots
	if visible {
		name = AttrRuntimeVisibleParamAnnots
	}
	data := []byte{uint8(len(params))}
	for _, annots := range params {
		data = binary.BigEndian.AppendUint16(data, uint16(len(annots)))
		for i := range annots {
			data = appendAnnotation(pb, data, &annots[i])
		}
	}
	return AttributeInfo{Name: name, Data: data}
}

func appendAnnotation(pb *PoolBuilder, data []byte, a *Annotation) []byte {
	data = binary.BigEndian.AppendUint16(data, pb.Utf8(a.Type))
	names := make([]string, 0, len(a.Elements))
	for name := range a.Elements {
		names = append(names, name)
	}
	sort.Strings(names)
	data = binary.BigEndian.AppendUint16(data, uint16(len(names)))
	for _, name := range names {
		data = binary.BigEndian.AppendUint16(data, pb.Utf8(name))
		data = appendElementValue(pb, data, a.Elements[name])
	}
	return data
}

func appendElementValue(pb *PoolBuilder, data []byte, v ElementValue) []byte {
	data = append(data, v.Tag)
	switch v.Tag {
	case 's':
		s, _ := v.Const.(string)
		data = binary.BigEndian.AppendUint16(data, pb.Utf8(s))
	case 'B', 'C', 'I', 'S', 'Z':
		i, _ := v.Const.(int32)
		data = binary.BigEndian.AppendUint16(data, pb.Integer(i))
	case 'e':
		data = binary.BigEndian.AppendUint16(data, pb.Utf8(v.EnumType))
		data = binary.BigEndian.AppendUint16(data, pb.Utf8(v.EnumName))
	case 'c':
		data = binary.BigEndian.AppendUint16(data, pb.Utf8(v.Class))
	case '@':
		data = appendAnnotation(pb, data, v.Nested)
	case '[':
		data = binary.BigEndian.AppendUint16(data, uint16(len(v.Array)))
		for _, e := range v.Array {
			data = appendElementValue(pb, data, e)
		}
	default:
		panic(fmt.Sprintf("classfile: cannot encode element value tag %q", v.Tag))
	}
	return data
}
