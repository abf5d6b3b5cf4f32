package classfile

import (
	"encoding/binary"
	"fmt"
)

// Well-known attribute names.
const (
	AttrCode                        = "Code"
	AttrSignature                   = "Signature"
	AttrExceptions                  = "Exceptions"
	AttrInnerClasses                = "InnerClasses"
	AttrEnclosingMethod             = "EnclosingMethod"
	AttrBootstrapMethods            = "BootstrapMethods"
	AttrLineNumberTable             = "LineNumberTable"
	AttrLocalVariableTable          = "LocalVariableTable"
	AttrLocalVariableTypeTable      = "LocalVariableTypeTable"
	AttrStackMapTable               = "StackMapTable"
	AttrRuntimeVisibleAnnotations   = "RuntimeVisibleAnnotations"
	AttrRuntimeInvisibleAnnotations = "RuntimeInvisibleAnnotations"
	AttrRuntimeVisibleParamAnnots   = "RuntimeVisibleParameterAnnotations"
	AttrRuntimeInvisibleParamAnnots = "RuntimeInvisibleParameterAnnotations"
)

func (cf *ClassFile) decodeClassAttributes() error {
	name, _ := cf.ClassName()
	for _, attr := range cf.Attributes {
		var err error
		switch attr.Name {
		case AttrSignature:
			cf.Signature, err = decodeSignature(cf.ConstantPool, attr.Data)
		case AttrBootstrapMethods:
			cf.BootstrapMethods, err = parseBootstrapMethods(attr.Data)
		case AttrInnerClasses:
			var outer string
			outer, err = decodeOuterFromInnerClasses(cf.ConstantPool, attr.Data, name)
			if outer != "" {
				cf.OuterClass = outer
			}
		case AttrEnclosingMethod:
			if len(attr.Data) < 4 {
				err = fmt.Errorf("EnclosingMethod attribute too short")
				break
			}
			if cf.OuterClass == "" {
				cf.OuterClass, err = GetClassName(cf.ConstantPool, binary.BigEndian.Uint16(attr.Data))
			}
		case AttrRuntimeVisibleAnnotations, AttrRuntimeInvisibleAnnotations:
			var annots []Annotation
			annots, err = DecodeAnnotations(cf.ConstantPool, attr.Data)
			cf.Annotations = append(cf.Annotations, annots...)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", attr.Name, err)
		}
	}
	return nil
}

func (f *FieldInfo) decodeAttributes(pool []ConstantPoolEntry) error {
	for _, attr := range f.Attributes {
		var err error
		switch attr.Name {
		case AttrSignature:
			f.Signature, err = decodeSignature(pool, attr.Data)
		case AttrRuntimeVisibleAnnotations, AttrRuntimeInvisibleAnnotations:
			var annots []Annotation
			annots, err = DecodeAnnotations(pool, attr.Data)
			f.Annotations = append(f.Annotations, annots...)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", attr.Name, err)
		}
	}
	return nil
}

func (m *MethodInfo) decodeAttributes(pool []ConstantPoolEntry) error {
	for _, attr := range m.Attributes {
		var err error
		switch attr.Name {
		case AttrCode:
			m.Code, err = parseCodeAttribute(attr.Data, pool)
		case AttrSignature:
			m.Signature, err = decodeSignature(pool, attr.Data)
		case AttrExceptions:
			m.Exceptions, err = decodeExceptions(pool, attr.Data)
		case AttrRuntimeVisibleAnnotations, AttrRuntimeInvisibleAnnotations:
			var annots []Annotation
			annots, err = DecodeAnnotations(pool, attr.Data)
			m.Annotations = append(m.Annotations, annots...)
		case AttrRuntimeVisibleParamAnnots, AttrRuntimeInvisibleParamAnnots:
			var params [][]Annotation
			params, err = DecodeParameterAnnotations(pool, attr.Data)
			m.ParameterAnnotations = mergeParameterAnnotations(m.ParameterAnnotations, params)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", attr.Name, err)
		}
	}
	return nil
}

func mergeParameterAnnotations(into, from [][]Annotation) [][]Annotation {
	for len(into) < len(from) {
		into = append(into, nil)
	}
	for i, annots := range from {
		into[i] = append(into[i], annots...)
	}
	return into
}

func decodeSignature(pool []ConstantPoolEntry, data []byte) (string, error) {
	if len(data) != 2 {
		return "", fmt.Errorf("Signature attribute has length %d, want 2", len(data))
	}
	return GetUtf8(pool, binary.BigEndian.Uint16(data))
}

func decodeExceptions(pool []ConstantPoolEntry, data []byte) ([]string, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("Exceptions attribute too short")
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+2*n {
		return nil, fmt.Errorf("Exceptions attribute truncated at %d entries", n)
	}
	names := make([]string, n)
	for i := 0; i < n; i++ {
		name, err := GetClassName(pool, binary.BigEndian.Uint16(data[2+2*i:]))
		if err != nil {
			return nil, err
		}
		names[i] = name
	}
	return names, nil
}

// decodeOuterFromInnerClasses finds the outer class recorded for self.
func decodeOuterFromInnerClasses(pool []ConstantPoolEntry, data []byte, self string) (string, error) {
	if len(data) < 2 {
		return "", fmt.Errorf("InnerClasses attribute too short")
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+8*n {
		return "", fmt.Errorf("InnerClasses attribute truncated at %d entries", n)
	}
	for i := 0; i < n; i++ {
		rec := data[2+8*i:]
		innerIdx := binary.BigEndian.Uint16(rec[0:2])
		outerIdx := binary.BigEndian.Uint16(rec[2:4])
		if innerIdx == 0 || outerIdx == 0 {
			continue
		}
		inner, err := GetClassName(pool, innerIdx)
		if err != nil {
			return "", err
		}
		if inner != self {
			continue
		}
		return GetClassName(pool, outerIdx)
	}
	return "", nil
}

func parseBootstrapMethods(data []byte) ([]BootstrapMethod, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("BootstrapMethods data too short")
	}
	numMethods := binary.BigEndian.Uint16(data[0:2])
	offset := 2
	methods := make([]BootstrapMethod, numMethods)
	for i := uint16(0); i < numMethods; i++ {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("BootstrapMethods truncated at method %d", i)
		}
		methodRef := binary.BigEndian.Uint16(data[offset : offset+2])
		numArgs := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += 4
		args := make([]uint16, numArgs)
		for j := uint16(0); j < numArgs; j++ {
			if offset+2 > len(data) {
				return nil, fmt.Errorf("BootstrapMethods truncated at arg %d of method %d", j, i)
			}
			args[j] = binary.BigEndian.Uint16(data[offset : offset+2])
			offset += 2
		}
		methods[i] = BootstrapMethod{MethodRef: methodRef, BootstrapArguments: args}
	}
	return methods, nil
}

// SignatureAttribute builds a Signature attribute.
func SignatureAttribute(pb *PoolBuilder, signature string) AttributeInfo {
	return AttributeInfo{Name: AttrSignature, Data: binary.BigEndian.AppendUint16(nil, pb.Utf8(signature))}
}

// ExceptionsAttribute builds an Exceptions attribute.
func ExceptionsAttribute(pb *PoolBuilder, classNames []string) AttributeInfo {
	data := binary.BigEndian.AppendUint16(nil, uint16(len(classNames)))
	for _, name := range classNames {
		data = binary.BigEndian.AppendUint16(data, pb.Class(name))
	}
	return AttributeInfo{Name: AttrExceptions, Data: data}
}
