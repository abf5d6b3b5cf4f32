package classfile

import "fmt"

// PoolBuilder appends entries to a class file's constant pool, reusing an
// existing entry whenever an identical one is already present.
type PoolBuilder struct {
	cf    *ClassFile
	index map[string]uint16
}

// NewPoolBuilder indexes the existing pool of cf. Entries it adds are
// appended to cf.ConstantPool directly.
func NewPoolBuilder(cf *ClassFile) *PoolBuilder {
	if len(cf.ConstantPool) == 0 {
		cf.ConstantPool = []ConstantPoolEntry{nil}
	}
	pb := &PoolBuilder{cf: cf, index: make(map[string]uint16)}
	for i, entry := range cf.ConstantPool {
		if entry == nil {
			continue
		}
		if key, ok := pb.key(entry); ok {
			if _, seen := pb.index[key]; !seen {
				pb.index[key] = uint16(i)
			}
		}
	}
	return pb
}

// NewClassFile starts an empty class with the given header.
func NewClassFile(major uint16, access uint16, name, super string, interfaces ...string) (*ClassFile, *PoolBuilder) {
	cf := &ClassFile{MajorVersion: major, AccessFlags: access}
	pb := NewPoolBuilder(cf)
	cf.ThisClass = pb.Class(name)
	if super != "" {
		cf.SuperClass = pb.Class(super)
	}
	for _, iface := range interfaces {
		cf.Interfaces = append(cf.Interfaces, pb.Class(iface))
	}
	return cf, pb
}

func (pb *PoolBuilder) key(entry ConstantPoolEntry) (string, bool) {
	switch c := entry.(type) {
	case *ConstantUtf8:
		return "U" + c.Value, true
	case *ConstantInteger:
		return fmt.Sprintf("I%d", c.Value), true
	case *ConstantString:
		return fmt.Sprintf("S%d", c.StringIndex), true
	case *ConstantClass:
		return fmt.Sprintf("C%d", c.NameIndex), true
	case *ConstantNameAndType:
		return fmt.Sprintf("N%d:%d", c.NameIndex, c.DescriptorIndex), true
	case *ConstantMemberref:
		return fmt.Sprintf("M%d:%d:%d", c.Kind, c.ClassIndex, c.NameAndTypeIndex), true
	}
	return "", false
}

func (pb *PoolBuilder) add(entry ConstantPoolEntry) uint16 {
	key, _ := pb.key(entry)
	if idx, ok := pb.index[key]; ok {
		return idx
	}
	if len(pb.cf.ConstantPool) >= 0xFFFF {
		panic("classfile: constant pool overflow")
	}
	idx := uint16(len(pb.cf.ConstantPool))
	pb.cf.ConstantPool = append(pb.cf.ConstantPool, entry)
	pb.index[key] = idx
	return idx
}

// Utf8 returns the index of a Utf8 entry holding s.
func (pb *PoolBuilder) Utf8(s string) uint16 {
	return pb.add(&ConstantUtf8{Value: s})
}

// Integer returns the index of an Integer entry.
func (pb *PoolBuilder) Integer(v int32) uint16 {
	return pb.add(&ConstantInteger{Value: v})
}

// String returns the index of a String entry.
func (pb *PoolBuilder) String(s string) uint16 {
	return pb.add(&ConstantString{StringIndex: pb.Utf8(s)})
}

// Class returns the index of a Class entry for the internal name.
func (pb *PoolBuilder) Class(name string) uint16 {
	return pb.add(&ConstantClass{NameIndex: pb.Utf8(name)})
}

// NameAndType returns the index of a NameAndType entry.
func (pb *PoolBuilder) NameAndType(name, desc string) uint16 {
	return pb.add(&ConstantNameAndType{NameIndex: pb.Utf8(name), DescriptorIndex: pb.Utf8(desc)})
}

// Fieldref returns the index of a Fieldref entry.
func (pb *PoolBuilder) Fieldref(owner, name, desc string) uint16 {
	return pb.member(TagFieldref, owner, name, desc)
}

// Methodref returns the index of a Methodref entry.
func (pb *PoolBuilder) Methodref(owner, name, desc string) uint16 {
	return pb.member(TagMethodref, owner, name, desc)
}

// InterfaceMethodref returns the index of an InterfaceMethodref entry.
func (pb *PoolBuilder) InterfaceMethodref(owner, name, desc string) uint16 {
	return pb.member(TagInterfaceMethodref, owner, name, desc)
}

func (pb *PoolBuilder) member(tag uint8, owner, name, desc string) uint16 {
	return pb.add(&ConstantMemberref{Kind: tag, ClassIndex: pb.Class(owner), NameAndTypeIndex: pb.NameAndType(name, desc)})
}

// AddField appends a field declaration.
func (pb *PoolBuilder) AddField(access uint16, name, desc string, attrs ...AttributeInfo) *FieldInfo {
	pb.Utf8(name)
	pb.Utf8(desc)
	pb.cf.Fields = append(pb.cf.Fields, FieldInfo{AccessFlags: access, Name: name, Descriptor: desc, Attributes: attrs})
	return &pb.cf.Fields[len(pb.cf.Fields)-1]
}

// AddMethod appends a method declaration. A non-nil code becomes its Code
// attribute when the class is written.
func (pb *PoolBuilder) AddMethod(access uint16, name, desc string, code *CodeAttribute, attrs ...AttributeInfo) *MethodInfo {
	pb.Utf8(name)
	pb.Utf8(desc)
	if code != nil {
		attrs = append([]AttributeInfo{{Name: AttrCode}}, attrs...)
	}
	pb.cf.Methods = append(pb.cf.Methods, MethodInfo{AccessFlags: access, Name: name, Descriptor: desc, Attributes: attrs, Code: code})
	return &pb.cf.Methods[len(pb.cf.Methods)-1]
}

// AddInterface makes the class implement iface unless it already does.
func (pb *PoolBuilder) AddInterface(iface string) {
	idx := pb.Class(iface)
	for _, existing := range pb.cf.Interfaces {
		if existing == idx {
			return
		}
	}
	pb.cf.Interfaces = append(pb.cf.Interfaces, idx)
}
