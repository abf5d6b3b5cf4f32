package classfile

// Access flags
const (
	AccPublic       = 0x0001
	AccPrivate      = 0x0002
	AccProtected    = 0x0004
	AccStatic       = 0x0008
	AccFinal        = 0x0010
	AccSuper        = 0x0020
	AccSynchronized = 0x0020
	AccVolatile     = 0x0040
	AccBridge       = 0x0040
	AccTransient    = 0x0080
	AccVarargs      = 0x0080
	AccNative       = 0x0100
	AccInterface    = 0x0200
	AccAbstract     = 0x0400
	AccStrict       = 0x0800
	AccSynthetic    = 0x1000
	AccAnnotation   = 0x2000
	AccEnum         = 0x4000
)

// ObjectClass is the universal root of every class hierarchy.
const ObjectClass = "java/lang/Object"

// ClassFile represents a parsed .class file.
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	ConstantPool []ConstantPoolEntry
	AccessFlags  uint16
	ThisClass    uint16
	SuperClass   uint16
	Interfaces   []uint16
	Fields       []FieldInfo
	Methods      []MethodInfo
	Attributes   []AttributeInfo

	// Decoded views of well-known class attributes. The raw attributes stay
	// in Attributes and are what Write serializes.
	Signature        string
	OuterClass       string
	BootstrapMethods []BootstrapMethod
	Annotations      []Annotation
}

// SuperClassName returns the fully qualified name of the super class.
// Returns "" if this is java/lang/Object (SuperClass == 0).
func (cf *ClassFile) SuperClassName() string {
	if cf.SuperClass == 0 {
		return ""
	}
	name, err := GetClassName(cf.ConstantPool, cf.SuperClass)
	if err != nil {
		return ""
	}
	return name
}

// InterfaceNames resolves the names of the directly implemented interfaces.
func (cf *ClassFile) InterfaceNames() ([]string, error) {
	names := make([]string, 0, len(cf.Interfaces))
	for _, idx := range cf.Interfaces {
		name, err := GetClassName(cf.ConstantPool, idx)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// IsInterface reports whether the class is an interface.
func (cf *ClassFile) IsInterface() bool {
	return cf.AccessFlags&AccInterface != 0
}

// BootstrapMethod is one entry of the BootstrapMethods attribute.
type BootstrapMethod struct {
	MethodRef          uint16
	BootstrapArguments []uint16
}

// MethodInfo represents a method in a class file.
type MethodInfo struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	Attributes  []AttributeInfo
	Code        *CodeAttribute

	Signature            string
	Exceptions           []string
	Annotations          []Annotation
	ParameterAnnotations [][]Annotation
}

// IsStatic reports whether the method is static.
func (m *MethodInfo) IsStatic() bool { return m.AccessFlags&AccStatic != 0 }

// IsAbstract reports whether the method has no body.
func (m *MethodInfo) IsAbstract() bool { return m.AccessFlags&AccAbstract != 0 }

// IsPrivate reports whether the method is private.
func (m *MethodInfo) IsPrivate() bool { return m.AccessFlags&AccPrivate != 0 }

// FieldInfo represents a field in a class file.
type FieldInfo struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	Attributes  []AttributeInfo

	Signature   string
	Annotations []Annotation
}

// IsStatic reports whether the field is static.
func (f *FieldInfo) IsStatic() bool { return f.AccessFlags&AccStatic != 0 }

// AttributeInfo represents a raw attribute.
type AttributeInfo struct {
	Name string
	Data []byte
}

// ExceptionHandler represents an entry in the exception table.
type ExceptionHandler struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16
}

// CodeAttribute represents the Code attribute of a method.
type CodeAttribute struct {
	MaxStack          uint16
	MaxLocals         uint16
	Code              []byte
	ExceptionHandlers []ExceptionHandler
	Attributes        []AttributeInfo
}

// Attribute returns the first nested attribute with the given name.
func (c *CodeAttribute) Attribute(name string) (AttributeInfo, bool) {
	return findAttribute(c.Attributes, name)
}

// SetAttribute replaces the nested attribute with the given name, or
// appends it. A nil data slice removes the attribute.
func (c *CodeAttribute) SetAttribute(name string, data []byte) {
	c.Attributes = setAttribute(c.Attributes, name, data)
}

func findAttribute(attrs []AttributeInfo, name string) (AttributeInfo, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeInfo{}, false
}

func setAttribute(attrs []AttributeInfo, name string, data []byte) []AttributeInfo {
	out := attrs[:0:0]
	replaced := false
	for _, a := range attrs {
		if a.Name == name {
			if data != nil && !replaced {
				out = append(out, AttributeInfo{Name: name, Data: data})
				replaced = true
			}
			continue
		}
		out = append(out, a)
	}
	if data != nil && !replaced {
		out = append(out, AttributeInfo{Name: name, Data: data})
	}
	return out
}
