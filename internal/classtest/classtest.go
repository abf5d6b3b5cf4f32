// Package classtest assembles small class files in memory so tests need
// no compiled fixtures.
package classtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daimatz/jweave/pkg/analysis"
	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
)

// Major is the class file version of built classes (Java 8), the first
// one with default methods.
const Major = 52

// Class is a class file under construction.
type Class struct {
	t    testing.TB
	CF   *classfile.ClassFile
	PB   *classfile.PoolBuilder
	Name string
}

// New starts a public class.
func New(t testing.TB, name, super string, ifaces ...string) *Class {
	t.Helper()
	cf, pb := classfile.NewClassFile(Major, classfile.AccPublic|classfile.AccSuper, name, super, ifaces...)
	return &Class{t: t, CF: cf, PB: pb, Name: name}
}

// NewInterface starts a public interface.
func NewInterface(t testing.TB, name string, supers ...string) *Class {
	t.Helper()
	cf, pb := classfile.NewClassFile(Major, classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract, name, classfile.ObjectClass, supers...)
	return &Class{t: t, CF: cf, PB: pb, Name: name}
}

// Annotation builds an annotation from alternating element names and
// values; a string value becomes a string element.
func Annotation(typeDesc string, kv ...any) classfile.Annotation {
	a := classfile.Annotation{Type: typeDesc, Elements: make(map[string]classfile.ElementValue)}
	for i := 0; i+1 < len(kv); i += 2 {
		name := kv[i].(string)
		switch v := kv[i+1].(type) {
		case string:
			a.Elements[name] = classfile.StringValue(v)
		case bool:
			a.Elements[name] = classfile.BoolValue(v)
		case classfile.ElementValue:
			a.Elements[name] = v
		default:
			panic("classtest: unsupported element value")
		}
	}
	return a
}

// Annotate adds runtime visible annotations to the class.
func (c *Class) Annotate(annots ...classfile.Annotation) *Class {
	c.CF.Annotations = append(c.CF.Annotations, annots...)
	c.CF.Attributes = append(c.CF.Attributes, classfile.AnnotationsAttribute(c.PB, true, annots))
	return c
}

// Signature sets the generic signature of the class.
func (c *Class) Signature(sig string) *Class {
	c.CF.Signature = sig
	c.CF.Attributes = append(c.CF.Attributes, classfile.SignatureAttribute(c.PB, sig))
	return c
}

// Field declares a field, with a generic signature when sig is not empty.
func (c *Class) Field(access uint16, name, desc, sig string) *classfile.FieldInfo {
	var attrs []classfile.AttributeInfo
	if sig != "" {
		attrs = append(attrs, classfile.SignatureAttribute(c.PB, sig))
	}
	f := c.PB.AddField(access, name, desc, attrs...)
	f.Signature = sig
	return f
}

// Member describes the metadata of a declared method.
type Member struct {
	Signature   string
	Exceptions  []string
	Annotations []classfile.Annotation
	Params      [][]classfile.Annotation
}

func (c *Class) attrs(m Member) []classfile.AttributeInfo {
	var attrs []classfile.AttributeInfo
	if m.Signature != "" {
		attrs = append(attrs, classfile.SignatureAttribute(c.PB, m.Signature))
	}
	if len(m.Exceptions) > 0 {
		attrs = append(attrs, classfile.ExceptionsAttribute(c.PB, m.Exceptions))
	}
	if len(m.Annotations) > 0 {
		attrs = append(attrs, classfile.AnnotationsAttribute(c.PB, true, m.Annotations))
	}
	if len(m.Params) > 0 {
		attrs = append(attrs, classfile.ParameterAnnotationsAttribute(c.PB, true, m.Params))
	}
	return attrs
}

func decorate(mi *classfile.MethodInfo, m Member) {
	mi.Signature = m.Signature
	mi.Exceptions = m.Exceptions
	mi.Annotations = m.Annotations
	mi.ParameterAnnotations = m.Params
}

// Abstract declares a public abstract method.
func (c *Class) Abstract(name, desc string, m Member) {
	mi := c.PB.AddMethod(classfile.AccPublic|classfile.AccAbstract, name, desc, nil, c.attrs(m)...)
	decorate(mi, m)
}

// Method declares a method whose body is insns. max_stack and the stack
// map are computed; every class is assumed to extend Object directly.
func (c *Class) Method(access uint16, name, desc string, m Member, insns ...bytecode.Instruction) {
	c.t.Helper()
	slots, err := classfile.ArgSlots(desc)
	require.NoError(c.t, err)
	if access&classfile.AccStatic == 0 {
		slots++
	}
	for _, in := range insns {
		if s, ok := bytecode.LocalSlot(in); ok && s+2 > slots {
			slots = s + 2
		}
	}
	info := &classfile.MethodInfo{AccessFlags: access, Name: name, Descriptor: desc}
	body := &bytecode.Body{Insns: insns, MaxLocals: uint16(slots)}
	code, _, err := (&analysis.Analyzer{Class: c.CF, Hierarchy: objectRoot{}}).Rebuild(c.PB, info, body)
	require.NoError(c.t, err)
	mi := c.PB.AddMethod(access, name, desc, code, c.attrs(m)...)
	decorate(mi, m)
}

type objectRoot struct{}

func (objectRoot) CommonSuperClass(a, b string) (string, error) {
	if a == b {
		return a, nil
	}
	return classfile.ObjectClass, nil
}

// Bytes writes the class.
func (c *Class) Bytes() []byte {
	c.t.Helper()
	data, err := classfile.Bytes(c.CF)
	require.NoError(c.t, err)
	return data
}

// Parse writes the class and parses it back, so every decoded view is
// populated the way a loaded class has it.
func (c *Class) Parse() *classfile.ClassFile {
	c.t.Helper()
	cf, err := classfile.ParseBytes(c.Bytes())
	require.NoError(c.t, err)
	return cf
}

// Ops parses data and returns the opcodes of method name.
func Ops(t testing.TB, data []byte, name, desc string) []byte {
	t.Helper()
	cf, err := classfile.ParseBytes(data)
	require.NoError(t, err)
	m := cf.FindMethod(name, desc)
	require.NotNil(t, m, "method %s%s", name, desc)
	require.NotNil(t, m.Code, "method %s%s has no code", name, desc)
	body, err := bytecode.Disassemble(m.Code)
	require.NoError(t, err)
	return body.Ops()
}

// Disassemble returns the body of a method of cf.
func Disassemble(t testing.TB, cf *classfile.ClassFile, name, desc string) *bytecode.Body {
	t.Helper()
	m := cf.FindMethod(name, desc)
	require.NotNil(t, m, "method %s%s", name, desc)
	require.NotNil(t, m.Code, "method %s%s has no code", name, desc)
	body, err := bytecode.Disassemble(m.Code)
	require.NoError(t, err)
	return body
}
