// Package vm is a small interpreter for the int and reference subset of
// the JVM instruction set. It runs woven classes so their accessors and
// interceptors can be exercised without a JVM.
package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
)

var log = commonlog.GetLogger("jweave.vm")

// maxFrameDepth is the maximum number of nested method calls.
const maxFrameDepth = 1024

// ErrNoSuchMethod is returned when an invocation resolves to neither a
// loaded method nor a native.
var ErrNoSuchMethod = errors.New("no such method")

// Class is a loaded class with its static fields.
type Class struct {
	File       *classfile.ClassFile
	Name       string
	Super      string
	Interfaces []string
	Statics    map[string]Value

	bodies map[*classfile.MethodInfo]*bytecode.Body
}

func (c *Class) body(m *classfile.MethodInfo) (*bytecode.Body, error) {
	if b, ok := c.bodies[m]; ok {
		return b, nil
	}
	b, err := bytecode.Disassemble(m.Code)
	if err != nil {
		return nil, fmt.Errorf("%s.%s%s: %w", c.Name, m.Name, m.Descriptor, err)
	}
	c.bodies[m] = b
	return b, nil
}

// Native implements a method that is not part of any loaded class. For
// instance methods args[0] is the receiver.
type Native func(args []Value) (Value, error)

// VM is the virtual machine that executes Java bytecode.
type VM struct {
	classes    map[string]*Class
	natives    map[string]Native
	frameDepth int
}

// NewVM creates a VM with no classes loaded.
func NewVM() *VM {
	return &VM{
		classes: make(map[string]*Class),
		natives: make(map[string]Native),
	}
}

// Load parses and loads a class file.
func (vm *VM) Load(data []byte) (*Class, error) {
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return nil, err
	}
	return vm.LoadClass(cf)
}

// LoadClass loads a parsed class, replacing any class of the same name.
func (vm *VM) LoadClass(cf *classfile.ClassFile) (*Class, error) {
	name, err := cf.ClassName()
	if err != nil {
		return nil, err
	}
	ifaces, err := cf.InterfaceNames()
	if err != nil {
		return nil, err
	}
	c := &Class{
		File:       cf,
		Name:       name,
		Super:      cf.SuperClassName(),
		Interfaces: ifaces,
		Statics:    make(map[string]Value),
		bodies:     make(map[*classfile.MethodInfo]*bytecode.Body),
	}
	for _, f := range cf.Fields {
		if f.IsStatic() {
			c.Statics[f.Name] = zero(f.Descriptor)
		}
	}
	vm.classes[name] = c
	log.Debugf("loaded %s", name)
	return c, nil
}

// Class returns a loaded class.
func (vm *VM) Class(name string) (*Class, bool) {
	c, ok := vm.classes[name]
	return c, ok
}

// Native registers fn as the implementation of owner.name desc.
func (vm *VM) Native(owner, name, desc string, fn Native) {
	vm.natives[owner+"."+name+desc] = fn
}

// Instantiate allocates an object of a loaded class and runs its no-arg
// constructor if it declares one.
func (vm *VM) Instantiate(className string) (*Object, error) {
	c, ok := vm.classes[className]
	if !ok {
		return nil, fmt.Errorf("instantiate: class %s not loaded", className)
	}
	obj := NewObject(className)
	if m := c.File.FindMethod("<init>", "()V"); m != nil {
		if _, err := vm.executeMethod(c, m, []Value{RefValue(obj)}); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Invoke calls a method resolved statically from owner, the way
// invokestatic and invokespecial do. For instance methods args[0] is the
// receiver.
func (vm *VM) Invoke(owner, name, desc string, args ...Value) (Value, error) {
	return vm.invoke(owner, owner, name, desc, args)
}

// InvokeVirtual calls a method selected by the runtime class of recv.
func (vm *VM) InvokeVirtual(recv *Object, name, desc string, args ...Value) (Value, error) {
	return vm.invoke(recv.ClassName, recv.ClassName, name, desc, append([]Value{RefValue(recv)}, args...))
}

// invoke looks the method up starting at start; natives are keyed by the
// symbolic owner.
func (vm *VM) invoke(start, owner, name, desc string, args []Value) (Value, error) {
	if c, m := vm.findMethod(start, name, desc); m != nil {
		return vm.executeMethod(c, m, args)
	}
	if fn, ok := vm.natives[owner+"."+name+desc]; ok {
		return fn(args)
	}
	if owner == classfile.ObjectClass && name == "<init>" {
		return Value{}, nil
	}
	return Value{}, fmt.Errorf("%s.%s%s: %w", owner, name, desc, ErrNoSuchMethod)
}

// findMethod walks the superclass chain from start, then the
// superinterfaces for a default method.
func (vm *VM) findMethod(start, name, desc string) (*Class, *classfile.MethodInfo) {
	var ifaces []string
	for n := start; n != ""; {
		c, ok := vm.classes[n]
		if !ok {
			break
		}
		if m := c.File.FindMethod(name, desc); m != nil && !m.IsAbstract() {
			return c, m
		}
		ifaces = append(ifaces, c.Interfaces...)
		n = c.Super
	}
	seen := make(map[string]bool)
	for len(ifaces) > 0 {
		n := ifaces[0]
		ifaces = ifaces[1:]
		c, ok := vm.classes[n]
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		if m := c.File.FindMethod(name, desc); m != nil && !m.IsAbstract() && !m.IsStatic() {
			return c, m
		}
		ifaces = append(ifaces, c.Interfaces...)
	}
	return nil, nil
}

// IsInstance reports whether an object of class sub can be used where
// class super is expected. Classes that are not loaded are only related to
// themselves and Object.
func (vm *VM) IsInstance(sub, super string) bool {
	if sub == super || super == classfile.ObjectClass {
		return true
	}
	c, ok := vm.classes[sub]
	if !ok {
		return false
	}
	if c.Super != "" && vm.IsInstance(c.Super, super) {
		return true
	}
	for _, i := range c.Interfaces {
		if vm.IsInstance(i, super) {
			return true
		}
	}
	return false
}

// executeMethod executes a method with the given arguments and returns its return value.
func (vm *VM) executeMethod(class *Class, method *classfile.MethodInfo, args []Value) (Value, error) {
	if method.Code == nil {
		return Value{}, fmt.Errorf("method %s.%s has no Code attribute", class.Name, method.Name)
	}
	body, err := class.body(method)
	if err != nil {
		return Value{}, err
	}

	vm.frameDepth++
	if vm.frameDepth > maxFrameDepth {
		vm.frameDepth--
		return Value{}, fmt.Errorf("stack overflow: frame depth exceeded %d", maxFrameDepth)
	}
	defer func() { vm.frameDepth-- }()

	frame := NewFrame(body.MaxLocals, body.MaxStack, body.Insns, class)

	params, _, err := classfile.ParseMethodDescriptor(method.Descriptor)
	if err != nil {
		return Value{}, err
	}
	slot := 0
	if !method.IsStatic() {
		params = append([]string{classfile.ObjectType(class.Name)}, params...)
	}
	if len(args) != len(params) {
		return Value{}, fmt.Errorf("%s.%s%s: got %d arguments, want %d", class.Name, method.Name, method.Descriptor, len(args), len(params))
	}
	for i, arg := range args {
		frame.SetLocal(slot, arg)
		slot += classfile.SlotSize(params[i])
	}

	// Execution loop
	for frame.PC < len(frame.Insns) {
		at := frame.PC
		in := frame.Insns[at]
		frame.PC++

		retVal, hasReturn, err := vm.executeInstruction(frame, in)
		if err != nil {
			var je *JavaException
			if !errors.As(err, &je) || !vm.catch(frame, body.Handlers, at, je) {
				return Value{}, err
			}
			continue
		}
		if hasReturn {
			return retVal, nil
		}
	}
	return Value{}, fmt.Errorf("%s.%s%s: fell off the end of the code", class.Name, method.Name, method.Descriptor)
}

// catch transfers control to the first handler covering instruction at
// whose catch type matches the exception.
func (vm *VM) catch(frame *Frame, handlers []bytecode.Handler, at int, je *JavaException) bool {
	for _, h := range handlers {
		if at < h.Start || at >= h.End {
			continue
		}
		if h.CatchType != 0 {
			name, err := classfile.GetClassName(frame.Class.File.ConstantPool, h.CatchType)
			if err != nil || !vm.IsInstance(je.Object.ClassName, name) {
				continue
			}
		}
		frame.Clear()
		frame.Push(RefValue(je.Object))
		frame.PC = h.Handler
		return true
	}
	return false
}
