// Package compiler weaves resolved accessor plans into target classes:
// accessor method implementations, generated fields and interceptor calls
// inserted into existing method bodies.
package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/daimatz/jweave/pkg/accessor"
	"github.com/daimatz/jweave/pkg/analysis"
	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
	"github.com/daimatz/jweave/pkg/hierarchy"
	"github.com/daimatz/jweave/pkg/identifier"
	"github.com/daimatz/jweave/pkg/signature"
)

var log = commonlog.GetLogger("jweave.compiler")

// Compiler weaves plans into classes. It keeps no state between classes.
type Compiler struct {
	Resolver  *hierarchy.Resolver
	Accessors signature.AccessorLookup
}

// Weave implements every plan on cf, which is modified in place. When
// Weave fails cf is left partially woven and must be discarded.
func (c *Compiler) Weave(loader *hierarchy.Loader, cf *classfile.ClassFile, plans []*Plan) error {
	name, err := cf.ClassName()
	if err != nil {
		return err
	}
	if _, err := c.Resolver.Observe(loader, cf); err != nil {
		return fmt.Errorf("observing %s: %w", name, err)
	}
	params, err := classParams(cf.Signature)
	if err != nil {
		return fmt.Errorf("class signature of %s: %w", name, err)
	}

	scope := hierarchy.Scope{Resolver: c.Resolver, Loader: loader}
	w := &weaver{
		Compiler:    c,
		cf:          cf,
		pb:          classfile.NewPoolBuilder(cf),
		name:        name,
		scope:       scope,
		classParams: params,
	}
	w.analyzer = &analysis.Analyzer{Class: cf, Hierarchy: scope}

	for _, p := range plans {
		if err := w.weave(p); err != nil {
			return err
		}
		log.Infof("wove accessor %s into %s", p.Decl.Name, name)
	}
	return nil
}

type weaver struct {
	*Compiler
	cf          *classfile.ClassFile
	pb          *classfile.PoolBuilder
	name        string
	scope       hierarchy.Scope
	analyzer    *analysis.Analyzer
	classParams []*signature.FormalTypeParameter

	plan      *Plan
	accParams []*signature.FormalTypeParameter
}

func (w *weaver) weave(p *Plan) error {
	params, err := classParams(p.Decl.Signature)
	if err != nil {
		return fmt.Errorf("class signature of %s: %w", p.Decl.Name, err)
	}
	w.plan, w.accParams = p, params

	for i := range p.Fields {
		if err := w.field(&p.Fields[i]); err != nil {
			return err
		}
	}
	for i := range p.Methods {
		if err := w.method(&p.Methods[i]); err != nil {
			return err
		}
	}
	if err := w.interceptors(p.Interceptors); err != nil {
		return err
	}
	w.pb.AddInterface(p.Decl.Name)
	return nil
}

func (w *weaver) fail(kind ErrorKind, member, format string, args ...any) *TargetError {
	return &TargetError{
		Kind:     kind,
		Accessor: w.plan.Decl.Name,
		Member:   member,
		Target:   w.name,
		Detail:   fmt.Sprintf(format, args...),
	}
}

func classParams(sig string) ([]*signature.FormalTypeParameter, error) {
	if sig == "" {
		return nil, nil
	}
	s, err := signature.Parse(sig)
	if err != nil {
		return nil, err
	}
	return s.FormalParams, nil
}

func genericOr(generic, desc string) string {
	if generic != "" {
		return generic
	}
	return desc
}

// compatible checks sym against req with invariant top-level variance.
// downcast is set where the generated code casts the value to req.
func (w *weaver) compatible(member string, req, sym signature.Type, reqEnv, symEnv []*signature.FormalTypeParameter, downcast bool) error {
	ch := &signature.Checker{Hierarchy: w.scope, Accessors: w.Accessors, AllowDowncast: downcast}
	ok, err := ch.CheckExact(req, sym, reqEnv, symEnv)
	if err != nil {
		return fmt.Errorf("checking %s.%s against %s: %w", w.plan.Decl.Name, member, w.name, err)
	}
	if !ok {
		e := w.fail(IncompatibleType, member, "")
		e.Mismatch = &signature.Mismatch{Current: sym.String(), Expected: req.String()}
		return e
	}
	return nil
}

// cast converts the value on top of the stack from one field type to
// another. Only references need a checkcast.
func (w *weaver) cast(from, to string) []bytecode.Instruction {
	if from == to || !classfile.IsReference(to) || to == classfile.ObjectType(classfile.ObjectClass) {
		return nil
	}
	return []bytecode.Instruction{{Op: bytecode.OpCheckcast, Index: w.pb.Class(classfile.InternalName(to))}}
}

func (w *weaver) methodFree(member, name, desc string) error {
	if w.cf.FindMethod(name, desc) != nil {
		return w.fail(NameCollision, member, "%s already declares %s%s", w.name, name, desc)
	}
	return nil
}

func (w *weaver) fieldFree(member, name string) error {
	if w.cf.FindField(name) != nil {
		return w.fail(NameCollision, member, "%s already declares field %s", w.name, name)
	}
	return nil
}

// addMethod synthesizes a method from insns and computes its frames.
func (w *weaver) addMethod(access uint16, name, desc, sig string, exceptions []string, insns []bytecode.Instruction) error {
	slots, err := classfile.ArgSlots(desc)
	if err != nil {
		return err
	}
	if access&classfile.AccStatic == 0 {
		slots++
	}
	m := &classfile.MethodInfo{AccessFlags: access, Name: name, Descriptor: desc}
	body := &bytecode.Body{Insns: insns, MaxLocals: uint16(slots)}
	code, _, err := w.analyzer.Rebuild(w.pb, m, body)
	if err != nil {
		return fmt.Errorf("generating %s.%s%s: %w", w.name, name, desc, err)
	}

	var attrs []classfile.AttributeInfo
	if sig != "" {
		attrs = append(attrs, classfile.SignatureAttribute(w.pb, sig))
	}
	if len(exceptions) > 0 {
		attrs = append(attrs, classfile.ExceptionsAttribute(w.pb, exceptions))
	}
	added := w.pb.AddMethod(access, name, desc, code, attrs...)
	added.Signature = sig
	added.Exceptions = exceptions
	log.Debugf("generated %s.%s%s (%d instructions)", w.name, name, desc, len(insns))
	return nil
}

func (w *weaver) matchFields(s identifier.Strategy) []int {
	var out []int
	for i := range w.cf.Fields {
		f := &w.cf.Fields[i]
		if s.Matches(identifier.MemberCandidate{Member: identifier.Field, Owner: w.name, Name: f.Name, Descriptor: f.Descriptor, Access: f.AccessFlags}) {
			out = append(out, i)
		}
	}
	return out
}

func (w *weaver) matchMethods(s identifier.Strategy) []int {
	var out []int
	for i := range w.cf.Methods {
		m := &w.cf.Methods[i]
		if s.Matches(identifier.MemberCandidate{Member: identifier.Method, Owner: w.name, Name: m.Name, Descriptor: m.Descriptor, Access: m.AccessFlags}) {
			out = append(out, i)
		}
	}
	return out
}

func (w *weaver) fieldNames(idx []int) string {
	names := make([]string, len(idx))
	for i, j := range idx {
		names[i] = w.cf.Fields[j].Name
	}
	return strings.Join(names, ", ")
}

func (w *weaver) methodNames(idx []int) string {
	names := make([]string, len(idx))
	for i, j := range idx {
		names[i] = w.cf.Methods[j].Name + w.cf.Methods[j].Descriptor
	}
	return strings.Join(names, ", ")
}

// uniqueMethod resolves a method identifier to exactly one method.
func (w *weaver) uniqueMethod(member string, s identifier.Strategy) (int, error) {
	idx := w.matchMethods(s)
	switch len(idx) {
	case 0:
		return 0, w.fail(MethodNotFound, member, "no method matches")
	case 1:
		return idx[0], nil
	}
	return 0, w.fail(MultipleMethodsIdentified, member, "matches %s", w.methodNames(idx))
}

func (w *weaver) field(fp *FieldPlan) error {
	member := fp.String()
	if err := w.methodFree(member, fp.Name, fp.Desc); err != nil {
		return err
	}

	idx := w.matchFields(fp.Field)
	switch {
	case len(idx) > 1:
		return w.fail(MultipleFieldsIdentified, member, "matches %s", w.fieldNames(idx))
	case len(idx) == 0 && !fp.Generator:
		return w.fail(FieldNotFound, member, "no field matches")
	case len(idx) == 0:
		if !identifier.IsStatic(fp.Field) || len(fp.Field.StaticNames()) == 0 {
			return w.fail(FieldNotFound, member, "cannot generate a field for a dynamic identifier")
		}
		name := fp.Field.StaticNames()[0]
		if f := w.cf.FindField(name); f != nil {
			e := w.fail(IncompatibleType, member, "%s already declares field %s", w.name, name)
			e.Mismatch = &signature.Mismatch{Current: f.Descriptor, Expected: fp.Type}
			return e
		}
		w.pb.AddField(classfile.AccPrivate, name, fp.Type)
		log.Debugf("generated field %s.%s %s", w.name, name, fp.Type)
		idx = []int{len(w.cf.Fields) - 1}
	}
	f := &w.cf.Fields[idx[0]]

	accSig, err := signature.ParseMethod(fp.GenericSignature())
	if err != nil {
		return err
	}
	fieldType, err := signature.ParseType(genericOr(f.Signature, f.Descriptor))
	if err != nil {
		return err
	}
	accEnv := signature.Env(accSig.FormalParams, w.accParams)
	if fp.Setter {
		err = w.compatible(member, fieldType, accSig.Params[0], w.classParams, accEnv, true)
	} else {
		err = w.compatible(member, accSig.Return, fieldType, accEnv, w.classParams, false)
	}
	if err != nil {
		return err
	}

	static := f.IsStatic()
	ref := w.pb.Fieldref(w.name, f.Name, f.Descriptor)
	var insns []bytecode.Instruction
	if !static {
		insns = append(insns, bytecode.Instruction{Op: bytecode.OpAload0})
	}
	if !fp.Setter {
		op := byte(bytecode.OpGetfield)
		if static {
			op = bytecode.OpGetstatic
		}
		insns = append(insns, bytecode.Instruction{Op: op, Index: ref})
		insns = append(insns, w.cast(f.Descriptor, fp.Type)...)
		insns = append(insns, bytecode.Instruction{Op: bytecode.ReturnOp(fp.Type)})
		return w.addMethod(classfile.AccPublic, fp.Name, fp.Desc, fp.Signature, nil, insns)
	}

	if f.AccessFlags&classfile.AccFinal != 0 {
		f.AccessFlags &^= classfile.AccFinal
		log.Debugf("dropped final from %s.%s for setter %s", w.name, f.Name, member)
	}
	op := byte(bytecode.OpPutfield)
	if static {
		op = bytecode.OpPutstatic
	}
	insns = append(insns, bytecode.Load(fp.Type, 1))
	insns = append(insns, w.cast(fp.Type, f.Descriptor)...)
	insns = append(insns, bytecode.Instruction{Op: op, Index: ref})
	switch fp.Mode {
	case accessor.ModeChain:
		insns = append(insns, bytecode.Instruction{Op: bytecode.OpAload0}, bytecode.Instruction{Op: bytecode.OpAreturn})
	case accessor.ModeEcho:
		insns = append(insns, bytecode.Load(fp.Type, 1), bytecode.Instruction{Op: bytecode.ReturnOp(fp.Type)})
	default:
		insns = append(insns, bytecode.Instruction{Op: bytecode.OpReturn})
	}
	return w.addMethod(classfile.AccPublic, fp.Name, fp.Desc, fp.Signature, nil, insns)
}

func (w *weaver) method(mp *MethodPlan) error {
	member := mp.String()
	if err := w.methodFree(member, mp.Name, mp.Desc); err != nil {
		return err
	}
	mi, err := w.uniqueMethod(member, mp.Method)
	if err != nil {
		return err
	}
	t := &w.cf.Methods[mi]
	if t.Name == "<init>" || t.Name == "<clinit>" {
		return w.fail(IncompatibleType, member, "cannot forward to initializer %s%s", t.Name, t.Descriptor)
	}

	accSig, err := signature.ParseMethod(mp.GenericSignature())
	if err != nil {
		return err
	}
	tSig, err := signature.ParseMethod(genericOr(t.Signature, t.Descriptor))
	if err != nil {
		return err
	}
	if len(accSig.Params) != len(tSig.Params) {
		e := w.fail(IncompatibleType, member, "parameter count differs")
		e.Mismatch = &signature.Mismatch{Current: mp.Desc, Expected: t.Descriptor}
		return e
	}
	accEnv := signature.Env(accSig.FormalParams, w.accParams)
	tEnv := signature.Env(tSig.FormalParams, w.classParams)
	for i := range tSig.Params {
		if err := w.compatible(member, tSig.Params[i], accSig.Params[i], tEnv, accEnv, true); err != nil {
			return err
		}
	}
	if err := w.compatible(member, accSig.Return, tSig.Return, accEnv, tEnv, false); err != nil {
		return err
	}
	if !sameSet(mp.Exceptions, t.Exceptions) {
		return w.fail(IncompatibleType, member, "declares exceptions %v, target declares %v", mp.Exceptions, t.Exceptions)
	}

	accParams, accRet, err := classfile.ParseMethodDescriptor(mp.Desc)
	if err != nil {
		return err
	}
	tParams, tRet, err := classfile.ParseMethodDescriptor(t.Descriptor)
	if err != nil {
		return err
	}
	var insns []bytecode.Instruction
	if !t.IsStatic() {
		insns = append(insns, bytecode.Instruction{Op: bytecode.OpAload0})
	}
	slot := 1
	for i, p := range accParams {
		insns = append(insns, bytecode.Load(p, slot))
		insns = append(insns, w.cast(p, tParams[i])...)
		slot += classfile.SlotSize(p)
	}
	insns = append(insns, w.invoke(t))
	insns = append(insns, w.cast(tRet, accRet)...)
	insns = append(insns, bytecode.Instruction{Op: bytecode.ReturnOp(accRet)})
	return w.addMethod(classfile.AccPublic, mp.Name, mp.Desc, mp.Signature, mp.Exceptions, insns)
}

// invoke calls t, a method declared by the class being woven.
func (w *weaver) invoke(t *classfile.MethodInfo) bytecode.Instruction {
	iface := w.cf.IsInterface()
	var ref uint16
	if iface {
		ref = w.pb.InterfaceMethodref(w.name, t.Name, t.Descriptor)
	} else {
		ref = w.pb.Methodref(w.name, t.Name, t.Descriptor)
	}
	switch {
	case t.IsStatic():
		return bytecode.Instruction{Op: bytecode.OpInvokestatic, Index: ref}
	case t.IsPrivate():
		return bytecode.Instruction{Op: bytecode.OpInvokespecial, Index: ref}
	case iface:
		slots, _ := classfile.ArgSlots(t.Descriptor)
		return bytecode.Instruction{Op: bytecode.OpInvokeinterface, Index: ref, Const: int32(slots + 1)}
	}
	return bytecode.Instruction{Op: bytecode.OpInvokevirtual, Index: ref}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
