package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/daimatz/jweave/pkg/analysis"
	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
	"github.com/daimatz/jweave/pkg/identifier"
	"github.com/daimatz/jweave/pkg/signature"
)

// insertion is one interceptor call resolved against a target method.
type insertion struct {
	plan   *InterceptorPlan
	member string
	hook   string
	sig    *signature.Signature
	env    []*signature.FormalTypeParameter

	entry  int
	exit   int
	locals []localSlot
}

type localSlot struct {
	slot int

	// desc is the erased type the slot holds at the entry instruction.
	desc string

	// mirror is the field the interceptor's setter writes, or "" when the
	// local is read only.
	mirror string
}

// HookName is the private method through which a woven class calls the
// interceptor default method of an accessor.
func HookName(accessorName, interceptor string) string {
	return "jweave$" + strings.ReplaceAll(accessorName, "/", "_") + "$" + interceptor
}

// MirrorName is the private field holding an exported local while its
// interceptor runs.
func MirrorName(interceptor, local string) string {
	return "jweave$" + interceptor + "$" + local
}

func (w *weaver) hasSetter(name string) bool {
	for _, m := range w.plan.Decl.LocalSetters {
		if m.Name == name {
			return true
		}
	}
	return false
}

func (w *weaver) interceptors(plans []InterceptorPlan) error {
	byMethod := make(map[int][]*insertion)
	var order []int
	for i := range plans {
		ip := &plans[i]
		in := &insertion{plan: ip, member: ip.String(), hook: HookName(w.plan.Decl.Name, ip.Name), exit: -1}
		if err := w.methodFree(in.member, in.hook, ip.Desc); err != nil {
			return err
		}
		mi, err := w.uniqueMethod(in.member, ip.Method)
		if err != nil {
			return err
		}
		if _, seen := byMethod[mi]; !seen {
			order = append(order, mi)
		}
		byMethod[mi] = append(byMethod[mi], in)
	}

	var all []*insertion
	for _, mi := range order {
		if err := w.intercept(mi, byMethod[mi]); err != nil {
			return err
		}
		all = append(all, byMethod[mi]...)
	}
	for _, in := range all {
		if err := w.synthesize(in); err != nil {
			return err
		}
	}
	return nil
}

// intercept resolves every insertion against method mi on the original
// body, then inserts them from the last entry to the first so resolved
// indices stay valid, and recomputes the frames.
func (w *weaver) intercept(mi int, ins []*insertion) error {
	m := &w.cf.Methods[mi]
	target := m.Name + m.Descriptor
	switch {
	case m.Code == nil:
		return w.fail(MethodNotFound, ins[0].member, "%s has no code", target)
	case m.IsStatic():
		return w.fail(IncompatibleType, ins[0].member, "%s is static and has no receiver", target)
	}

	body, err := bytecode.Disassemble(m.Code)
	if err != nil {
		return fmt.Errorf("disassembling %s.%s: %w", w.name, target, err)
	}
	declared, err := analysis.DeclaredFrames(w.cf, m, body)
	if err != nil {
		return fmt.Errorf("reading frames of %s.%s: %w", w.name, target, err)
	}
	res, err := (&analysis.Analyzer{Class: w.cf, Hierarchy: w.scope, Declared: declared}).Analyze(m, body)
	if err != nil {
		return fmt.Errorf("analyzing %s.%s: %w", w.name, target, err)
	}
	for _, in := range ins {
		if err := w.locate(m, body, res, in); err != nil {
			return err
		}
	}

	// inserting at the same entry prepends, so equal entries go in reverse
	// to run in declaration order
	ordered := make([]*insertion, len(ins))
	for i, in := range ins {
		ordered[len(ins)-1-i] = in
	}
	ins = ordered
	sort.SliceStable(ins, func(a, b int) bool { return ins[a].entry > ins[b].entry })
	type inserted struct{ at, n int }
	var done []inserted
	label := func(i int) int {
		for _, d := range done {
			if d.at < i {
				i += d.n
			}
		}
		return i
	}
	for _, in := range ins {
		seq, err := w.sequence(m, res.Frames[in.entry], in)
		if err != nil {
			return err
		}
		if in.plan.Conditional() {
			// an exit at the entry resumes at the entry instruction itself
			exit := label(in.exit)
			if exit >= in.entry {
				exit += len(seq)
			}
			seq[len(seq)-1].Target = exit
		}
		// label semantics: every earlier insertion sits at or after this entry
		if err := body.InsertBefore(in.entry, seq...); err != nil {
			return err
		}
		log.Debugf("inserted %s before instruction %d of %s.%s (%d instructions)", in.member, in.entry, w.name, target, len(seq))
		done = append(done, inserted{in.entry, len(seq)})
	}
	moved := func(i int) int {
		for _, d := range done {
			if d.at <= i {
				i += d.n
			}
		}
		return i
	}

	an := &analysis.Analyzer{Class: w.cf, Hierarchy: w.scope, Declared: analysis.RemapFrames(declared, label, moved)}
	code, _, err := an.Rebuild(w.pb, m, body)
	if err != nil {
		return fmt.Errorf("rebuilding %s.%s: %w", w.name, target, err)
	}
	m.Code = code
	return nil
}

// instruction resolves an instruction identifier to a unique index.
func (w *weaver) instruction(m *classfile.MethodInfo, body *bytecode.Body, member string, s identifier.Strategy) (int, error) {
	if p, ok := s.(identifier.Positional); ok && (p.Position() < 0 || p.Position() >= len(body.Insns)) {
		return 0, w.fail(InstructionOutOfBounds, member, "index %d outside %s%s with %d instructions", p.Position(), m.Name, m.Descriptor, len(body.Insns))
	}
	found := w.matchInstructions(m, body, s)
	switch len(found) {
	case 0:
		return 0, w.fail(InstructionNotFound, member, "no instruction of %s%s matches", m.Name, m.Descriptor)
	case 1:
		return found[0], nil
	}
	return 0, w.fail(MultipleInstructionsIdentified, member, "matches instructions %v of %s%s", found, m.Name, m.Descriptor)
}

func (w *weaver) matchInstructions(m *classfile.MethodInfo, body *bytecode.Body, s identifier.Strategy) []int {
	var found []int
	for i := range body.Insns {
		c := identifier.InstructionCandidate{Owner: w.name, Method: m, Insns: body.Insns, Index: i, Pool: w.cf.ConstantPool}
		if s.Matches(c) {
			found = append(found, i)
		}
	}
	return found
}

// locate resolves the entry, exit and locals of an insertion and checks
// them against the frames of the unmodified body.
func (w *weaver) locate(m *classfile.MethodInfo, body *bytecode.Body, res *analysis.Result, in *insertion) error {
	ip := in.plan
	var err error
	if in.entry, err = w.instruction(m, body, in.member, ip.Entry); err != nil {
		return err
	}
	f := res.Frames[in.entry]
	switch {
	case f == nil:
		return w.fail(InstructionNotFound, in.member, "entry instruction %d (%s) is unreachable", in.entry, body.Insns[in.entry])
	case f.Local(0).Kind != analysis.Object:
		return w.fail(IncompatibleType, in.member, "receiver is %s at instruction %d", f.Local(0), in.entry)
	}

	if ip.Conditional() {
		if in.exit, err = w.instruction(m, body, in.member, ip.Exit); err != nil {
			return err
		}
		ef := res.Frames[in.exit]
		switch {
		case ef == nil:
			return w.fail(InvalidJumpTarget, in.member, "exit instruction %d (%s) is unreachable", in.exit, body.Insns[in.exit])
		case len(ef.Stack) > 0:
			return w.fail(InvalidJumpTarget, in.member, "exit instruction %d (%s) has operand stack %s", in.exit, body.Insns[in.exit], ef.StackString())
		}
	}

	if in.sig, err = signature.ParseMethod(ip.GenericSignature()); err != nil {
		return err
	}
	in.env = signature.Env(in.sig.FormalParams, w.accParams)
	for j, l := range ip.Locals {
		ls, err := w.local(m, body, f, in, j)
		if err != nil {
			return err
		}
		if !ip.IsReturn && w.hasSetter(l.SetterName(ip.Name)) {
			ls.mirror = MirrorName(ip.Name, l.ID)
			if err := w.fieldFree(in.member, ls.mirror); err != nil {
				return err
			}
			if err := w.methodFree(in.member, l.SetterName(ip.Name), "("+l.Type+")V"); err != nil {
				return err
			}
		}
		in.locals = append(in.locals, ls)
	}

	if ip.IsReturn {
		tSig, err := signature.ParseMethod(genericOr(m.Signature, m.Descriptor))
		if err != nil {
			return err
		}
		tEnv := signature.Env(tSig.FormalParams, w.classParams)
		if err := w.compatible(in.member, tSig.Return, in.sig.Return, tEnv, in.env, true); err != nil {
			return err
		}
	}
	return nil
}

// local resolves the j-th imported local to a slot and checks its type
// at the entry frame.
func (w *weaver) local(m *classfile.MethodInfo, body *bytecode.Body, f *analysis.Frame, in *insertion, j int) (localSlot, error) {
	l := in.plan.Locals[j]
	slots := make(map[int]bool)
	var first int
	for _, i := range w.matchInstructions(m, body, in.plan.LocalVars[j]) {
		s, ok := bytecode.LocalSlot(body.Insns[i])
		if !ok {
			continue
		}
		if len(slots) == 0 {
			first = s
		}
		slots[s] = true
	}
	switch len(slots) {
	case 0:
		return localSlot{}, w.fail(LocalNotAvailable, in.member, "no local variable instruction matches %q", l.ID)
	case 1:
	default:
		return localSlot{}, w.fail(MultipleInstructionsIdentified, in.member, "local %q matches %d different slots", l.ID, len(slots))
	}

	t := f.Local(first)
	want := analysis.FromDescriptor(l.Type)
	mismatch := func() error {
		e := w.fail(IncompatibleType, in.member, "local %q in slot %d", l.ID, first)
		e.Mismatch = &signature.Mismatch{Current: t.String(), Expected: l.Type}
		return e
	}
	switch {
	case t.Kind == analysis.Top, t.Kind == analysis.Uninitialized, t.Kind == analysis.UninitializedThis:
		return localSlot{}, w.fail(LocalNotAvailable, in.member, "slot %d of local %q holds %s at instruction %d", first, l.ID, t, in.entry)
	case !want.IsReference():
		if t.Kind != want.Kind {
			return localSlot{}, mismatch()
		}
		return localSlot{slot: first, desc: l.Type}, nil
	case t.Kind == analysis.Null:
		return localSlot{slot: first, desc: l.Type}, nil
	case t.Kind != analysis.Object:
		return localSlot{}, mismatch()
	}

	sym, err := signature.ParseType(t.Descriptor())
	if err != nil {
		return localSlot{}, err
	}
	ch := &signature.Checker{Hierarchy: w.scope, Accessors: w.Accessors, AllowDowncast: true}
	ok, err := ch.Check(in.sig.Params[j], sym, in.env, nil)
	if err != nil {
		return localSlot{}, err
	}
	if !ok {
		return localSlot{}, mismatch()
	}
	return localSlot{slot: first, desc: t.Descriptor()}, nil
}

// sequence builds the code inserted before the entry instruction. For a
// conditional interceptor the last instruction is the goto to the exit;
// its target is filled in by the caller.
func (w *weaver) sequence(m *classfile.MethodInfo, f *analysis.Frame, in *insertion) ([]bytecode.Instruction, error) {
	ip := in.plan
	aload0 := bytecode.Instruction{Op: bytecode.OpAload0}
	var seq []bytecode.Instruction
	for j, ls := range in.locals {
		if ls.mirror == "" {
			continue
		}
		t := ip.Locals[j].Type
		seq = append(seq, aload0, bytecode.Load(t, ls.slot))
		seq = append(seq, w.cast(ls.desc, t)...)
		seq = append(seq, bytecode.Instruction{Op: bytecode.OpPutfield, Index: w.pb.Fieldref(w.name, ls.mirror, t)})
	}

	seq = append(seq, aload0)
	for j, ls := range in.locals {
		t := ip.Locals[j].Type
		seq = append(seq, bytecode.Load(t, ls.slot))
		seq = append(seq, w.cast(ls.desc, t)...)
	}
	seq = append(seq, bytecode.Instruction{Op: bytecode.OpInvokespecial, Index: w.pb.Methodref(w.name, in.hook, ip.Desc)})

	for j, ls := range in.locals {
		if ls.mirror == "" {
			continue
		}
		t := ip.Locals[j].Type
		seq = append(seq, aload0, bytecode.Instruction{Op: bytecode.OpGetfield, Index: w.pb.Fieldref(w.name, ls.mirror, t)})
		seq = append(seq, w.cast(t, ls.desc)...)
		seq = append(seq, bytecode.Store(t, ls.slot))
	}

	switch {
	case ip.IsReturn:
		_, tRet, err := classfile.ParseMethodDescriptor(m.Descriptor)
		if err != nil {
			return nil, err
		}
		_, icRet, err := classfile.ParseMethodDescriptor(ip.Desc)
		if err != nil {
			return nil, err
		}
		seq = append(seq, w.cast(icRet, tRet)...)
		seq = append(seq, bytecode.Instruction{Op: bytecode.ReturnOp(tRet)})
	case ip.Conditional():
		// ifeq skips to the entry instruction, which lands right after seq
		ifeq := len(seq)
		seq = append(seq, bytecode.Instruction{Op: bytecode.OpIfeq})
		vals := f.StackValues()
		for k := len(vals) - 1; k >= 0; k-- {
			op := byte(bytecode.OpPop)
			if vals[k].IsWide() {
				op = bytecode.OpPop2
			}
			seq = append(seq, bytecode.Instruction{Op: op})
		}
		seq = append(seq, bytecode.Instruction{Op: bytecode.OpGoto})
		seq[ifeq].Target = in.entry + len(seq)
	}
	return seq, nil
}

// synthesize adds the hook, mirror fields and local setters of an
// insertion. It runs after every body is rewritten because adding
// methods moves the method table.
func (w *weaver) synthesize(in *insertion) error {
	ip := in.plan
	params, ret, err := classfile.ParseMethodDescriptor(ip.Desc)
	if err != nil {
		return err
	}
	insns := []bytecode.Instruction{{Op: bytecode.OpAload0}}
	slot := 1
	for _, p := range params {
		insns = append(insns, bytecode.Load(p, slot))
		slot += classfile.SlotSize(p)
	}
	insns = append(insns,
		bytecode.Instruction{Op: bytecode.OpInvokeinterface, Index: w.pb.InterfaceMethodref(w.plan.Decl.Name, ip.Name, ip.Desc), Const: int32(slot)},
		bytecode.Instruction{Op: bytecode.ReturnOp(ret)},
	)
	if err := w.addMethod(classfile.AccPrivate|classfile.AccSynthetic, in.hook, ip.Desc, "", nil, insns); err != nil {
		return err
	}

	for j, ls := range in.locals {
		if ls.mirror == "" {
			continue
		}
		l := ip.Locals[j]
		w.pb.AddField(classfile.AccPrivate|classfile.AccSynthetic, ls.mirror, l.Type)
		setter := []bytecode.Instruction{
			{Op: bytecode.OpAload0},
			bytecode.Load(l.Type, 1),
			{Op: bytecode.OpPutfield, Index: w.pb.Fieldref(w.name, ls.mirror, l.Type)},
			{Op: bytecode.OpReturn},
		}
		if err := w.addMethod(classfile.AccPublic, l.SetterName(ip.Name), "("+l.Type+")V", "", nil, setter); err != nil {
			return err
		}
	}
	return nil
}
