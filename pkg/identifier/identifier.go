// Package identifier holds the pluggable strategies that locate a target
// type, method, field or instruction by a string key.
package identifier

import (
	"fmt"
	"strings"

	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
)

// Kind selects what an identifier locates.
type Kind uint8

const (
	Type Kind = iota
	Method
	Field
	Instruction
)

func (k Kind) String() string {
	switch k {
	case Type:
		return "type"
	case Method:
		return "method"
	case Field:
		return "field"
	case Instruction:
		return "instruction"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Candidate is something a strategy is asked to match.
type Candidate interface {
	Kind() Kind
}

// TypeCandidate is a class being considered as a target type.
type TypeCandidate struct {
	Name   string
	Access uint16
}

// MemberCandidate is a field or method of a target type.
type MemberCandidate struct {
	Member     Kind
	Owner      string
	Name       string
	Descriptor string
	Access     uint16
}

// InstructionCandidate is the instruction at Index of a method body.
type InstructionCandidate struct {
	Owner  string
	Method *classfile.MethodInfo
	Insns  []bytecode.Instruction
	Index  int
	Pool   []classfile.ConstantPoolEntry
}

func (TypeCandidate) Kind() Kind        { return Type }
func (c MemberCandidate) Kind() Kind    { return c.Member }
func (InstructionCandidate) Kind() Kind { return Instruction }

// Insn returns the candidate instruction.
func (c InstructionCandidate) Insn() bytecode.Instruction { return c.Insns[c.Index] }

// Strategy locates targets of one kind. Static strategies enumerate exact
// names up front; dynamic ones only answer Matches.
type Strategy interface {
	Kind() Kind
	IsStatic() bool
	StaticNames() []string
	Matches(c Candidate) bool
}

// IsStatic reports whether s enumerates its targets.
func IsStatic(s Strategy) bool {
	return s != nil && s.IsStatic()
}

type typeNames struct {
	names map[string]bool
	list  []string
}

// Types matches classes by internal name.
func Types(names ...string) Strategy {
	s := &typeNames{names: make(map[string]bool, len(names)), list: names}
	for _, n := range names {
		s.names[n] = true
	}
	return s
}

func (s *typeNames) Kind() Kind            { return Type }
func (s *typeNames) IsStatic() bool        { return true }
func (s *typeNames) StaticNames() []string { return s.list }

func (s *typeNames) Matches(c Candidate) bool {
	tc, ok := c.(TypeCandidate)
	return ok && s.names[tc.Name]
}

type memberName struct {
	kind Kind
	name string
	desc string
}

// Members matches fields or methods by exact name and, when desc is not
// empty, exact descriptor.
func Members(kind Kind, name, desc string) Strategy {
	return &memberName{kind: kind, name: name, desc: desc}
}

func (s *memberName) Kind() Kind            { return s.kind }
func (s *memberName) IsStatic() bool        { return true }
func (s *memberName) StaticNames() []string { return []string{s.name} }

func (s *memberName) Matches(c Candidate) bool {
	mc, ok := c.(MemberCandidate)
	return ok && mc.Member == s.kind && mc.Name == s.name && (s.desc == "" || mc.Descriptor == s.desc)
}

type predicate struct {
	kind Kind
	fn   func(Candidate) bool
}

// Predicate is a dynamic strategy evaluated against each candidate.
func Predicate(kind Kind, fn func(Candidate) bool) Strategy {
	return &predicate{kind: kind, fn: fn}
}

func (s *predicate) Kind() Kind               { return s.kind }
func (s *predicate) IsStatic() bool           { return false }
func (s *predicate) StaticNames() []string    { return nil }
func (s *predicate) Matches(c Candidate) bool { return c.Kind() == s.kind && s.fn(c) }

// Prefix matches fields or methods whose name starts with prefix.
func Prefix(kind Kind, prefix string) Strategy {
	return Predicate(kind, func(c Candidate) bool {
		mc, ok := c.(MemberCandidate)
		return ok && strings.HasPrefix(mc.Name, prefix)
	})
}

// insnMatcher matches single instructions; ordinal picks the n-th match in
// the method (counting from 0), or every match when negative.
type insnMatcher struct {
	match   func(c InstructionCandidate, in bytecode.Instruction) bool
	ordinal int
}

func (s *insnMatcher) Kind() Kind            { return Instruction }
func (s *insnMatcher) IsStatic() bool        { return true }
func (s *insnMatcher) StaticNames() []string { return nil }

func (s *insnMatcher) Matches(c Candidate) bool {
	ic, ok := c.(InstructionCandidate)
	if !ok || ic.Index < 0 || ic.Index >= len(ic.Insns) || !s.match(ic, ic.Insns[ic.Index]) {
		return false
	}
	if s.ordinal < 0 {
		return true
	}
	seen := 0
	for i := 0; i < ic.Index; i++ {
		if s.match(ic, ic.Insns[i]) {
			seen++
		}
	}
	return seen == s.ordinal
}

// Positional is implemented by instruction strategies that name a fixed
// index, so callers can tell an out-of-range index from a non-match.
type Positional interface {
	Position() int
}

type atIndex struct {
	*insnMatcher
	index int
}

func (s *atIndex) Position() int { return s.index }

// AtIndex matches the instruction at a fixed position.
func AtIndex(index int) Strategy {
	return &atIndex{index: index, insnMatcher: &insnMatcher{ordinal: -1, match: func(c InstructionCandidate, _ bytecode.Instruction) bool {
		return c.Index == index
	}}}
}

// Opcode matches the ordinal-th instruction with the given opcode.
func Opcode(op byte, ordinal int) Strategy {
	return &insnMatcher{ordinal: ordinal, match: func(_ InstructionCandidate, in bytecode.Instruction) bool {
		return in.Op == op
	}}
}

// Invoke matches the ordinal-th call to owner.name desc. Empty owner or
// desc match anything; op 0 accepts every invoke instruction.
func Invoke(op byte, owner, name, desc string, ordinal int) Strategy {
	return &insnMatcher{ordinal: ordinal, match: func(c InstructionCandidate, in bytecode.Instruction) bool {
		if in.Op < bytecode.OpInvokevirtual || in.Op > bytecode.OpInvokeinterface || (op != 0 && in.Op != op) {
			return false
		}
		return refMatches(c.Pool, in.Index, owner, name, desc)
	}}
}

// FieldAccess matches the ordinal-th get/put of owner.name. op 0 accepts
// all four field instructions.
func FieldAccess(op byte, owner, name, desc string, ordinal int) Strategy {
	return &insnMatcher{ordinal: ordinal, match: func(c InstructionCandidate, in bytecode.Instruction) bool {
		if in.Op < bytecode.OpGetstatic || in.Op > bytecode.OpPutfield || (op != 0 && in.Op != op) {
			return false
		}
		return refMatches(c.Pool, in.Index, owner, name, desc)
	}}
}

// VarInsn matches the ordinal-th load or store of a local slot. op 0
// accepts any load or store; explicit ops also match their _n forms.
func VarInsn(op byte, slot int, ordinal int) Strategy {
	return &insnMatcher{ordinal: ordinal, match: func(_ InstructionCandidate, in bytecode.Instruction) bool {
		if !bytecode.IsLoad(in.Op) && !bytecode.IsStore(in.Op) {
			return false
		}
		s, ok := bytecode.LocalSlot(in)
		if !ok || s != slot {
			return false
		}
		return op == 0 || in.Op == op || shortForm(op, slot) == in.Op
	}}
}

// shortForm returns the xload_n/xstore_n opcode for op and slot, or 0.
func shortForm(op byte, slot int) byte {
	if slot > 3 {
		return 0
	}
	switch {
	case op >= bytecode.OpIload && op <= bytecode.OpAload:
		return bytecode.OpIload0 + (op-bytecode.OpIload)*4 + byte(slot)
	case op >= bytecode.OpIstore && op <= bytecode.OpAstore:
		return bytecode.OpIstore0 + (op-bytecode.OpIstore)*4 + byte(slot)
	}
	return 0
}

func refMatches(pool []classfile.ConstantPoolEntry, idx uint16, owner, name, desc string) bool {
	ref, err := classfile.ResolveMemberref(pool, idx)
	if err != nil {
		return false
	}
	return (owner == "" || ref.ClassName == owner) &&
		(name == "" || ref.Name == name) &&
		(desc == "" || ref.Descriptor == desc)
}
