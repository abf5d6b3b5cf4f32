package signature

import (
	"fmt"
)

// Side names one of the two signatures being compared.
type Side uint8

const (
	Requirement Side = iota
	Symbol
)

func (s Side) String() string {
	if s == Symbol {
		return "symbol"
	}
	return "requirement"
}

// UnresolvedVariableError reports a type variable missing from the formal
// parameter environment of its side.
type UnresolvedVariableError struct {
	Side Side
	Name string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("type variable %s is not declared on the %s side", e.Name, e.Side)
}

// Hierarchy answers raw subtype questions. *hierarchy.Scope implements it.
type Hierarchy interface {
	IsSubtype(sub, super string) (bool, error)
}

// AccessorLookup reports whether accessor is a registered accessor
// interface whose target identifier matches the class target.
type AccessorLookup interface {
	IsAccessorFor(accessor, target string) bool
}

// Checker decides whether a symbol type can be used where a requirement
// type is expected.
type Checker struct {
	Hierarchy Hierarchy
	Accessors AccessorLookup

	// AllowDowncast lets an accessor stand in for its target class where
	// the class itself is required. Callers set it when they insert the
	// narrowing cast.
	//
	// The accessor rule is symmetric only with the flag set: by default
	// Check(T, TAccessor) is false, because an accessor reference is not a
	// T until it is cast, while Check(TAccessor, T) always holds.
	AllowDowncast bool
}

// Mismatch describes a failed check.
type Mismatch struct {
	Current  string
	Expected string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("type mismatch: got %s, expected %s", m.Current, m.Expected)
}

// state is the bookkeeping of one top-level check. active counts the
// variables currently being substituted on each side; cycle holds the
// first variable whose substitution repeated.
type state struct {
	reqParams, symParams []*FormalTypeParameter
	active               [2]map[string]int
	cycle                [2]string
}

func (c *Checker) newState(reqParams, symParams []*FormalTypeParameter) *state {
	return &state{
		reqParams: reqParams,
		symParams: symParams,
		active:    [2]map[string]int{{}, {}},
	}
}

func (s *state) cycled() bool { return s.cycle[Requirement] != "" && s.cycle[Symbol] != "" }

// Check reports whether sym satisfies req with covariant (extends)
// variance at the top level. Incompatibility is a false result; only an
// unresolved type variable is an error.
func (c *Checker) Check(req, sym Type, reqParams, symParams []*FormalTypeParameter) (bool, error) {
	return c.check(c.newState(reqParams, symParams), req, sym, Extends)
}

// CheckExact is Check with invariant top-level variance.
func (c *Checker) CheckExact(req, sym Type, reqParams, symParams []*FormalTypeParameter) (bool, error) {
	return c.check(c.newState(reqParams, symParams), req, sym, Exact)
}

// CheckParams reports whether every bound of req is satisfied by some
// bound of sym.
func (c *Checker) CheckParams(req, sym *FormalTypeParameter, reqParams, symParams []*FormalTypeParameter) (bool, error) {
	return c.checkParams(c.newState(reqParams, symParams), req, sym, 0, 0)
}

// Explain runs Check and describes the mismatch, or returns nil when the
// types are compatible.
func (c *Checker) Explain(req, sym Type, reqParams, symParams []*FormalTypeParameter) (*Mismatch, error) {
	ok, err := c.Check(req, sym, reqParams, symParams)
	if err != nil || ok {
		return nil, err
	}
	return &Mismatch{Current: sym.String(), Expected: req.String()}, nil
}

func (c *Checker) check(st *state, req, sym Type, v Wildcard) (bool, error) {
	reqVar, reqIsVar := req.(*TypeVariable)
	symVar, symIsVar := sym.(*TypeVariable)

	switch {
	case reqIsVar && symIsVar:
		if reqVar.Dims != symVar.Dims {
			return false, nil
		}
		rp, err := st.lookup(Requirement, reqVar.Name)
		if err != nil {
			return false, err
		}
		sp, err := st.lookup(Symbol, symVar.Name)
		if err != nil {
			return false, err
		}
		return c.checkParams(st, rp, sp, reqVar.Dims, v)

	case reqIsVar:
		rp, err := st.lookup(Requirement, reqVar.Name)
		if err != nil {
			return false, err
		}
		st.enter(Requirement, rp.Name)
		defer st.leave(Requirement, rp.Name)
		for _, b := range rp.Bounds() {
			ok, err := c.check(st, withExtraDims(b, reqVar.Dims), sym, v)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case symIsVar:
		sp, err := st.lookup(Symbol, symVar.Name)
		if err != nil {
			return false, err
		}
		st.enter(Symbol, sp.Name)
		defer st.leave(Symbol, sp.Name)
		for _, b := range sp.Bounds() {
			ok, err := c.check(st, req, withExtraDims(b, symVar.Dims), v)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}

	switch r := req.(type) {
	case *BaseType:
		s, ok := sym.(*BaseType)
		return ok && s.Desc == r.Desc && s.Dims == r.Dims, nil
	case *ClassType:
		s, ok := sym.(*ClassType)
		if !ok {
			// Primitive arrays still fit an Object requirement.
			b, isBase := sym.(*BaseType)
			return isBase && b.Dims > 0 && r.Dims == 0 && r.Raw == Object.Raw && v != Super, nil
		}
		return c.checkClasses(st, r, s, v)
	}
	return false, nil
}

func withExtraDims(t Type, dims int) Type {
	if dims == 0 {
		return t
	}
	return t.withDims(t.Dimensions() + dims)
}

func (s *state) lookup(side Side, name string) (*FormalTypeParameter, error) {
	params := s.reqParams
	if side == Symbol {
		params = s.symParams
	}
	p := Lookup(params, name)
	if p == nil {
		return nil, &UnresolvedVariableError{Side: side, Name: name}
	}
	return p, nil
}

func (s *state) enter(side Side, name string) {
	if s.active[side][name] > 0 && s.cycle[side] == "" {
		s.cycle[side] = name
	}
	s.active[side][name]++
}

func (s *state) leave(side Side, name string) {
	s.active[side][name]--
}

// checkParams compares two formal parameter definitions reached by
// substituting a type variable on each side.
func (c *Checker) checkParams(st *state, req, sym *FormalTypeParameter, dims int, v Wildcard) (bool, error) {
	st.enter(Requirement, req.Name)
	defer st.leave(Requirement, req.Name)
	st.enter(Symbol, sym.Name)
	defer st.leave(Symbol, sym.Name)

	if v == Exact {
		v = Extends
	}
	for _, rb := range req.Bounds() {
		satisfied := false
		for _, sb := range sym.Bounds() {
			ok, err := c.check(st, withExtraDims(rb, dims), withExtraDims(sb, dims), v)
			if err != nil {
				return false, err
			}
			if ok {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false, nil
		}
	}
	return true, nil
}

func (c *Checker) checkClasses(st *state, req, sym *ClassType, v Wildcard) (bool, error) {
	if req.Dims != sym.Dims {
		switch {
		case v == Extends && req.Dims == 0 && req.Raw == Object.Raw:
			return true, nil
		case v == Super && sym.Dims == 0 && sym.Raw == Object.Raw:
			return true, nil
		}
		return false, nil
	}

	var ok bool
	var err error
	switch v {
	case Exact:
		ok = c.sameClass(req.Raw, sym.Raw)
	case Super:
		ok, err = c.assignable(sym.Raw, req.Raw)
	default:
		ok, err = c.assignable(req.Raw, sym.Raw)
	}
	if err != nil || !ok {
		return false, err
	}

	if len(req.Args) == 0 || len(sym.Args) == 0 {
		// A raw side accepts any parameterization.
		return true, nil
	}
	if len(req.Args) != len(sym.Args) {
		return false, nil
	}
	for i := range req.Args {
		ra, sa := req.Args[i], sym.Args[i]
		if st.cycled() && (st.isCycleStart(Requirement, ra.Type) || st.isCycleStart(Symbol, sa.Type)) {
			continue
		}
		ok, err := c.checkArg(st, ra, sa)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s *state) isCycleStart(side Side, t Type) bool {
	tv, ok := t.(*TypeVariable)
	return ok && tv.Name == s.cycle[side]
}

// checkArg decides whether the symbol's type argument fits inside the
// requirement's. Impossible wildcard combinations are rejected before
// descending.
func (c *Checker) checkArg(st *state, req, sym TypeArg) (bool, error) {
	switch req.Wildcard {
	case Any:
		return true, nil
	case Exact:
		if sym.Wildcard != Exact {
			return false, nil
		}
		return c.check(st, req.Type, sym.Type, Exact)
	case Extends:
		switch sym.Wildcard {
		case Exact, Extends:
			return c.check(st, req.Type, sym.Type, Extends)
		}
		// ? super X and ? only fit ? extends Object.
		return isObject(req.Type), nil
	case Super:
		switch sym.Wildcard {
		case Exact, Super:
			return c.check(st, req.Type, sym.Type, Super)
		}
		return false, nil
	}
	return false, nil
}

func isObject(t Type) bool {
	ct, ok := t.(*ClassType)
	return ok && ct.Dims == 0 && ct.Raw == Object.Raw
}

func (c *Checker) accessorFor(accessor, target string) bool {
	return c.Accessors != nil && c.Accessors.IsAccessorFor(accessor, target)
}

// sameClass is raw equality, or an accessor standing in for its target.
func (c *Checker) sameClass(req, sym string) bool {
	if req == sym || c.accessorFor(req, sym) {
		return true
	}
	return c.AllowDowncast && c.accessorFor(sym, req)
}

// assignable reports whether a value of class from can be used where
// class to is expected.
func (c *Checker) assignable(to, from string) (bool, error) {
	if to == from || to == Object.Raw {
		return true, nil
	}
	if c.accessorFor(to, from) || (c.AllowDowncast && c.accessorFor(from, to)) {
		return true, nil
	}
	if c.Hierarchy == nil {
		return false, nil
	}
	ok, err := c.Hierarchy.IsSubtype(from, to)
	if err != nil {
		return false, fmt.Errorf("checking %s against %s: %w", from, to, err)
	}
	return ok, nil
}
