package compiler

import (
	"go.uber.org/multierr"

	"github.com/daimatz/jweave/pkg/accessor"
	"github.com/daimatz/jweave/pkg/identifier"
)

// Plan is an accessor declaration with every identifier it names bound to
// a strategy. Plans are built once, while initializing.
type Plan struct {
	Decl   *accessor.Declaration
	Target identifier.Strategy

	Fields       []FieldPlan
	Methods      []MethodPlan
	Interceptors []InterceptorPlan
}

type FieldPlan struct {
	*accessor.FieldAccessor
	Field identifier.Strategy
}

type MethodPlan struct {
	*accessor.MethodAccessor
	Method identifier.Strategy
}

type InterceptorPlan struct {
	*accessor.Interceptor
	Method identifier.Strategy
	Entry  identifier.Strategy
	Exit   identifier.Strategy

	// LocalVars holds the instruction strategy of each imported local.
	LocalVars []identifier.Strategy
}

// Matches reports whether the plan targets the class name.
func (p *Plan) Matches(name string, access uint16) bool {
	return p.Target.Matches(identifier.TypeCandidate{Name: name, Access: access})
}

// Resolve binds the identifiers of decl through reg. Every unresolved
// identifier is reported as a ConfigError; the errors are combined.
func Resolve(decl *accessor.Declaration, reg *identifier.Registry) (*Plan, error) {
	r := &resolver{decl: decl, reg: reg}
	p := &Plan{Decl: decl}
	p.Target = r.lookup("", accessor.RoleNone, identifier.Type, decl.Target, identifier.SearchAccessor)

	for i := range decl.Fields {
		fa := &decl.Fields[i]
		role := accessor.RoleFieldAccessor
		if fa.Generator {
			role = accessor.RoleFieldGenerator
		}
		s := r.lookup(fa.String(), role, identifier.Field, fa.Field, identifier.SearchAccessor)
		p.Fields = append(p.Fields, FieldPlan{FieldAccessor: fa, Field: s})
	}
	for i := range decl.Methods {
		ma := &decl.Methods[i]
		s := r.lookup(ma.String(), accessor.RoleMethodAccessor, identifier.Method, ma.Method, identifier.SearchAccessor)
		p.Methods = append(p.Methods, MethodPlan{MethodAccessor: ma, Method: s})
	}
	for i := range decl.Interceptors {
		ic := &decl.Interceptors[i]
		member := ic.String()
		ip := InterceptorPlan{
			Interceptor: ic,
			Method:      r.lookup(member, accessor.RoleInterceptor, identifier.Method, ic.Method, identifier.SearchInterceptor),
			Entry:       r.lookup(member, accessor.RoleInterceptor, identifier.Instruction, ic.Entry, identifier.SearchInterceptor),
		}
		if ic.Conditional() {
			ip.Exit = r.lookup(member, accessor.RoleInterceptor, identifier.Instruction, ic.Exit, identifier.SearchInterceptor)
		}
		for _, l := range ic.Locals {
			ip.LocalVars = append(ip.LocalVars, r.lookup(member, accessor.RoleInterceptor, identifier.Instruction, l.ID, identifier.SearchLocalVariable))
		}
		p.Interceptors = append(p.Interceptors, ip)
	}

	if r.err != nil {
		return nil, r.err
	}
	log.Debugf("resolved accessor %s: %d fields, %d methods, %d interceptors", decl.Name, len(p.Fields), len(p.Methods), len(p.Interceptors))
	return p, nil
}

type resolver struct {
	decl *accessor.Declaration
	reg  *identifier.Registry
	err  error
}

func (r *resolver) lookup(member string, role accessor.Role, kind identifier.Kind, id string, search identifier.SearchType) identifier.Strategy {
	s, err := r.reg.Lookup(kind, id, search)
	if err != nil {
		r.err = multierr.Append(r.err, &accessor.ConfigError{Accessor: r.decl.Name, Member: member, Role: role, Reason: err.Error()})
		return nil
	}
	return s
}
