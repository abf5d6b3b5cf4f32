package registry

import (
	"sort"

	"github.com/daimatz/jweave/pkg/compiler"
)

// Interceptor is one interceptor as registered for a target identifier.
type Interceptor struct {
	Accessor string
	Hook     string
	Plan     *compiler.InterceptorPlan

	target *compiler.Plan
}

// Interceptors indexes every interceptor by the target type identifier
// of its accessor.
type Interceptors struct {
	*Base[string, []Interceptor]
}

func NewInterceptors() *Interceptors {
	return &Interceptors{Base: NewBase[string, []Interceptor]()}
}

// AddPlan registers the interceptors of p.
func (r *Interceptors) AddPlan(p *compiler.Plan) {
	if len(p.Interceptors) == 0 {
		return
	}
	r.Update(p.Decl.Target, func(list []Interceptor) []Interceptor {
		out := append([]Interceptor(nil), list...)
		for i := range p.Interceptors {
			ip := &p.Interceptors[i]
			out = append(out, Interceptor{
				Accessor: p.Decl.Name,
				Hook:     compiler.HookName(p.Decl.Name, ip.Name),
				Plan:     ip,
				target:   p,
			})
		}
		return out
	})
}

// For returns the interceptors that apply to the class name, ordered by
// accessor and then by declaration.
func (r *Interceptors) For(name string, access uint16) []Interceptor {
	var out []Interceptor
	for _, list := range r.All() {
		for _, ic := range list {
			if ic.target.Matches(name, access) {
				out = append(out, ic)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Accessor < out[j].Accessor })
	return out
}
