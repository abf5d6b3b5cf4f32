package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/daimatz/jweave/pkg/compiler"
)

var log = commonlog.GetLogger("jweave.registry")

// DuplicateAccessorError reports an accessor interface registered twice.
type DuplicateAccessorError struct {
	Name string
}

func (e *DuplicateAccessorError) Error() string {
	return fmt.Sprintf("accessor %s is already registered", e.Name)
}

// Accessors holds resolved plans keyed by accessor interface name and
// caches, per class, the plans whose target identifier matches it.
type Accessors struct {
	*Base[string, *compiler.Plan]

	mu       sync.RWMutex
	bindings map[binding][]*compiler.Plan
}

// binding keys the cache by everything a type identifier can test.
type binding struct {
	name   string
	access uint16
}

func NewAccessors() *Accessors {
	return &Accessors{
		Base:     NewBase[string, *compiler.Plan](),
		bindings: make(map[binding][]*compiler.Plan),
	}
}

// AddPlan registers p under its accessor name.
func (r *Accessors) AddPlan(p *compiler.Plan) error {
	if !r.Add(p.Decl.Name, p) {
		return &DuplicateAccessorError{Name: p.Decl.Name}
	}
	r.mu.Lock()
	clear(r.bindings)
	r.mu.Unlock()
	log.Infof("registered accessor %s for target %q", p.Decl.Name, p.Decl.Target)
	return nil
}

// Names lists the registered accessors in order.
func (r *Accessors) Names() []string {
	all := r.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// For returns the plans targeting the class name, ordered by accessor
// name. The result is cached and must not be modified.
func (r *Accessors) For(name string, access uint16) []*compiler.Plan {
	key := binding{name, access}
	r.mu.RLock()
	plans, ok := r.bindings[key]
	r.mu.RUnlock()
	if ok {
		return plans
	}

	for _, acc := range r.Names() {
		p, _ := r.Get(acc)
		if p.Matches(name, access) {
			plans = append(plans, p)
		}
	}
	r.mu.Lock()
	r.bindings[key] = plans
	r.mu.Unlock()
	return plans
}

// IsAccessorFor reports whether accessor is registered and its target
// identifier matches target.
func (r *Accessors) IsAccessorFor(accessor, target string) bool {
	p, ok := r.Get(accessor)
	return ok && p.Matches(target, 0)
}
