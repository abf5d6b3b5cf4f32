// Package hierarchy caches the superclass, interface and signature
// metadata of classes per loading context and walks their ancestry.
package hierarchy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/daimatz/jweave/pkg/classfile"
)

var log = commonlog.GetLogger("jweave.hierarchy")

// Entry is the cached hierarchy metadata of one class.
type Entry struct {
	Name       string   `cbor:"1,keyasint"`
	Signature  string   `cbor:"2,keyasint,omitempty"`
	Super      string   `cbor:"3,keyasint,omitempty"`
	Interfaces []string `cbor:"4,keyasint,omitempty"`
	Outer      string   `cbor:"5,keyasint,omitempty"`
	Access     uint16   `cbor:"6,keyasint"`
}

func (e *Entry) IsInterface() bool { return e.Access&classfile.AccInterface != 0 }

// EntryOf extracts the hierarchy metadata of cf.
func EntryOf(cf *classfile.ClassFile) (*Entry, error) {
	name, err := cf.ClassName()
	if err != nil {
		return nil, err
	}
	ifaces, err := cf.InterfaceNames()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Entry{
		Name:       name,
		Signature:  cf.Signature,
		Super:      cf.SuperClassName(),
		Interfaces: ifaces,
		Outer:      cf.OuterClass,
		Access:     cf.AccessFlags,
	}, nil
}

// Loader is a loading context. Lookups fall back to the parent; the nil
// loader is the bootstrap context.
type Loader struct {
	Name   string
	Parent *Loader
}

func (l *Loader) String() string {
	if l == nil {
		return "bootstrap"
	}
	return l.Name
}

// NotFoundError reports a class that no context or locator knows.
type NotFoundError struct {
	Name   string
	Loader *Loader
	Err    error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hierarchy entry for %s not found in %s: %v", e.Name, e.Loader, e.Err)
	}
	return fmt.Sprintf("hierarchy entry for %s not found in %s", e.Name, e.Loader)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// Resolver holds one append-only entry table per loading context.
type Resolver struct {
	mu       sync.RWMutex
	contexts map[*Loader]map[string]*Entry
	locators []Locator
}

func NewResolver(locators ...Locator) *Resolver {
	return &Resolver{
		contexts: make(map[*Loader]map[string]*Entry),
		locators: locators,
	}
}

// AddLocator appends a fallback locator. Locators are tried in order.
func (r *Resolver) AddLocator(l Locator) {
	r.mu.Lock()
	r.locators = append(r.locators, l)
	r.mu.Unlock()
}

// Observe records cf as loaded by loader. An entry that already exists in
// that context is kept and returned.
func (r *Resolver) Observe(loader *Loader, cf *classfile.ClassFile) (*Entry, error) {
	e, err := EntryOf(cf)
	if err != nil {
		return nil, err
	}
	return r.insert(loader, e), nil
}

func (r *Resolver) insert(loader *Loader, e *Entry) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := r.contexts[loader]
	if ctx == nil {
		ctx = make(map[string]*Entry)
		r.contexts[loader] = ctx
	}
	if prev, ok := ctx[e.Name]; ok {
		return prev
	}
	ctx[e.Name] = e
	return e
}

// Get returns the entry of name as seen from loader: its own context,
// then each parent, then the locators. A located entry is cached in
// loader's context. The returned entry must not be modified.
func (r *Resolver) Get(loader *Loader, name string) (*Entry, error) {
	r.mu.RLock()
	for l := loader; ; l = l.Parent {
		if e, ok := r.contexts[l][name]; ok {
			r.mu.RUnlock()
			return e, nil
		}
		if l == nil {
			break
		}
	}
	r.mu.RUnlock()

	cf, err := r.Locate(loader, name, DetailHeader)
	if err != nil {
		return nil, err
	}
	e, err := EntryOf(cf)
	if err != nil {
		return nil, err
	}
	log.Debugf("located %s for %s", name, loader)
	return r.insert(loader, e), nil
}

// Locate asks the locators, in order, for the class file of name. It does
// not consult or fill the entry cache.
func (r *Resolver) Locate(loader *Loader, name string, detail Detail) (*classfile.ClassFile, error) {
	r.mu.RLock()
	locators := append([]Locator(nil), r.locators...)
	r.mu.RUnlock()

	var lastErr error
	for _, loc := range locators {
		cf, err := loc.Locate(loader, name, detail)
		if err != nil {
			lastErr = err
			continue
		}
		got, err := cf.ClassName()
		if err != nil {
			return nil, err
		}
		if got != name {
			return nil, fmt.Errorf("located %s but the class file declares %s", name, got)
		}
		return cf, nil
	}
	return nil, &NotFoundError{Name: name, Loader: loader, Err: lastErr}
}

// Snapshot copies the entries held in loader's own context, sorted by name.
func (r *Resolver) Snapshot(loader *Loader) []Entry {
	r.mu.RLock()
	ctx := r.contexts[loader]
	out := make([]Entry, 0, len(ctx))
	for _, e := range ctx {
		c := *e
		c.Interfaces = append([]string(nil), e.Interfaces...)
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore adds entries to loader's context, keeping existing ones.
func (r *Resolver) Restore(loader *Loader, entries []Entry) {
	for i := range entries {
		e := entries[i]
		r.insert(loader, &e)
	}
}

// Visitor is called for each type reached by TraverseHierarchy. Returning
// true stops the walk.
type Visitor func(name string, isInterface bool) (stop bool)

// TraverseHierarchy walks name and its ancestors depth first: each class,
// then (with includeInterfaces) its interfaces and their super-interfaces,
// then its superclass. java/lang/Object is always visited last. Every
// interface is visited at most once per call. It reports whether visit
// stopped the walk. An ancestor without an entry is an error.
func (r *Resolver) TraverseHierarchy(loader *Loader, name string, visit Visitor, includeInterfaces bool) (bool, error) {
	seen := make(map[string]bool)
	classes := make(map[string]bool)
	for name != "" && name != classfile.ObjectClass {
		if classes[name] {
			return false, fmt.Errorf("cyclic superclass chain at %s", name)
		}
		classes[name] = true

		e, err := r.Get(loader, name)
		if err != nil {
			return false, err
		}
		if e.IsInterface() {
			seen[name] = true
		}
		if visit(name, e.IsInterface()) {
			return true, nil
		}
		if includeInterfaces {
			for _, iface := range e.Interfaces {
				stopped, err := r.traverseInterface(loader, iface, visit, seen)
				if err != nil || stopped {
					return stopped, err
				}
			}
		}
		name = e.Super
	}
	return visit(classfile.ObjectClass, false), nil
}

func (r *Resolver) traverseInterface(loader *Loader, name string, visit Visitor, seen map[string]bool) (bool, error) {
	if seen[name] {
		return false, nil
	}
	seen[name] = true
	e, err := r.Get(loader, name)
	if err != nil {
		return false, err
	}
	if visit(name, true) {
		return true, nil
	}
	for _, iface := range e.Interfaces {
		stopped, err := r.traverseInterface(loader, iface, visit, seen)
		if err != nil || stopped {
			return stopped, err
		}
	}
	return false, nil
}

// IsSubtype reports whether sub is assignable to super. Both are internal
// names; array types use descriptor form ("[Ljava/lang/String;").
func (r *Resolver) IsSubtype(loader *Loader, sub, super string) (bool, error) {
	if sub == super || super == classfile.ObjectClass {
		return true, nil
	}
	if strings.HasPrefix(sub, "[") {
		switch {
		case super == "java/lang/Cloneable", super == "java/io/Serializable":
			return true, nil
		case !strings.HasPrefix(super, "["):
			return false, nil
		}
		subElem, superElem := sub[1:], super[1:]
		if !classfile.IsReference(subElem) || !classfile.IsReference(superElem) {
			return subElem == superElem, nil
		}
		return r.IsSubtype(loader, classfile.InternalName(subElem), classfile.InternalName(superElem))
	}
	if strings.HasPrefix(super, "[") {
		return false, nil
	}
	return r.TraverseHierarchy(loader, sub, func(n string, _ bool) bool { return n == super }, true)
}

// CommonSuperClass returns the nearest class both a and b extend. Arrays
// and interfaces merge to java/lang/Object unless one side is assignable
// to the other.
func (r *Resolver) CommonSuperClass(loader *Loader, a, b string) (string, error) {
	if a == b {
		return a, nil
	}
	if ok, err := r.IsSubtype(loader, a, b); err != nil {
		return "", err
	} else if ok {
		return b, nil
	}
	if ok, err := r.IsSubtype(loader, b, a); err != nil {
		return "", err
	} else if ok {
		return a, nil
	}
	if strings.HasPrefix(a, "[") || strings.HasPrefix(b, "[") {
		return classfile.ObjectClass, nil
	}

	ancestors := make(map[string]bool)
	if _, err := r.TraverseHierarchy(loader, a, func(n string, isInterface bool) bool {
		if isInterface {
			return true
		}
		ancestors[n] = true
		return false
	}, false); err != nil {
		return "", err
	}
	common := classfile.ObjectClass
	_, err := r.TraverseHierarchy(loader, b, func(n string, isInterface bool) bool {
		if !isInterface && ancestors[n] {
			common = n
			return true
		}
		return false
	}, false)
	if err != nil {
		return "", err
	}
	return common, nil
}

// Scope binds a resolver to one loading context.
type Scope struct {
	Resolver *Resolver
	Loader   *Loader
}

func (s Scope) CommonSuperClass(a, b string) (string, error) {
	return s.Resolver.CommonSuperClass(s.Loader, a, b)
}

func (s Scope) IsSubtype(sub, super string) (bool, error) {
	return s.Resolver.IsSubtype(s.Loader, sub, super)
}
