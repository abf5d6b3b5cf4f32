// Package weave is the entry point a load hook drives. An Environment is
// configured while initializing, activated once, and then rewrites every
// class it is handed whose name an accessor targets.
package weave

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
	"go.uber.org/multierr"

	"github.com/daimatz/jweave/pkg/accessor"
	"github.com/daimatz/jweave/pkg/classfile"
	"github.com/daimatz/jweave/pkg/compiler"
	"github.com/daimatz/jweave/pkg/hierarchy"
	"github.com/daimatz/jweave/pkg/identifier"
	"github.com/daimatz/jweave/pkg/registry"
)

var log = commonlog.GetLogger("jweave.weave")

// ErrPhase is returned by initialization calls made after Activate and by
// the load hooks before it.
var ErrPhase = identifier.ErrPhase

// Phase is the lifecycle state of an Environment.
type Phase uint8

const (
	Initializing Phase = iota
	Active
)

func (p Phase) String() string {
	if p == Active {
		return "active"
	}
	return "initializing"
}

// ExceptionHandler receives every fatal condition raised by a load hook.
// The host may abort from it.
type ExceptionHandler func(class string, err error)

// Option configures an Environment.
type Option func(*Environment)

// WithResolver shares a hierarchy resolver, e.g. one restored from a
// snapshot.
func WithResolver(r *hierarchy.Resolver) Option {
	return func(e *Environment) { e.resolver = r }
}

// WithLocators adds hierarchy locators.
func WithLocators(locators ...hierarchy.Locator) Option {
	return func(e *Environment) { e.locators = append(e.locators, locators...) }
}

// WithExceptionHandler is OnException as an option.
func WithExceptionHandler(fn ExceptionHandler) Option {
	return func(e *Environment) { e.handlers = append(e.handlers, fn) }
}

// Environment is the explicit weaving context: identifiers, hierarchy,
// registries and the compiler.
type Environment struct {
	mu    sync.RWMutex
	phase Phase

	ids          *identifier.Registry
	resolver     *hierarchy.Resolver
	locators     []hierarchy.Locator
	accessors    *registry.Accessors
	interceptors *registry.Interceptors
	compiler     *compiler.Compiler

	pending  []string
	decls    []*accessor.Declaration
	handlers []ExceptionHandler
}

// New creates an initializing environment.
func New(opts ...Option) *Environment {
	e := &Environment{
		ids:          identifier.NewRegistry(),
		accessors:    registry.NewAccessors(),
		interceptors: registry.NewInterceptors(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = hierarchy.NewResolver()
	}
	for _, l := range e.locators {
		e.resolver.AddLocator(l)
	}
	e.compiler = &compiler.Compiler{Resolver: e.resolver, Accessors: e.accessors}
	return e
}

func (e *Environment) Identifiers() *identifier.Registry    { return e.ids }
func (e *Environment) Resolver() *hierarchy.Resolver        { return e.resolver }
func (e *Environment) Accessors() *registry.Accessors       { return e.accessors }
func (e *Environment) Interceptors() *registry.Interceptors { return e.interceptors }

func (e *Environment) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

// IsInitializing reports whether registrations are still accepted.
func (e *Environment) IsInitializing() bool { return e.Phase() == Initializing }

// initializing runs fn under the write lock if the environment has not
// been activated.
func (e *Environment) initializing(what string, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Initializing {
		return fmt.Errorf("%s: %w", what, ErrPhase)
	}
	return fn()
}

func (e *Environment) RegisterIdentifier(kind identifier.Kind, id string, s identifier.Strategy) error {
	return e.initializing("register identifier "+id, func() error {
		return e.ids.Register(kind, id, s)
	})
}

func (e *Environment) RegisterMapper(m identifier.Mapper) error {
	return e.initializing("register mapper", func() error {
		return e.ids.AddMapper(m)
	})
}

func (e *Environment) RegisterLocator(l hierarchy.Locator) error {
	return e.initializing("register locator", func() error {
		e.resolver.AddLocator(l)
		return nil
	})
}

// RegisterAccessor names an accessor interface to be located and
// validated by Activate.
func (e *Environment) RegisterAccessor(name string) error {
	return e.initializing("register accessor "+name, func() error {
		e.pending = append(e.pending, name)
		return nil
	})
}

// RegisterAccessorDeclaration registers an already extracted declaration.
func (e *Environment) RegisterAccessorDeclaration(decl *accessor.Declaration) error {
	return e.initializing("register accessor "+decl.Name, func() error {
		e.decls = append(e.decls, decl)
		return nil
	})
}

// OnException adds a handler for fatal conditions raised after
// initialization.
func (e *Environment) OnException(fn ExceptionHandler) error {
	return e.initializing("register exception handler", func() error {
		e.handlers = append(e.handlers, fn)
		return nil
	})
}

// Activate locates and validates every registered accessor, resolves its
// identifiers and ends the initialization phase. All configuration errors
// are returned together, and the environment stays initializing.
func (e *Environment) Activate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Initializing {
		return fmt.Errorf("activate: %w", ErrPhase)
	}

	var errs error
	decls := append([]*accessor.Declaration(nil), e.decls...)
	for _, name := range e.pending {
		decl, err := e.loadAccessor(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		decls = append(decls, decl)
	}

	var plans []*compiler.Plan
	seen := make(map[string]bool)
	for _, decl := range decls {
		p, err := compiler.Resolve(decl, e.ids)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, ok := e.accessors.Get(decl.Name); ok || seen[decl.Name] {
			err := &registry.DuplicateAccessorError{Name: decl.Name}
			errs = multierr.Append(errs, &accessor.ConfigError{Accessor: decl.Name, Reason: err.Error()})
			continue
		}
		seen[decl.Name] = true
		plans = append(plans, p)
	}
	if errs != nil {
		for _, err := range multierr.Errors(errs) {
			log.Errorf("%s", err)
		}
		return errs
	}

	// plans are registered only once every accessor resolved
	for _, p := range plans {
		if err := e.accessors.AddPlan(p); err != nil {
			return err
		}
		e.interceptors.AddPlan(p)
	}
	e.ids.Activate()
	e.phase = Active
	log.Infof("activated with %d accessors", len(plans))
	return nil
}

func (e *Environment) loadAccessor(name string) (*accessor.Declaration, error) {
	cf, err := e.resolver.Locate(nil, name, hierarchy.DetailFull)
	if err != nil {
		return nil, &accessor.ConfigError{Accessor: name, Reason: err.Error()}
	}
	if _, err := e.resolver.Observe(nil, cf); err != nil {
		return nil, err
	}
	return accessor.Extract(cf)
}

func (e *Environment) report(class string, err error) {
	log.Errorf("%s: %s", class, err)
	e.mu.RLock()
	handlers := append([]ExceptionHandler(nil), e.handlers...)
	e.mu.RUnlock()
	for _, fn := range handlers {
		fn(class, err)
	}
}

// Prepare is the pre-pass hook. It records the class in the hierarchy,
// revalidates it if it is a registered accessor, and trial-weaves it if
// an accessor targets it. It never changes the bytes: data comes back as
// is, with the error of a failed validation or trial weave.
func (e *Environment) Prepare(loader *hierarchy.Loader, name string, data []byte) ([]byte, error) {
	if _, err := e.process(loader, name, data); err != nil {
		return data, err
	}
	return data, nil
}

// Transform is the final weaving hook. Classes no accessor targets come
// back as the same slice. On failure the handlers are notified and data is
// returned unchanged with the error; a class is never partially woven.
func (e *Environment) Transform(loader *hierarchy.Loader, name string, data []byte) ([]byte, error) {
	out, err := e.process(loader, name, data)
	if err != nil {
		return data, err
	}
	return out, nil
}

func (e *Environment) process(loader *hierarchy.Loader, name string, data []byte) ([]byte, error) {
	if e.Phase() != Active {
		err := fmt.Errorf("weaving %s: %w", name, ErrPhase)
		e.report(name, err)
		return nil, err
	}
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		err = fmt.Errorf("parsing %s: %w", name, err)
		e.report(name, err)
		return nil, err
	}
	actual, err := cf.ClassName()
	if err != nil {
		e.report(name, err)
		return nil, err
	}
	if name != "" && name != actual {
		err := fmt.Errorf("class file of %s declares %s", name, actual)
		e.report(name, err)
		return nil, err
	}
	if _, err := e.resolver.Observe(loader, cf); err != nil {
		e.report(actual, err)
		return nil, err
	}

	if _, ok := e.accessors.Get(actual); ok {
		if _, err := accessor.Extract(cf); err != nil {
			e.report(actual, err)
			return nil, err
		}
		return data, nil
	}

	plans := e.accessors.For(actual, cf.AccessFlags)
	if len(plans) == 0 {
		return data, nil
	}
	if err := e.compiler.Weave(loader, cf, plans); err != nil {
		e.report(actual, err)
		return nil, err
	}
	out, err := classfile.Bytes(cf)
	if err != nil {
		err = fmt.Errorf("writing %s: %w", actual, err)
		e.report(actual, err)
		return nil, err
	}
	log.Debugf("%s: %d accessors, %d interceptors", actual, len(plans), len(e.interceptors.For(actual, cf.AccessFlags)))
	return out, nil
}

// IsTargetError reports whether err is a weave failure of a matched
// class rather than an environment or class-file problem.
func IsTargetError(err error) bool {
	var te *compiler.TargetError
	return errors.As(err, &te)
}
