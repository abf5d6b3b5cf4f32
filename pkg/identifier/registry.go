package identifier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("jweave.identifier")

// ErrPhase is returned by registration calls made after activation.
var ErrPhase = errors.New("registration is only allowed while initializing")

// DuplicateError reports an id registered twice for the same kind.
type DuplicateError struct {
	Kind Kind
	ID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s identifier %q is already registered", e.Kind, e.ID)
}

// UnresolvedError reports an id that neither a registration nor any
// mapper could resolve.
type UnresolvedError struct {
	Kind   Kind
	ID     string
	Search SearchType
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved %s identifier %q (%s)", e.Kind, e.ID, e.Search)
}

// SearchType tells a mapper in which context an id is being looked up.
type SearchType uint8

const (
	SearchAccessor SearchType = iota
	SearchInterceptor
	SearchLocalVariable
	SearchOther
)

func (s SearchType) String() string {
	switch s {
	case SearchAccessor:
		return "accessor"
	case SearchInterceptor:
		return "interceptor"
	case SearchLocalVariable:
		return "local_variable"
	}
	return "other"
}

// Mapper supplies strategies from an external source. A nil strategy with
// a nil error means the mapper does not know the id.
type Mapper interface {
	Map(kind Kind, id string, search SearchType) (Strategy, error)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(kind Kind, id string, search SearchType) (Strategy, error)

func (f MapperFunc) Map(kind Kind, id string, search SearchType) (Strategy, error) {
	return f(kind, id, search)
}

type key struct {
	kind Kind
	id   string
}

type mappedKey struct {
	key
	search SearchType
}

// Registry maps identifier ids to strategies. Registrations and mappers
// are only accepted until Activate is called.
type Registry struct {
	mu      sync.RWMutex
	active  bool
	ids     map[key]Strategy
	mapped  map[mappedKey]Strategy
	mappers []Mapper
}

// NewRegistry creates an empty registry in the initializing phase.
func NewRegistry() *Registry {
	return &Registry{
		ids:    make(map[key]Strategy),
		mapped: make(map[mappedKey]Strategy),
	}
}

// Register binds id to s.
func (r *Registry) Register(kind Kind, id string, s Strategy) error {
	if s == nil {
		return fmt.Errorf("%s identifier %q: nil strategy", kind, id)
	}
	if s.Kind() != kind {
		return fmt.Errorf("%s identifier %q: strategy locates %ss", kind, id, s.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrPhase
	}
	k := key{kind, id}
	if _, ok := r.ids[k]; ok {
		return &DuplicateError{Kind: kind, ID: id}
	}
	r.ids[k] = s
	log.Debugf("registered %s identifier %q (static=%t)", kind, id, s.IsStatic())
	return nil
}

// AddMapper appends a mapper; mappers are consulted in the order added.
func (r *Registry) AddMapper(m Mapper) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrPhase
	}
	r.mappers = append(r.mappers, m)
	return nil
}

// Activate ends the initialization phase.
func (r *Registry) Activate() {
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()
}

// IsInitializing reports whether registrations are still accepted.
func (r *Registry) IsInitializing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.active
}

// Resolve returns the strategy registered directly for id.
func (r *Registry) Resolve(kind Kind, id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.ids[key{kind, id}]
	return s, ok
}

// Lookup resolves id through the direct registrations first and then
// through every mapper in order until one produces a strategy. Mapper
// answers are cached per search type.
func (r *Registry) Lookup(kind Kind, id string, search SearchType) (Strategy, error) {
	k := key{kind, id}
	r.mu.RLock()
	if s, ok := r.ids[k]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	mk := mappedKey{k, search}
	if s, ok := r.mapped[mk]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	mappers := append([]Mapper(nil), r.mappers...)
	r.mu.RUnlock()

	for _, m := range mappers {
		s, err := m.Map(kind, id, search)
		if err != nil {
			return nil, fmt.Errorf("mapping %s identifier %q: %w", kind, id, err)
		}
		if s == nil {
			continue
		}
		if s.Kind() != kind {
			return nil, fmt.Errorf("mapping %s identifier %q: mapper returned a %s strategy", kind, id, s.Kind())
		}
		r.mu.Lock()
		if prev, ok := r.mapped[mk]; ok {
			s = prev
		} else {
			r.mapped[mk] = s
		}
		r.mu.Unlock()
		log.Debugf("mapped %s identifier %q for %s", kind, id, search)
		return s, nil
	}
	return nil, &UnresolvedError{Kind: kind, ID: id, Search: search}
}
