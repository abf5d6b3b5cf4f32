package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/jweave/pkg/accessor"
	"github.com/daimatz/jweave/pkg/classfile"
	"github.com/daimatz/jweave/pkg/compiler"
	"github.com/daimatz/jweave/pkg/identifier"
)

func ids(t *testing.T) *identifier.Registry {
	t.Helper()
	reg := identifier.NewRegistry()
	require.NoError(t, reg.Register(identifier.Type, "player", identifier.Types("demo/Player")))
	require.NoError(t, reg.Register(identifier.Type, "entities", identifier.Types("demo/Player", "demo/Npc")))
	require.NoError(t, reg.Register(identifier.Method, "tick", identifier.Members(identifier.Method, "tick", "()V")))
	require.NoError(t, reg.Register(identifier.Instruction, "head", identifier.AtIndex(0)))
	return reg
}

func plan(t *testing.T, name, target string, interceptors ...string) *compiler.Plan {
	t.Helper()
	d := &accessor.Declaration{Name: name, Target: target}
	for _, ic := range interceptors {
		d.Interceptors = append(d.Interceptors, accessor.Interceptor{
			Member: accessor.Member{Name: ic, Desc: "()V"},
			Method: "tick",
			Entry:  "head",
		})
	}
	p, err := compiler.Resolve(d, ids(t))
	require.NoError(t, err)
	return p
}

func TestAccessorsFor(t *testing.T) {
	r := NewAccessors()
	require.NoError(t, r.AddPlan(plan(t, "demo/PlayerAccessor", "player")))
	require.NoError(t, r.AddPlan(plan(t, "demo/EntityAccessor", "entities")))

	var names []string
	for _, p := range r.For("demo/Player", 0) {
		names = append(names, p.Decl.Name)
	}
	assert.Equal(t, []string{"demo/EntityAccessor", "demo/PlayerAccessor"}, names)
	assert.Len(t, r.For("demo/Npc", 0), 1)
	assert.Empty(t, r.For("demo/World", 0))

	assert.True(t, r.IsAccessorFor("demo/PlayerAccessor", "demo/Player"))
	assert.False(t, r.IsAccessorFor("demo/PlayerAccessor", "demo/Npc"))
	assert.False(t, r.IsAccessorFor("demo/Unknown", "demo/Player"))
}

func TestAccessorsRejectDuplicates(t *testing.T) {
	r := NewAccessors()
	require.NoError(t, r.AddPlan(plan(t, "demo/PlayerAccessor", "player")))

	var dup *DuplicateAccessorError
	err := r.AddPlan(plan(t, "demo/PlayerAccessor", "entities"))
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "demo/PlayerAccessor", dup.Name)
	assert.Equal(t, 1, r.Count())
}

func TestAccessorsBindingCacheIsReset(t *testing.T) {
	r := NewAccessors()
	require.NoError(t, r.AddPlan(plan(t, "demo/PlayerAccessor", "player")))
	assert.Len(t, r.For("demo/Player", 0), 1)

	require.NoError(t, r.AddPlan(plan(t, "demo/EntityAccessor", "entities")))
	assert.Len(t, r.For("demo/Player", 0), 2)
}

func TestAccessorsBindingDependsOnAccess(t *testing.T) {
	reg := ids(t)
	require.NoError(t, reg.Register(identifier.Type, "public", identifier.Predicate(identifier.Type, func(c identifier.Candidate) bool {
		return c.(identifier.TypeCandidate).Access&classfile.AccPublic != 0
	})))
	p, err := compiler.Resolve(&accessor.Declaration{Name: "demo/PublicAccessor", Target: "public"}, reg)
	require.NoError(t, err)

	r := NewAccessors()
	require.NoError(t, r.AddPlan(p))
	assert.Empty(t, r.For("demo/Player", 0))
	assert.Len(t, r.For("demo/Player", classfile.AccPublic), 1)
	assert.Empty(t, r.For("demo/Player", 0))
}

func TestAccessorsConcurrentReads(t *testing.T) {
	r := NewAccessors()
	require.NoError(t, r.AddPlan(plan(t, "demo/PlayerAccessor", "player")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, r.For("demo/Player", 0), 1)
			assert.True(t, r.IsAccessorFor("demo/PlayerAccessor", "demo/Player"))
		}()
	}
	wg.Wait()
}

func TestInterceptorsFor(t *testing.T) {
	r := NewInterceptors()
	r.AddPlan(plan(t, "demo/PlayerAccessor", "player", "onTick", "afterTick"))
	r.AddPlan(plan(t, "demo/EntityAccessor", "entities", "onEntityTick"))
	r.AddPlan(plan(t, "demo/EmptyAccessor", "player"))

	got := r.For("demo/Player", 0)
	require.Len(t, got, 3)
	assert.Equal(t, "demo/EntityAccessor", got[0].Accessor)
	assert.Equal(t, "onTick", got[1].Plan.Name)
	assert.Equal(t, "afterTick", got[2].Plan.Name)
	assert.Equal(t, compiler.HookName("demo/PlayerAccessor", "onTick"), got[1].Hook)

	assert.Len(t, r.For("demo/Npc", 0), 1)
	assert.Equal(t, 2, r.Count())
}

func TestBaseAllIsACopy(t *testing.T) {
	b := NewBase[string, int]()
	assert.True(t, b.Add("a", 1))
	assert.False(t, b.Add("a", 2))

	all := b.All()
	all["b"] = 2
	_, ok := b.Get("b")
	assert.False(t, ok)
	v, _ := b.Get("a")
	assert.Equal(t, 1, v)
}
