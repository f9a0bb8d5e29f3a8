package callid

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	id := uuid.New()

	ref := ParseRef(id.String())
	assert.True(t, ref.IsCanonical())
	got, ok := ref.ID()
	assert.True(t, ok)
	assert.Equal(t, id, got)

	// Short client tokens are never mistaken for call ids
	ref = ParseRef("call_1700000000_ab12")
	assert.False(t, ref.IsCanonical())
	_, ok = ref.ID()
	assert.False(t, ok)

	assert.True(t, ParseRef("  ").IsZero())
}

func (r *Resolver) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.aliases)
}

func TestResolve(t *testing.T) {
	r := NewResolver()
	owner := uuid.New()
	canonical := uuid.New()
	ephemeral := ParseRef("tmp-123")

	// Unknown ephemeral refs resolve to themselves
	assert.Equal(t, ephemeral, r.Resolve(owner, ephemeral))

	r.Register(owner, ephemeral, canonical)
	resolved := r.Resolve(owner, ephemeral)
	id, ok := resolved.ID()
	assert.True(t, ok)
	assert.Equal(t, canonical, id)

	// Canonical refs pass through untouched
	other := FromID(uuid.New())
	assert.Equal(t, other, r.Resolve(owner, other))
}

func TestResolve_RefsAreScopedToOwner(t *testing.T) {
	r := NewResolver()
	alice, carol := uuid.New(), uuid.New()
	aliceCall, carolCall := uuid.New(), uuid.New()
	ref := ParseRef("tmp-1")

	r.Register(alice, ref, aliceCall)

	_, ok := r.lookup(carol, ref)
	assert.False(t, ok)
	assert.Equal(t, ref, r.Resolve(carol, ref))

	r.Register(carol, ref, carolCall)
	id, _ := r.lookup(alice, ref)
	assert.Equal(t, aliceCall, id)
	id, _ = r.lookup(carol, ref)
	assert.Equal(t, carolCall, id)
}

func TestReserve(t *testing.T) {
	r := NewResolver()
	owner := uuid.New()
	ref := ParseRef("tmp-9")

	existing, claimed := r.Reserve(owner, ref)
	assert.True(t, claimed)
	assert.Equal(t, uuid.Nil, existing)

	// A pending claim blocks a second initiation but does not resolve
	existing, claimed = r.Reserve(owner, ref)
	assert.False(t, claimed)
	assert.Equal(t, uuid.Nil, existing)
	_, ok := r.lookup(owner, ref)
	assert.False(t, ok)

	canonical := uuid.New()
	r.Register(owner, ref, canonical)
	r.Release(owner, ref)

	existing, claimed = r.Reserve(owner, ref)
	assert.False(t, claimed)
	assert.Equal(t, canonical, existing)
}

func TestReserve_ReleaseFreesClaim(t *testing.T) {
	r := NewResolver()
	owner := uuid.New()
	ref := ParseRef("tmp-9")

	_, claimed := r.Reserve(owner, ref)
	require.True(t, claimed)
	r.Release(owner, ref)
	assert.Equal(t, 0, r.size())

	_, claimed = r.Reserve(owner, ref)
	assert.True(t, claimed)

	_, claimed = r.Reserve(owner, FromID(uuid.New()))
	assert.False(t, claimed)
}

func TestReserve_OneWinnerUnderContention(t *testing.T) {
	r := NewResolver()
	owner := uuid.New()
	ref := ParseRef("tmp-race")

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, claimed := r.Reserve(owner, ref); claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestForgetDropsAllAliases(t *testing.T) {
	r := NewResolver()
	owner := uuid.New()
	canonical := uuid.New()
	kept := uuid.New()

	r.Register(owner, ParseRef("a"), canonical)
	r.Register(owner, ParseRef("b"), canonical)
	r.Register(owner, ParseRef("c"), kept)
	assert.Equal(t, 3, r.size())

	r.Forget(canonical)

	assert.Equal(t, 1, r.size())
	_, ok := r.lookup(owner, ParseRef("a"))
	assert.False(t, ok)
	_, ok = r.lookup(owner, ParseRef("b"))
	assert.False(t, ok)
	id, ok := r.lookup(owner, ParseRef("c"))
	assert.True(t, ok)
	assert.Equal(t, kept, id)
}

func TestRegisterIgnoresCanonicalRefs(t *testing.T) {
	r := NewResolver()
	owner := uuid.New()
	r.Register(owner, FromID(uuid.New()), uuid.New())
	r.Register(owner, ParseRef(""), uuid.New())
	assert.Equal(t, 0, r.size())
}

func TestRegisterRebindsAlias(t *testing.T) {
	r := NewResolver()
	owner := uuid.New()
	first, second := uuid.New(), uuid.New()

	r.Register(owner, ParseRef("x"), first)
	r.Register(owner, ParseRef("x"), second)

	id, _ := r.lookup(owner, ParseRef("x"))
	assert.Equal(t, second, id)

	// Forgetting the old call must not drop the rebound alias
	r.Forget(first)
	id, ok := r.lookup(owner, ParseRef("x"))
	assert.True(t, ok)
	assert.Equal(t, second, id)
}

func TestResolverConcurrentAccess(t *testing.T) {
	r := NewResolver()
	owner := uuid.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			ref := ParseRef("tmp-" + id.String())
			r.Register(owner, ref, id)
			r.Resolve(owner, ref)
			r.Forget(id)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.size())
}
