package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	r := NewResolver(schema.Default())

	id, err := r.Resolve(domain.Entity{ID: "  2O2Fr$t4X7Zf8NOew3FLOH ", Type: "IfcWall"})
	require.NoError(t, err)
	assert.Equal(t, "2O2Fr$t4X7Zf8NOew3FLOH", id.ID)
	assert.Equal(t, domain.CategoryElement, id.Category)
	assert.Equal(t, []string{"Entity", "Element", "Wall"}, id.Labels)
}

func TestResolve_MissingIdentity(t *testing.T) {
	r := NewResolver(schema.Default())
	for _, e := range []domain.Entity{
		{Type: "IfcWall", Name: "Basic Wall"},
		{ID: "   ", Type: "IfcDoor"},
	} {
		_, err := r.Resolve(e)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrMissingIdentity)
		a, ok := domain.AsAnomaly(err)
		require.True(t, ok)
		assert.Equal(t, domain.KindMissingIdentity, a.Kind)
	}
}

func TestSet_AcceptOnce(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Accept("W1", domain.CategoryElement))
	err := s.Accept("W1", domain.CategorySpatial)
	assert.ErrorIs(t, err, domain.ErrDuplicateIdentity)

	cat, ok := s.Category("W1")
	assert.True(t, ok)
	assert.Equal(t, domain.CategoryElement, cat, "first accept wins")
	assert.Equal(t, 1, s.Len())
}

func TestSet_Reject(t *testing.T) {
	s := NewSet()
	s.Reject("X")
	s.Reject("")
	assert.True(t, s.Rejected("X"))
	assert.False(t, s.Accepted("X"))
	assert.False(t, s.Rejected(""))

	require.NoError(t, s.Accept("X", domain.CategoryElement))
	assert.False(t, s.Rejected("X"), "a later valid occurrence wins")

	s.Reject("X")
	assert.False(t, s.Rejected("X"), "an accepted id stays accepted")
	assert.True(t, s.Accepted("X"))
}

func TestSet_ConcurrentAcceptIsUnique(t *testing.T) {
	s := NewSet()
	var wg sync.WaitGroup
	var mu sync.Mutex
	dups := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Accept(fmt.Sprintf("id-%d", i%10), domain.CategoryElement); err != nil {
				mu.Lock()
				dups++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, s.Len())
	assert.Equal(t, 40, dups)
}

func TestCache_PositiveOnly(t *testing.T) {
	calls := 0
	lookup := func(_ context.Context, ids []string) (map[string]bool, error) {
		calls++
		out := map[string]bool{}
		for _, id := range ids {
			if id == "old-1" {
				out[id] = true
			}
		}
		return out, nil
	}
	c, err := NewCache(4, lookup)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := c.Known(ctx, []string{"old-1", "nope"})
	require.NoError(t, err)
	assert.True(t, got["old-1"])
	assert.False(t, got["nope"])
	assert.Equal(t, 1, calls)

	got, err = c.Known(ctx, []string{"old-1"})
	require.NoError(t, err)
	assert.True(t, got["old-1"])
	assert.Equal(t, 1, calls, "cached id must not hit the lookup")

	_, _ = c.Known(ctx, []string{"nope"})
	assert.Equal(t, 2, calls, "negative answers are not cached")

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(3), misses)
}

func TestCache_LookupError(t *testing.T) {
	c, err := NewCache(2, func(context.Context, []string) (map[string]bool, error) {
		return nil, errors.New("down")
	})
	require.NoError(t, err)
	_, err = c.Known(context.Background(), []string{"x"})
	assert.Error(t, err)
}
