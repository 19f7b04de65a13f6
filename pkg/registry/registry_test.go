package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New(nil)

	type cache struct{ hits int }
	inst := &cache{}
	require.NoError(t, r.Register("cache", inst, "X"))

	got, err := r.Lookup("cache")
	require.NoError(t, err)
	assert.Same(t, inst, got)

	owner, ok := r.Owner("cache")
	require.True(t, ok)
	assert.Equal(t, "X", owner)
}

func TestLookupNotFound(t *testing.T) {
	r := New(nil)
	_, err := r.Lookup("nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.Key)
}

func TestDuplicateKeyUntilOwnerDrains(t *testing.T) {
	r := New(nil)

	require.NoError(t, r.Register("cache", "inst", "X"))

	err := r.Register("cache", "inst2", "Y")
	var dup *DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "cache", dup.Key)
	assert.Equal(t, "X", dup.Owner)

	// The original entry survives the failed attempt.
	got, err := r.Lookup("cache")
	require.NoError(t, err)
	assert.Equal(t, "inst", got)

	// X drains; the same call now succeeds.
	assert.Equal(t, 1, r.RevokeAll("X"))
	require.NoError(t, r.Register("cache", "inst2", "Y"))
	got, err = r.Lookup("cache")
	require.NoError(t, err)
	assert.Equal(t, "inst2", got)
}

func TestSameOwnerReplaces(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("svc", 1, "X"))
	require.NoError(t, r.Register("svc", 2, "X"))

	got, err := r.Lookup("svc")
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, 1, r.Len())
}

func TestRevokeAllOnlyTouchesOwner(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("a.one", 1, "A"))
	require.NoError(t, r.Register("a.two", 2, "A"))
	require.NoError(t, r.Register("b.one", 3, "B"))

	assert.Equal(t, 2, r.RevokeAll("A"))
	assert.Equal(t, 1, r.Len())

	_, err := r.Lookup("a.one")
	assert.Error(t, err)
	got, err := r.Lookup("b.one")
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	assert.Equal(t, 0, r.RevokeAll("A"))
}

func TestConcurrentRegisterSingleWinner(t *testing.T) {
	r := New(nil)

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Register("contested", i, fmt.Sprintf("owner-%d", i)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, r.Len())
}
