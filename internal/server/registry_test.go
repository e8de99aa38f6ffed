package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalgun-dev/moon/pkg/wire"
)

// testSession builds a session with no transport, wired to the given
// registry so Close and Displace behave as in production.
func testSession(r *Registry, sub string) *ControlSession {
	return newControlSession(wire.NewClientID(), sub, "test-instance", nil, r, NewStreamTable(), nil)
}

func TestRegistryAddFindRemove(t *testing.T) {
	r := NewRegistry()
	s := testSession(r, "alpha")

	r.Add(s)
	require.EqualValues(t, 1, r.Count())

	got, ok := r.Find("alpha")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.Find("beta")
	assert.False(t, ok)

	r.Remove(s.ID)
	assert.EqualValues(t, 0, r.Count())
	_, ok = r.Find("alpha")
	assert.False(t, ok)

	// Second remove is a no-op.
	r.Remove(s.ID)
	assert.EqualValues(t, 0, r.Count())
}

func TestRegistryDisplacesIncumbent(t *testing.T) {
	r := NewRegistry()
	old := testSession(r, "alpha")
	r.Add(old)

	repl := testSession(r, "alpha")
	r.Add(repl)

	assert.True(t, old.Closed(), "incumbent should be displaced")
	assert.False(t, repl.Closed())
	assert.EqualValues(t, 1, r.Count())

	got, ok := r.Find("alpha")
	require.True(t, ok)
	assert.Same(t, repl, got)

	// The incumbent's own cleanup must not evict the new holder.
	r.Remove(old.ID)
	got, ok = r.Find("alpha")
	require.True(t, ok)
	assert.Same(t, repl, got)
	assert.EqualValues(t, 1, r.Count())
}

func TestRegistrySend(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, SendNotFound, r.Send("alpha", wire.Ping()))

	s := testSession(r, "alpha")
	r.Add(s)
	assert.Equal(t, SendSent, r.Send("alpha", wire.Ping()))

	// A draining session still in the map reports Closed, not NotFound.
	drained := newControlSession(wire.NewClientID(), "beta", "test-instance", nil, nil, nil, nil)
	drained.Close("test")
	r.Add(drained)
	assert.Equal(t, SendClosed, r.Send("beta", wire.Ping()))
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a := testSession(r, "alpha")
	b := testSession(r, "beta")
	r.Add(a)
	r.Add(b)

	r.CloseAll("shutdown")

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.EqualValues(t, 0, r.Count())
}

func TestRegistryCountConsistentUnderContention(t *testing.T) {
	r := NewRegistry()

	const claimants = 32
	sessions := make([]*ControlSession, claimants)
	var wg sync.WaitGroup
	for i := range sessions {
		sessions[i] = testSession(r, "alpha")
		wg.Add(1)
		go func(s *ControlSession) {
			defer wg.Done()
			r.Add(s)
		}(sessions[i])
	}
	wg.Wait()

	// Exactly one claimant survives; every displacement must unwind
	// its count even when it lost the race after the eviction check.
	require.EqualValues(t, 1, r.Count())
	survivor, ok := r.Find("alpha")
	require.True(t, ok)

	open := 0
	for _, s := range sessions {
		if !s.Closed() {
			open++
			assert.Same(t, survivor, s)
		}
	}
	assert.Equal(t, 1, open)

	r.Remove(survivor.ID)
	assert.EqualValues(t, 0, r.Count())
}

func TestRegistryForEach(t *testing.T) {
	r := NewRegistry()
	r.Add(testSession(r, "alpha"))
	r.Add(testSession(r, "beta"))

	seen := map[string]bool{}
	r.ForEach(func(sub string, s *ControlSession) bool {
		seen[sub] = true
		return true
	})
	assert.Equal(t, map[string]bool{"alpha": true, "beta": true}, seen)
}
