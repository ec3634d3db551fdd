package dialogue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	defer r.Close()

	a := r.GetOrCreate("sess-a")
	b := r.GetOrCreate("sess-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.GetOrCreate("sess-a"))
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get("sess-a")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("sess-missing")
	assert.False(t, ok)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	defer r.Close()

	f := r.GetOrCreate("sess-a")
	r.Remove("sess-a")
	assert.Equal(t, 0, r.Len())

	// The removed FSM is destroyed and rejects further turns.
	assert.Error(t, f.StartNewTurn("req-1"))

	// A fresh FSM replaces it on next use.
	assert.NotSame(t, f, r.GetOrCreate("sess-a"))
}

func TestRegistrySweepExpiresIdleSessions(t *testing.T) {
	cfg := RegistryConfig{
		FSM:             DefaultConfig(),
		SweepInterval:   time.Hour,
		SessionLifetime: 20 * time.Millisecond,
	}
	r := NewRegistry(cfg)
	defer r.Close()

	var mu sync.Mutex
	var expired []string
	r.OnExpire(func(sessionID string) {
		mu.Lock()
		expired = append(expired, sessionID)
		mu.Unlock()
	})

	r.GetOrCreate("sess-old")
	time.Sleep(60 * time.Millisecond)
	fresh := r.GetOrCreate("sess-fresh")
	require.NoError(t, fresh.StartNewTurn("req-1"))

	removed := r.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, expired, 1)
	assert.Equal(t, "sess-old", expired[0])

	_, ok := r.Get("sess-old")
	assert.False(t, ok)
}

func TestRegistryCloseDestroysSessions(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	f := r.GetOrCreate("sess-a")
	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.Error(t, f.StartNewTurn("req-1"))
}
