package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/model"
)

func TestKeyCache_GetSet(t *testing.T) {
	c := NewKeyCache(time.Second)
	defer c.Close()

	// Miss on empty cache.
	_, ok := c.Get("hb_live_abc")
	assert.False(t, ok)

	key := model.APIKey{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		Permission: model.PermReadWriteLive,
	}
	c.Set("hb_live_abc", key)

	got, ok := c.Get("hb_live_abc")
	require.True(t, ok)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, key.TenantID, got.TenantID)
}

func TestKeyCache_Expiry(t *testing.T) {
	c := NewKeyCache(50 * time.Millisecond)
	defer c.Close()

	c.Set("hb_live_abc", model.APIKey{ID: uuid.New()})

	_, ok := c.Get("hb_live_abc")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	_, ok = c.Get("hb_live_abc")
	assert.False(t, ok, "entry should have expired")
}

func TestKeyCache_EvictExpired(t *testing.T) {
	c := NewKeyCache(10 * time.Millisecond)
	defer c.Close()

	c.Set("key1", model.APIKey{ID: uuid.New()})
	c.Set("key2", model.APIKey{ID: uuid.New()})

	time.Sleep(20 * time.Millisecond)

	c.evictExpired()

	c.mu.RLock()
	assert.Empty(t, c.entries, "evictExpired should have removed all expired entries")
	c.mu.RUnlock()
}

func TestKeyCache_RawKeyNotStored(t *testing.T) {
	c := NewKeyCache(time.Second)
	defer c.Close()

	raw := "hb_live_secretsecret"
	c.Set(raw, model.APIKey{ID: uuid.New()})

	c.mu.RLock()
	defer c.mu.RUnlock()
	for k := range c.entries {
		assert.NotContains(t, k, "secret", "cache keys must not contain the raw key")
	}
}

func TestCachedResolverSkipsVerification(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	tenant := model.Tenant{ID: uuid.New(), Name: "acme"}
	require.NoError(t, store.CreateTenant(ctx, tenant))

	raw, key, err := NewKey(tenant.ID, model.PermReadWriteLive, "ci")
	require.NoError(t, err)
	require.NoError(t, store.CreateAPIKey(ctx, key))

	r := NewCachedResolver(store, time.Minute)
	defer r.Close()

	got, err := r.Resolve(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	// The first resolution populates the cache.
	_, ok := r.cache.Get(raw)
	require.True(t, ok)

	got, err = r.Resolve(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	// Misses still fail even with a warm cache.
	_, err = r.Resolve(ctx, "hb_live_0000000000000000")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
