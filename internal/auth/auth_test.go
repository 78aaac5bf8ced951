package auth

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
	"github.com/jcolano/hiveboard/internal/storage/sqlite"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyAPIKeyMalformedHash(t *testing.T) {
	_, err := VerifyAPIKey("key", "not-a-hash")
	assert.Error(t, err)
}

func TestNewKey(t *testing.T) {
	tenantID := uuid.New()

	raw, key, err := NewKey(tenantID, model.PermReadWriteLive, "ci")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "hb_live_"))
	assert.Equal(t, raw[:PrefixLen], key.Prefix)
	assert.Equal(t, tenantID, key.TenantID)
	assert.Equal(t, model.PermReadWriteLive, key.Permission)
	assert.Equal(t, "ci", key.Label)
	assert.NotContains(t, key.KeyHash, raw, "hash must not embed the raw key")

	valid, err := VerifyAPIKey(raw, key.KeyHash)
	require.NoError(t, err)
	assert.True(t, valid)

	// Permission classes get distinct tags.
	rawTest, _, err := NewKey(tenantID, model.PermReadWriteTest, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rawTest, "hb_test_"))

	rawRO, _, err := NewKey(tenantID, model.PermReadOnly, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rawRO, "hb_ro_"))
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := sqlite.Open(t.Context(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestResolverResolve(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	tenant := model.Tenant{ID: uuid.New(), Name: "acme"}
	require.NoError(t, store.CreateTenant(ctx, tenant))

	raw, key, err := NewKey(tenant.ID, model.PermReadWriteLive, "prod")
	require.NoError(t, err)
	require.NoError(t, store.CreateAPIKey(ctx, key))

	resolver := NewResolver(store)

	resolved, err := resolver.Resolve(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, key.ID, resolved.ID)
	assert.Equal(t, tenant.ID, resolved.TenantID)
	assert.Equal(t, model.PermReadWriteLive, resolved.Permission)
}

func TestResolverRejectsUnknownKey(t *testing.T) {
	ctx := t.Context()
	resolver := NewResolver(newTestStore(t))

	_, err := resolver.Resolve(ctx, "hb_live_0000000000000000")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = resolver.Resolve(ctx, "short")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestResolverRejectsRevokedKey(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	tenant := model.Tenant{ID: uuid.New(), Name: "acme"}
	require.NoError(t, store.CreateTenant(ctx, tenant))

	raw, key, err := NewKey(tenant.ID, model.PermReadOnly, "")
	require.NoError(t, err)
	require.NoError(t, store.CreateAPIKey(ctx, key))
	require.NoError(t, store.RevokeAPIKey(ctx, tenant.ID, key.ID))

	_, err = NewResolver(store).Resolve(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestResolverSharedPrefix(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	tenant := model.Tenant{ID: uuid.New(), Name: "acme"}
	require.NoError(t, store.CreateTenant(ctx, tenant))

	// Two keys whose stored prefixes collide: resolution must pick the one
	// whose hash actually matches.
	rawA, keyA, err := NewKey(tenant.ID, model.PermReadWriteLive, "a")
	require.NoError(t, err)
	rawB := rawA[:PrefixLen] + "differentsuffix"
	hashB, err := HashAPIKey(rawB)
	require.NoError(t, err)
	keyB := keyA
	keyB.ID = uuid.New()
	keyB.KeyHash = hashB
	keyB.Label = "b"

	require.NoError(t, store.CreateAPIKey(ctx, keyA))
	require.NoError(t, store.CreateAPIKey(ctx, keyB))

	resolver := NewResolver(store)

	resolved, err := resolver.Resolve(ctx, rawB)
	require.NoError(t, err)
	assert.Equal(t, keyB.ID, resolved.ID)

	resolved, err = resolver.Resolve(ctx, rawA)
	require.NoError(t, err)
	assert.Equal(t, keyA.ID, resolved.ID)
}
