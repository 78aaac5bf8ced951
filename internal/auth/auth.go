// Package auth handles API key generation and resolution.
//
// Raw keys are shown once at creation and stored only as Argon2id hashes.
// A short plaintext prefix is kept alongside the hash so resolution can
// narrow candidates without a full table scan.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// ErrInvalidKey is returned when a presented key matches no active API key.
var ErrInvalidKey = errors.New("auth: invalid api key")

const (
	// PrefixLen is the length of the plaintext prefix stored with each key.
	// It covers the permission tag plus the first few random characters, so
	// prefix lookups stay selective.
	PrefixLen = 12

	keyRandomBytes = 24
)

func permTag(p model.Permission) string {
	switch p {
	case model.PermReadWriteLive:
		return "hb_live_"
	case model.PermReadWriteTest:
		return "hb_test_"
	default:
		return "hb_ro_"
	}
}

// NewKey mints a raw API key for a tenant and returns it together with the
// record to persist. The raw key is not recoverable afterwards.
func NewKey(tenantID uuid.UUID, perm model.Permission, label string) (string, model.APIKey, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", model.APIKey{}, fmt.Errorf("auth: generate key: %w", err)
	}
	raw := permTag(perm) + hex.EncodeToString(buf)

	hash, err := HashAPIKey(raw)
	if err != nil {
		return "", model.APIKey{}, err
	}

	return raw, model.APIKey{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Prefix:     raw[:PrefixLen],
		KeyHash:    hash,
		Permission: perm,
		Label:      label,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Resolver turns bearer keys into (tenant, permission) pairs.
type Resolver struct {
	store storage.Store
	cache *KeyCache
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

// NewCachedResolver creates a Resolver that caches successful resolutions
// for ttl, skipping the Argon2id verification on cache hits.
func NewCachedResolver(store storage.Store, ttl time.Duration) *Resolver {
	return &Resolver{store: store, cache: NewKeyCache(ttl)}
}

// Close releases the resolver's cache, if any.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

// Resolve verifies a raw key against stored hashes and returns the matching
// API key record. Unknown and revoked keys are indistinguishable to the
// caller, and failure timing does not reveal whether the prefix exists.
func (r *Resolver) Resolve(ctx context.Context, rawKey string) (model.APIKey, error) {
	if len(rawKey) < PrefixLen {
		DummyVerify()
		return model.APIKey{}, ErrInvalidKey
	}

	if r.cache != nil {
		if k, ok := r.cache.Get(rawKey); ok {
			return k, nil
		}
	}

	candidates, err := r.store.APIKeysByPrefix(ctx, rawKey[:PrefixLen])
	if err != nil {
		return model.APIKey{}, fmt.Errorf("auth: resolve key: %w", err)
	}

	for _, k := range candidates {
		ok, err := VerifyAPIKey(rawKey, k.KeyHash)
		if err != nil {
			return model.APIKey{}, err
		}
		if ok {
			if r.cache != nil {
				r.cache.Set(rawKey, k)
			}
			return k, nil
		}
	}

	if len(candidates) == 0 {
		DummyVerify()
	}
	return model.APIKey{}, ErrInvalidKey
}
