package auth

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
)

// RoleLookup reports whether userID holds the staff role.
type RoleLookup func(ctx context.Context, userID string) (bool, error)

// RepoLookup reads admin_users through the repository.
func RepoLookup(db *gorm.DB) RoleLookup {
	return func(ctx context.Context, userID string) (bool, error) {
		return repo.IsAdmin(ctx, db, userID)
	}
}

type roleEntry struct {
	admin   bool
	expires time.Time
}

// RoleCache memoizes staff-role lookups per user for a fixed TTL. Lookup
// errors are not cached.
type RoleCache struct {
	lookup RoleLookup
	ttl    time.Duration

	// Now is the clock; tests override it.
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]roleEntry
}

// NewRoleCache returns a cache backed by lookup.
func NewRoleCache(lookup RoleLookup, ttl time.Duration) *RoleCache {
	return &RoleCache{lookup: lookup, ttl: ttl, Now: time.Now, entries: make(map[string]roleEntry)}
}

// IsAdmin returns the cached role for userID, consulting lookup on a miss or
// after expiry.
func (r *RoleCache) IsAdmin(ctx context.Context, userID string) (bool, error) {
	now := r.Now()
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.admin, nil
	}

	admin, err := r.lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	r.entries[userID] = roleEntry{admin: admin, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return admin, nil
}

// Invalidate drops userID so the next check hits the store.
func (r *RoleCache) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.entries, userID)
	r.mu.Unlock()
}
