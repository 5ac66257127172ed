package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// VirtualIdentity is a chat user that stands in for a remote identity.
type VirtualIdentity struct {
	RemoteID  string
	UserID    string
	Localpart string
	CreatedAt time.Time
}

// Store persists virtual identities across restarts.
type Store interface {
	Get(ctx context.Context, remoteID string) (*VirtualIdentity, bool, error)
	Put(ctx context.Context, vi *VirtualIdentity) error
}

// Resolver decides whether a user id is virtual and keeps one
// VirtualIdentity per remote identity for the life of the process.
type Resolver struct {
	matcher *Matcher
	store   Store

	mu       sync.Mutex
	cache    map[string]*VirtualIdentity
	inflight singleflight.Group
}

// NewResolver creates a resolver. store may be nil.
func NewResolver(matcher *Matcher, store Store) *Resolver {
	return &Resolver{
		matcher: matcher,
		store:   store,
		cache:   make(map[string]*VirtualIdentity),
	}
}

// Matcher returns the template matcher.
func (r *Resolver) Matcher() *Matcher { return r.matcher }

// IsVirtual reports whether userID matches a template on our domain.
func (r *Resolver) IsVirtual(userID string) bool {
	_, ok := r.matcher.MatchUserID(userID)
	return ok
}

// Resolve returns the virtual identity behind userID, creating and caching
// it on first sight. ok is false when userID is not virtual.
func (r *Resolver) Resolve(ctx context.Context, userID string) (vi *VirtualIdentity, ok bool) {
	m, ok := r.matcher.MatchUserID(userID)
	if !ok {
		return nil, false
	}
	return r.obtain(ctx, m.RemoteID, userID, m.Localpart), true
}

// ResolveRemote returns the virtual identity for a remote identity.
func (r *Resolver) ResolveRemote(ctx context.Context, remoteID string) *VirtualIdentity {
	return r.obtain(ctx, remoteID, r.matcher.UserIDFor(remoteID), r.matcher.LocalpartFor(remoteID))
}

// Known returns the number of cached identities.
func (r *Resolver) Known() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *Resolver) cached(remoteID string) (*VirtualIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vi, ok := r.cache[remoteID]
	return vi, ok
}

// obtain returns the cached identity or builds one. Store I/O runs outside
// r.mu and is collapsed per remote identity.
func (r *Resolver) obtain(ctx context.Context, remoteID, userID, localpart string) *VirtualIdentity {
	if vi, ok := r.cached(remoteID); ok {
		return vi
	}

	v, _, _ := r.inflight.Do(remoteID, func() (any, error) {
		if vi, ok := r.cached(remoteID); ok {
			return vi, nil
		}
		vi, fresh := r.load(ctx, remoteID, userID, localpart)

		r.mu.Lock()
		if existing, ok := r.cache[remoteID]; ok {
			r.mu.Unlock()
			return existing, nil
		}
		r.cache[remoteID] = vi
		r.mu.Unlock()

		if fresh {
			slog.Debug("[Identity] Virtual identity created", "remote_id", remoteID, "user_id", userID)
			r.persist(ctx, vi)
		}
		return vi, nil
	})
	return v.(*VirtualIdentity)
}

// load reads remoteID from the store, or builds a fresh identity. fresh is
// true when the identity was not found in the store.
func (r *Resolver) load(ctx context.Context, remoteID, userID, localpart string) (vi *VirtualIdentity, fresh bool) {
	if r.store != nil {
		stored, found, err := r.store.Get(ctx, remoteID)
		if err != nil {
			slog.Warn("[Identity] Store lookup failed, continuing in memory", "remote_id", remoteID, "error", err)
		} else if found {
			return stored, false
		}
	}
	return &VirtualIdentity{
		RemoteID:  remoteID,
		UserID:    userID,
		Localpart: localpart,
		CreatedAt: time.Now(),
	}, true
}

func (r *Resolver) persist(ctx context.Context, vi *VirtualIdentity) {
	if r.store == nil {
		return
	}
	if err := r.store.Put(ctx, vi); err != nil {
		slog.Warn("[Identity] Failed to persist virtual identity", "remote_id", vi.RemoteID, "error", err)
	}
}
