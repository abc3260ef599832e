// Copyright 2024-2026 Aiku AI

package sessionstore

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"
)

// LockedStore serializes writes per identity. Writes for different
// identities proceed in parallel.
type LockedStore struct {
	inner Store
	locks sync.Map // id.UserID -> *sync.Mutex
}

var _ Store = (*LockedStore)(nil)

// Locked wraps a store with per-identity mutual exclusion for Put and
// UpdateCursor.
func Locked(inner Store) *LockedStore {
	if ls, ok := inner.(*LockedStore); ok {
		return ls
	}
	return &LockedStore{inner: inner}
}

func (l *LockedStore) lock(identity id.UserID) func() {
	mu, _ := l.locks.LoadOrStore(identity, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (l *LockedStore) Get(ctx context.Context, identity id.UserID) (*Session, error) {
	return l.inner.Get(ctx, identity)
}

func (l *LockedStore) Put(ctx context.Context, session *Session) error {
	defer l.lock(session.Identity)()
	return l.inner.Put(ctx, session)
}

func (l *LockedStore) UpdateCursor(ctx context.Context, identity id.UserID, cursor string) error {
	defer l.lock(identity)()
	return l.inner.UpdateCursor(ctx, identity, cursor)
}
