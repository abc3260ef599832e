// Copyright 2024-2026 Aiku AI

package sessionstore

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"
)

// MemoryStore keeps sessions in a map. It is NOT durable: everything is lost
// when the process exits, so use it only in tests or for ephemeral bridges.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[id.UserID]*Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty non-durable store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[id.UserID]*Session)}
}

func (m *MemoryStore) Get(_ context.Context, identity id.UserID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return session.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.Identity] = session.clone()
	return nil
}

func (m *MemoryStore) UpdateCursor(_ context.Context, identity id.UserID, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[identity]
	if !ok {
		return ErrNotFound
	}
	session.SyncCursor = &cursor
	return nil
}
