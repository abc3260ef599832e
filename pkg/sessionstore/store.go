// Copyright 2024-2026 Aiku AI

// Package sessionstore persists per-identity encryption session material
// (device ID, access token and sync cursor) for bridge bots.
//
// [SQLStore] is the durable implementation. [MemoryStore] keeps everything in
// process memory and is only meant for tests and throwaway bridges. Wrap
// either with [Locked] when several goroutines write the same identity.
package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// ErrNotFound is returned when no session exists for an identity.
var ErrNotFound = errors.New("session not found")

// Session is the stored encryption session of one identity.
type Session struct {
	Identity    id.UserID
	DeviceID    id.DeviceID
	AccessToken string
	// SyncCursor is nil until the identity has consumed at least one batch
	// of events.
	SyncCursor *string
}

// Store is the persistence contract for sessions. Put replaces any existing
// record for the same identity.
type Store interface {
	Get(ctx context.Context, identity id.UserID) (*Session, error)
	Put(ctx context.Context, session *Session) error
	UpdateCursor(ctx context.Context, identity id.UserID, cursor string) error
}

// StorageError wraps a failure of the backing storage. Callers may retry the
// operation.
type StorageError struct {
	Op       string
	Identity id.UserID
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session store %s for %s: %v", e.Op, e.Identity, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failed operation can be attempted again.
func (e *StorageError) Retryable() bool {
	return true
}

// clone returns a deep copy so callers never share the cursor pointer with
// the store.
func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.SyncCursor != nil {
		cursor := *s.SyncCursor
		cp.SyncCursor = &cursor
	}
	return &cp
}
