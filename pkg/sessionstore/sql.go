// Copyright 2024-2026 Aiku AI

package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-gitea-bridge/pkg/sessionstore/upgrades"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	getSessionQuery = `
		SELECT identity_id, device_id, access_token, sync_cursor
		FROM encryption_session WHERE identity_id=$1
	`
	putSessionQuery = `
		INSERT INTO encryption_session (identity_id, device_id, access_token, sync_cursor)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_id) DO UPDATE
			SET device_id=excluded.device_id,
				access_token=excluded.access_token,
				sync_cursor=excluded.sync_cursor
	`
	updateCursorQuery = `
		UPDATE encryption_session SET sync_cursor=$2 WHERE identity_id=$1
	`
)

// SQLStore is the durable session store. It works on both SQLite and
// Postgres through dbutil.
type SQLStore struct {
	db *dbutil.Database
}

var _ Store = (*SQLStore)(nil)

// Open connects to the database at uri using the given dialect ("sqlite3" or
// "postgres"). Call Upgrade before using the store.
func Open(dialect, uri string, log zerolog.Logger) (*SQLStore, error) {
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	return NewSQLStore(db, log), nil
}

// NewSQLStore wraps an existing database and attaches the session schema
// upgrade table to it.
func NewSQLStore(db *dbutil.Database, log zerolog.Logger) *SQLStore {
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "session_store").Logger())
	return &SQLStore{db: db}
}

// Upgrade applies pending schema migrations.
func (s *SQLStore) Upgrade(ctx context.Context) error {
	if err := s.db.Upgrade(ctx); err != nil {
		return &StorageError{Op: "upgrade", Err: err}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Get(ctx context.Context, identity id.UserID) (*Session, error) {
	var userID, deviceID, accessToken string
	var cursor sql.NullString
	err := s.db.QueryRow(ctx, getSessionQuery, string(identity)).
		Scan(&userID, &deviceID, &accessToken, &cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, &StorageError{Op: "get", Identity: identity, Err: err}
	}
	session := &Session{
		Identity:    id.UserID(userID),
		DeviceID:    id.DeviceID(deviceID),
		AccessToken: accessToken,
	}
	if cursor.Valid {
		session.SyncCursor = &cursor.String
	}
	return session, nil
}

func (s *SQLStore) Put(ctx context.Context, session *Session) error {
	var cursor sql.NullString
	if session.SyncCursor != nil {
		cursor = sql.NullString{String: *session.SyncCursor, Valid: true}
	}
	_, err := s.db.Exec(ctx, putSessionQuery,
		string(session.Identity), string(session.DeviceID), session.AccessToken, cursor)
	if err != nil {
		return &StorageError{Op: "put", Identity: session.Identity, Err: err}
	}
	return nil
}

func (s *SQLStore) UpdateCursor(ctx context.Context, identity id.UserID, cursor string) error {
	res, err := s.db.Exec(ctx, updateCursorQuery, string(identity), cursor)
	if err != nil {
		return &StorageError{Op: "update cursor", Identity: identity, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "update cursor", Identity: identity, Err: err}
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
