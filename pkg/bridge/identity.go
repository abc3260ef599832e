// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-gitea-bridge/pkg/sessionstore"
)

const (
	defaultJoinAttempts = 3
	defaultJoinBackoff  = time.Second
)

// Identity owns the lifecycle of the bridge bot on the homeserver: its
// registration, display name, encryption session and room membership.
type Identity struct {
	appID string
	cfg   *BridgeConfig
	net   ChatNetwork
	store sessionstore.Store
	log   zerolog.Logger

	// joinAttempts and joinBackoff control retries of temporary join
	// failures. The delay doubles after every attempt.
	joinAttempts int
	joinBackoff  time.Duration

	// cursorMu orders cursor writes and covers the hand-off of pendingCursor
	// to the session created during startup.
	cursorMu sync.Mutex

	mu            sync.RWMutex
	registered    bool
	displayName   string
	session       *sessionstore.Session
	pendingCursor string
	rooms         map[id.RoomID]struct{}
}

// NewIdentity creates the bot identity for appID.
func NewIdentity(appID string, cfg *BridgeConfig, net ChatNetwork, store sessionstore.Store, log zerolog.Logger) *Identity {
	return &Identity{
		appID:        appID,
		cfg:          cfg,
		net:          net,
		store:        store,
		log:          log.With().Str("component", "identity").Logger(),
		joinAttempts: defaultJoinAttempts,
		joinBackoff:  defaultJoinBackoff,
		rooms:        make(map[id.RoomID]struct{}),
	}
}

// UserID returns the canonical bot user ID.
func (i *Identity) UserID() id.UserID {
	return i.cfg.BotID(i.appID)
}

// Registered reports whether the registration handshake completed.
func (i *Identity) Registered() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.registered
}

// Session returns a copy of the bot's encryption session, or nil before
// startup finished.
func (i *Identity) Session() *sessionstore.Session {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.session == nil {
		return nil
	}
	cp := *i.session
	return &cp
}

// startAborter is implemented by dispatchers that hold events received during
// startup. abortStart is called before the listener is closed after a failed
// stage, so held events are rejected instead of blocking the close.
type startAborter interface {
	abortStart()
}

// Start brings the identity up. The listener goes live first so no
// transaction is lost, then the bot is registered, named and given its
// session. On failure the listener is closed again and a *StartupError is
// returned.
func (i *Identity) Start(ctx context.Context, d Dispatcher) (*sessionstore.Session, error) {
	fail := func(stage string, err error) (*sessionstore.Session, error) {
		if aborter, ok := d.(startAborter); ok {
			aborter.abortStart()
		}
		if closeErr := i.net.Close(context.WithoutCancel(ctx)); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close listener: %w", closeErr))
		}
		return nil, &StartupError{Bridge: i.appID, Stage: stage, Err: err}
	}

	if err := i.net.Listen(ctx, d); err != nil {
		return nil, &StartupError{Bridge: i.appID, Stage: "listen", Err: err}
	}
	if err := i.net.EnsureRegistered(ctx); err != nil {
		if !errors.Is(err, ErrRegistration) {
			err = fmt.Errorf("%w: %w", ErrRegistration, err)
		}
		return fail("register", err)
	}
	i.mu.Lock()
	i.registered = true
	i.mu.Unlock()
	i.log.Debug().Stringer("user_id", i.UserID()).Msg("Bot user is registered")

	if err := i.SetDisplayName(ctx, i.cfg.BotName(i.appID)); err != nil {
		return fail("display name", err)
	}
	session, err := i.bootstrapSession(ctx)
	if err != nil {
		return fail("encryption session", err)
	}
	if err := i.loadRooms(ctx); err != nil {
		return fail("joined rooms", err)
	}
	return session, nil
}

// bootstrapSession loads the bot's session, creating and persisting a fresh
// one when none exists yet.
func (i *Identity) bootstrapSession(ctx context.Context) (*sessionstore.Session, error) {
	log := i.log.With().Stringer("user_id", i.UserID()).Logger()
	session, err := i.store.Get(ctx, i.UserID())
	switch {
	case errors.Is(err, sessionstore.ErrNotFound):
		deviceID, err := i.net.DeviceID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to look up bot device: %w", err)
		}
		if deviceID == "" {
			deviceID = id.DeviceID(random.String(10))
		}
		session = &sessionstore.Session{
			Identity:    i.UserID(),
			DeviceID:    deviceID,
			AccessToken: i.cfg.Tokens.AppService,
		}
		if err := i.store.Put(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to save new session: %w", err)
		}
		log.Info().Str("device_id", string(deviceID)).Msg("Created encryption session")
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	case session.AccessToken != i.cfg.Tokens.AppService:
		session.AccessToken = i.cfg.Tokens.AppService
		if err := i.store.Put(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to update session token: %w", err)
		}
		log.Info().Msg("Updated encryption session access token")
	default:
		log.Debug().Str("device_id", string(session.DeviceID)).Msg("Loaded encryption session")
	}

	i.cursorMu.Lock()
	defer i.cursorMu.Unlock()
	i.mu.Lock()
	pending := i.pendingCursor
	i.pendingCursor = ""
	i.mu.Unlock()
	if pending != "" {
		if err := i.store.UpdateCursor(ctx, i.UserID(), pending); err != nil {
			return nil, fmt.Errorf("failed to save sync cursor: %w", err)
		}
		session.SyncCursor = &pending
	}

	i.mu.Lock()
	i.session = session
	cp := *session
	i.mu.Unlock()
	return &cp, nil
}

func (i *Identity) loadRooms(ctx context.Context) error {
	rooms, err := i.net.JoinedRooms(ctx)
	if err != nil {
		return err
	}
	i.mu.Lock()
	for _, room := range rooms {
		i.rooms[room] = struct{}{}
	}
	i.mu.Unlock()
	i.log.Debug().Int("room_count", len(rooms)).Msg("Loaded joined rooms")
	return nil
}

// SetDisplayName sets the bot's display name. Setting the current name again
// does nothing.
func (i *Identity) SetDisplayName(ctx context.Context, name string) error {
	if !i.Registered() {
		return ErrNotRegistered
	}
	i.mu.RLock()
	current := i.displayName
	i.mu.RUnlock()
	if current == name {
		return nil
	}
	if err := i.net.SetDisplayName(ctx, name); err != nil {
		return fmt.Errorf("failed to set display name: %w", err)
	}
	i.mu.Lock()
	i.displayName = name
	i.mu.Unlock()
	i.log.Debug().Str("display_name", name).Msg("Set bot display name")
	return nil
}

// DisplayName returns the name last set on the homeserver.
func (i *Identity) DisplayName() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.displayName
}

// IsJoined reports whether the bot is a member of room.
func (i *Identity) IsJoined(room id.RoomID) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.rooms[room]
	return ok
}

// JoinedRooms returns the rooms the bot is a member of.
func (i *Identity) JoinedRooms() []id.RoomID {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rooms := make([]id.RoomID, 0, len(i.rooms))
	for room := range i.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// JoinRoom joins room. Joining a room the bot is already in succeeds without
// contacting the homeserver. Temporary transport failures are retried with
// exponential backoff.
func (i *Identity) JoinRoom(ctx context.Context, room id.RoomID) error {
	if !i.Registered() {
		return ErrNotRegistered
	}
	if i.IsJoined(room) {
		return nil
	}
	log := i.log.With().Stringer("room_id", room).Logger()
	delay := i.joinBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = i.net.JoinRoom(ctx, room)
		if err == nil {
			i.markJoined(room, true)
			log.Info().Msg("Joined room")
			return nil
		}
		var transportErr *TransportError
		if !errors.As(err, &transportErr) || !transportErr.Temporary || attempt >= i.joinAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Failed to join room, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("failed to join %s: %w", room, err)
}

// markJoined updates the local membership view after a membership change of
// the bot itself.
func (i *Identity) markJoined(room id.RoomID, joined bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if joined {
		i.rooms[room] = struct{}{}
	} else {
		delete(i.rooms, room)
	}
}

// QueryUser answers a user query. Only the canonical bot ID is known.
func (i *Identity) QueryUser(userID id.UserID) (*UserProfile, error) {
	if userID != i.UserID() {
		return nil, ErrUserNotFound
	}
	return &UserProfile{Name: i.appID, DisplayName: i.cfg.BotName(i.appID)}, nil
}

// AdvanceCursor stores cursor as the bot's sync cursor. Cursors received
// before the session exists are kept and saved once it is created.
func (i *Identity) AdvanceCursor(ctx context.Context, cursor string) error {
	i.cursorMu.Lock()
	defer i.cursorMu.Unlock()
	i.mu.Lock()
	if i.session == nil {
		i.pendingCursor = cursor
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()
	if err := i.store.UpdateCursor(ctx, i.UserID(), cursor); err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}
	i.mu.Lock()
	if i.session != nil {
		i.session.SyncCursor = &cursor
	}
	i.mu.Unlock()
	return nil
}
