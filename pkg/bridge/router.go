// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-gitea-bridge/pkg/bridge/markup"
	"github.com/aiku/matrix-gitea-bridge/pkg/sessionstore"
)

// State is the lifecycle state of a Router.
type State int32

const (
	StateIdle State = iota
	StateDisabled
	StateStarting
	StateRunning
	StateFailed
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDisabled:
		return "disabled"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type dispatchResult struct {
	reply *Reply
	err   error
}

type dispatchJob struct {
	ctx   context.Context
	evt   InboundEvent
	reply chan<- dispatchResult
}

// Router is one bridge instance. It serializes every inbound event through a
// single worker and sends outbound messages on behalf of the bot.
type Router struct {
	name      string
	cfg       *BridgeConfig
	identity  *Identity
	net       ChatNetwork
	processor MessageProcessor
	log       zerolog.Logger

	mu       sync.Mutex
	state    State
	closed   bool
	startErr error

	jobs       chan dispatchJob
	ready      chan struct{}
	failed     chan struct{}
	failedOnce sync.Once
	done       chan struct{}
	inflight   sync.WaitGroup
}

var (
	_ Dispatcher   = (*Router)(nil)
	_ startAborter = (*Router)(nil)
)

// NewRouter creates the bridge instance name. A disabled config yields a
// router that stays in StateDisabled.
func NewRouter(name string, cfg *BridgeConfig, net ChatNetwork, store sessionstore.Store, processor MessageProcessor, log zerolog.Logger) *Router {
	log = log.With().Str("bridge", name).Logger()
	r := &Router{
		name:      name,
		cfg:       cfg,
		identity:  NewIdentity(name, cfg, net, store, log),
		net:       net,
		processor: processor,
		log:       log.With().Str("component", "router").Logger(),
		jobs:      make(chan dispatchJob),
		ready:     make(chan struct{}),
		failed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	if !cfg.Enabled {
		r.state = StateDisabled
	}
	return r
}

// Name returns the bridge name.
func (r *Router) Name() string { return r.name }

// Config returns the bridge config.
func (r *Router) Config() *BridgeConfig { return r.cfg }

// Identity returns the bot identity.
func (r *Router) Identity() *Identity { return r.identity }

// State returns the current lifecycle state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the startup error of a failed router.
func (r *Router) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startErr
}

// Start brings the bridge up. It returns nil without doing anything for a
// disabled bridge. A startup failure leaves the router in StateFailed, which
// is terminal.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateDisabled:
		r.mu.Unlock()
		r.log.Info().Msg("Bridge is disabled")
		return nil
	case StateIdle:
	default:
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("bridge %s cannot start while %s", r.name, state)
	}
	r.state = StateStarting
	r.mu.Unlock()

	r.log.Info().Msg("Starting bridge")
	go r.run()

	session, err := r.identity.Start(ctx, r)
	if err != nil {
		r.abortStart()
		r.mu.Lock()
		r.startErr = err
		r.mu.Unlock()
		r.inflight.Wait()
		close(r.jobs)
		<-r.done
		r.log.Err(err).Msg("Bridge failed to start")
		return err
	}

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()
	close(r.ready)
	r.log.Info().
		Stringer("user_id", session.Identity).
		Str("device_id", string(session.DeviceID)).
		Msg("Bridge is running")
	return nil
}

// abortStart marks a failed startup. New events are refused and the worker
// rejects those already waiting, which lets the listener drain on close.
func (r *Router) abortStart() {
	r.failedOnce.Do(func() {
		r.mu.Lock()
		r.state = StateFailed
		r.mu.Unlock()
		close(r.failed)
	})
}

// Stop shuts the bridge down. The listener is closed first so no new events
// arrive, then in-flight dispatches finish and the worker exits.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateRunning:
	case StateStarting:
		r.mu.Unlock()
		return fmt.Errorf("bridge %s is still starting", r.name)
	default:
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopping
	r.mu.Unlock()
	r.log.Info().Msg("Stopping bridge")

	closeErr := r.net.Close(ctx)
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.inflight.Wait()
	close(r.jobs)
	<-r.done

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	if closeErr != nil {
		return fmt.Errorf("failed to close listener: %w", closeErr)
	}
	r.log.Info().Msg("Bridge stopped")
	return nil
}

func (r *Router) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateStarting, StateRunning:
	case StateStopping:
		if r.closed {
			return false
		}
	default:
		return false
	}
	r.inflight.Add(1)
	return true
}

// Dispatch hands evt to the worker and waits for the result. Events received
// while the bridge is starting wait until it runs.
func (r *Router) Dispatch(ctx context.Context, evt InboundEvent) (*Reply, error) {
	if !r.acquire() {
		r.log.Warn().
			Type("event_type", evt).
			Stringer("room_id", evt.RoomID()).
			Stringer("state", r.State()).
			Msg("Rejected event because the bridge is not running")
		return nil, ErrNotRunning
	}
	defer r.inflight.Done()

	reply := make(chan dispatchResult, 1)
	select {
	case r.jobs <- dispatchJob{ctx: ctx, evt: evt, reply: reply}:
	case <-ctx.Done():
		r.log.Warn().Err(ctx.Err()).Type("event_type", evt).Msg("Gave up waiting to dispatch event")
		return nil, ctx.Err()
	}
	res := <-reply
	return res.reply, res.err
}

// AdvanceCursor records the bot's sync cursor.
func (r *Router) AdvanceCursor(ctx context.Context, cursor string) error {
	return r.identity.AdvanceCursor(ctx, cursor)
}

func (r *Router) run() {
	defer close(r.done)
	for job := range r.jobs {
		select {
		case <-r.ready:
		case <-r.failed:
			job.reply <- dispatchResult{err: ErrNotRunning}
			continue
		}
		reply, err := r.handle(job.ctx, job.evt)
		job.reply <- dispatchResult{reply: reply, err: err}
	}
}

func (r *Router) handle(ctx context.Context, evt InboundEvent) (reply *Reply, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while handling %T: %v", evt, p)
			r.log.Error().Err(err).Stringer("room_id", evt.RoomID()).Msg("Event handler panicked")
		}
	}()
	switch e := evt.(type) {
	case *MembershipChange:
		return nil, r.handleMembership(ctx, e)
	case *PlainMessage:
		return nil, r.handleMessage(ctx, e.EventMeta, e.Content, false)
	case *EncryptedMessage:
		return nil, r.handleMessage(ctx, e.EventMeta, e.Content, true)
	case *FailedDecryption:
		r.log.Error().
			Err(e.Err).
			Stringer("room_id", e.Room).
			Stringer("sender", e.From).
			Stringer("event_id", e.EventID).
			Msg("Failed to decrypt event")
		return nil, nil
	case *UserQuery:
		profile, err := r.identity.QueryUser(e.UserID)
		if err != nil {
			r.log.Debug().Stringer("user_id", e.UserID).Msg("Rejected user query for unknown user")
			return nil, err
		}
		r.log.Debug().Stringer("user_id", e.UserID).Msg("Answered user query")
		return &Reply{Profile: profile}, nil
	case *KeyQuery:
		r.log.Debug().Msg("Acknowledged key query without keys")
		return &Reply{}, nil
	case *KeyClaimQuery:
		r.log.Debug().Msg("Acknowledged key claim without keys")
		return &Reply{}, nil
	default:
		r.log.Warn().Type("event_type", evt).Msg("No handler for inbound event")
		return nil, fmt.Errorf("%w: %T", ErrUnhandledEvent, evt)
	}
}

func (r *Router) handleMembership(ctx context.Context, evt *MembershipChange) error {
	log := r.log.With().
		Stringer("room_id", evt.Room).
		Stringer("sender", evt.From).
		Str("membership", string(evt.Membership)).
		Logger()
	if evt.Target != r.identity.UserID() {
		log.Debug().Stringer("target", evt.Target).Msg("Ignoring membership change of another user")
		return nil
	}
	switch evt.Membership {
	case event.MembershipInvite:
	case event.MembershipJoin:
		r.identity.markJoined(evt.Room, true)
		return nil
	case event.MembershipLeave, event.MembershipBan:
		r.identity.markJoined(evt.Room, false)
		log.Info().Msg("Bot was removed from room")
		return nil
	default:
		log.Debug().Msg("Ignoring bot membership change")
		return nil
	}
	if r.identity.IsJoined(evt.Room) {
		log.Debug().Msg("Ignoring invite to a room the bot is already in")
		return nil
	}
	if err := r.identity.JoinRoom(ctx, evt.Room); err != nil {
		log.Err(err).Msg("Failed to join room after invite")
		return err
	}
	if _, err := r.SendMessage(ctx, evt.Room, fmt.Sprintf("Joined room %s", evt.Room), true); err != nil {
		return fmt.Errorf("failed to send join confirmation: %w", err)
	}
	return nil
}

func (r *Router) handleMessage(ctx context.Context, meta EventMeta, content *event.MessageEventContent, encrypted bool) error {
	log := r.log.With().
		Stringer("room_id", meta.Room).
		Stringer("sender", meta.From).
		Stringer("event_id", meta.EventID).
		Bool("encrypted", encrypted).
		Logger()
	if meta.From == r.identity.UserID() {
		log.Debug().Msg("Ignoring message sent by the bot")
		return nil
	}
	if content == nil {
		log.Warn().Msg("Ignoring message without content")
		return nil
	}
	if content.MsgType != event.MsgText {
		log.Debug().Str("msgtype", string(content.MsgType)).Msg("Ignoring unsupported message type")
		return nil
	}
	if err := r.processor.ProcessMessage(ctx, meta.Room, meta.From, markup.ToPlain(content)); err != nil {
		log.Err(err).Msg("Failed to process message")
		return fmt.Errorf("failed to process message: %w", err)
	}
	return nil
}

func (r *Router) canSend() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRunning || r.state == StateStopping
}

// SendMessage sends text to room. With rich set, text is rendered as markdown
// and both forms are sent. Failures are returned to the caller unchanged
// apart from being marked as transport errors.
func (r *Router) SendMessage(ctx context.Context, room id.RoomID, text string, rich bool) (id.EventID, error) {
	if !r.canSend() {
		return "", ErrNotRunning
	}
	if !r.identity.Registered() {
		return "", ErrNotRegistered
	}
	log := r.log.With().Stringer("room_id", room).Bool("markup", rich).Logger()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
	defer cancel()

	msg := NewOutboundMessage(room, text, rich)
	eventID, err := r.net.SendMessage(ctx, room, msg.Content())
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = &TransportError{Op: "send message", Temporary: ctx.Err() != nil, Err: err}
		}
		log.Err(err).Msg("Failed to send message")
		return "", err
	}
	log.Info().Stringer("event_id", eventID).Msg("Sent message")
	return eventID, nil
}

// Targets returns the rooms that receive broadcasts: the configured rooms
// plus every room the bot has joined.
func (r *Router) Targets() []id.RoomID {
	rooms := append(slices.Clone(r.cfg.Rooms), r.identity.JoinedRooms()...)
	slices.Sort(rooms)
	return slices.Compact(rooms)
}

// Broadcast sends text to every target room. It returns how many sends
// succeeded along with the joined errors of those that failed.
func (r *Router) Broadcast(ctx context.Context, text string, rich bool) (int, error) {
	if !r.canSend() {
		return 0, ErrNotRunning
	}
	targets := r.Targets()
	if len(targets) == 0 {
		r.log.Warn().Msg("No rooms to broadcast to")
		return 0, nil
	}
	var sent int
	var errs []error
	for _, room := range targets {
		if _, err := r.SendMessage(ctx, room, text, rich); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", room, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}
