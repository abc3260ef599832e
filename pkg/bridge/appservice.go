// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const maxQueryBodySize = 1 << 20

// Decrypter recovers the content of m.room.encrypted events. The signature
// matches crypto.OlmMachine.DecryptMegolmEvent.
type Decrypter interface {
	DecryptMegolmEvent(ctx context.Context, evt *event.Event) (*event.Event, error)
}

// NetworkOption configures an AppserviceNetwork.
type NetworkOption func(*AppserviceNetwork)

// WithListenAddress overrides the listen address derived from the config
// port.
func WithListenAddress(addr string) NetworkOption {
	return func(n *AppserviceNetwork) { n.addr = addr }
}

// WithDecrypter enables decryption of encrypted room messages.
func WithDecrypter(d Decrypter) NetworkOption {
	return func(n *AppserviceNetwork) { n.decrypter = d }
}

// AppserviceNetwork connects a bridge to a homeserver as a Matrix
// application service.
type AppserviceNetwork struct {
	cfg       *BridgeConfig
	as        *appservice.AppService
	decrypter Decrypter
	log       zerolog.Logger
	addr      string

	mu         sync.Mutex
	server     *http.Server
	listener   net.Listener
	dispatcher Dispatcher
	stopPump   chan struct{}
	pumpDone   chan struct{}
}

var _ ChatNetwork = (*AppserviceNetwork)(nil)

// NewAppserviceNetwork creates the appservice for appID.
func NewAppserviceNetwork(appID string, cfg *BridgeConfig, log zerolog.Logger, opts ...NetworkOption) (*AppserviceNetwork, error) {
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     BuildRegistration(appID, cfg),
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.URL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create appservice: %w", ErrConfig, err)
	}
	log = log.With().Str("bridge", appID).Str("component", "appservice").Logger()
	as.Log = log
	n := &AppserviceNetwork{
		cfg: cfg,
		as:  as,
		log: log,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Addr returns the address the listener is bound to, or nil before Listen.
func (n *AppserviceNetwork) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

func (n *AppserviceNetwork) Listen(ctx context.Context, d Dispatcher) error {
	addr := n.addr
	if addr == "" {
		port, err := n.cfg.ListenPort()
		if err != nil {
			return err
		}
		addr = fmt.Sprintf(":%d", port)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatcher = d
	n.listener = ln
	n.stopPump = make(chan struct{})
	n.pumpDone = make(chan struct{})
	n.server = &http.Server{
		Handler:           n.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go n.pump(context.WithoutCancel(ctx), n.stopPump, n.pumpDone)
	go func(server *http.Server) {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Err(err).Msg("Appservice listener stopped")
		}
	}(n.server)
	n.log.Info().Stringer("addr", ln.Addr()).Msg("Appservice listener started")
	return nil
}

func (n *AppserviceNetwork) Close(ctx context.Context) error {
	n.mu.Lock()
	server, stopPump, pumpDone := n.server, n.stopPump, n.pumpDone
	n.server = nil
	n.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	close(stopPump)
	<-pumpDone
	n.log.Info().Msg("Appservice listener closed")
	return err
}

func (n *AppserviceNetwork) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(n.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("Handled homeserver request")
	}))
	r.Put("/_matrix/app/v1/transactions/{txnID}", n.handleTransaction)
	r.Group(func(r chi.Router) {
		r.Use(n.requireToken)
		r.Get("/_matrix/app/v1/users/{userID}", n.handleUserQuery)
		r.Post("/_matrix/app/unstable/org.matrix.msc3983/keys/claim", n.handleKeyClaim)
		r.Post("/_matrix/app/unstable/org.matrix.msc3984/keys/query", n.handleKeyQuery)
	})
	r.NotFound(n.as.Router.ServeHTTP)
	r.MethodNotAllowed(n.as.Router.ServeHTTP)
	return r
}

// handleTransaction lets the appservice accept the transaction and advances
// the sync cursor once it did. The cursor marks accepted transactions: their
// events are queued for the pump and may not be dispatched yet, and a
// homeserver never resends a transaction it got a 200 for.
func (n *AppserviceNetwork) handleTransaction(w http.ResponseWriter, r *http.Request) {
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	n.as.Router.ServeHTTP(ww, r)
	if ww.Status() != http.StatusOK {
		return
	}
	txnID := pathParam(r, "txnID")
	if err := n.dispatcher.AdvanceCursor(r.Context(), txnID); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("txn_id", txnID).Msg("Failed to advance sync cursor")
	}
}

func (n *AppserviceNetwork) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		switch {
		case token == "":
			writeError(w, http.StatusUnauthorized, mautrix.MMissingToken.ErrCode, "Missing homeserver token")
		case subtle.ConstantTimeCompare([]byte(token), []byte(n.cfg.Tokens.Homeserver)) != 1:
			writeError(w, http.StatusForbidden, mautrix.MForbidden.ErrCode, "Invalid homeserver token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (n *AppserviceNetwork) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(pathParam(r, "userID"))
	reply, err := n.dispatcher.Dispatch(r.Context(), &UserQuery{UserID: userID})
	switch {
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, mautrix.MNotFound.ErrCode, "User is not managed by this bridge")
	case err != nil:
		hlog.FromRequest(r).Err(err).Stringer("user_id", userID).Msg("Failed to answer user query")
		writeError(w, http.StatusServiceUnavailable, mautrix.MUnknown.ErrCode, "Bridge is not available")
	default:
		writeJSON(w, http.StatusOK, reply.Profile)
	}
}

func (n *AppserviceNetwork) handleKeyQuery(w http.ResponseWriter, r *http.Request) {
	body, ok := readQueryBody(w, r)
	if !ok {
		return
	}
	n.answerKeyRequest(w, r, &KeyQuery{Body: body})
}

func (n *AppserviceNetwork) handleKeyClaim(w http.ResponseWriter, r *http.Request) {
	body, ok := readQueryBody(w, r)
	if !ok {
		return
	}
	n.answerKeyRequest(w, r, &KeyClaimQuery{Body: body})
}

func (n *AppserviceNetwork) answerKeyRequest(w http.ResponseWriter, r *http.Request, evt InboundEvent) {
	if _, err := n.dispatcher.Dispatch(r.Context(), evt); err != nil {
		hlog.FromRequest(r).Err(err).Type("event_type", evt).Msg("Failed to answer key request")
		writeError(w, http.StatusServiceUnavailable, mautrix.MUnknown.ErrCode, "Bridge is not available")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func readQueryBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxQueryBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, mautrix.MTooLarge.ErrCode, "Request body is too large")
		return nil, false
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, mautrix.MNotJSON.ErrCode, "Request body is not JSON")
		return nil, false
	}
	return body, true
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errcode, msg string) {
	writeJSON(w, status, mautrix.RespError{ErrCode: errcode, Err: msg})
}

// pump forwards events accepted by the appservice to the dispatcher, one at
// a time so receipt order is kept. After stop is closed it drains what was
// already accepted and exits.
func (n *AppserviceNetwork) pump(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case evt := <-n.as.Events:
			n.handleEvent(ctx, evt)
		case <-stop:
			for {
				select {
				case evt := <-n.as.Events:
					n.handleEvent(ctx, evt)
				default:
					return
				}
			}
		}
	}
}

func (n *AppserviceNetwork) handleEvent(ctx context.Context, evt *event.Event) {
	inbound := n.convert(ctx, evt)
	if inbound == nil {
		return
	}
	if _, err := n.dispatcher.Dispatch(ctx, inbound); err != nil {
		n.log.Err(err).
			Stringer("event_id", evt.ID).
			Stringer("room_id", evt.RoomID).
			Str("event_type", evt.Type.Type).
			Msg("Failed to handle event")
	}
}

// convert maps a Matrix event to an InboundEvent. Events of other types are
// logged and yield nil.
func (n *AppserviceNetwork) convert(ctx context.Context, evt *event.Event) InboundEvent {
	log := n.log.With().
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Str("event_type", evt.Type.Type).
		Logger()
	meta := EventMeta{Room: evt.RoomID, From: evt.Sender, EventID: evt.ID}
	switch evt.Type.Type {
	case event.StateMember.Type:
		if !parseContent(evt, event.StateMember, log) {
			return nil
		}
		return &MembershipChange{
			EventMeta:  meta,
			Target:     id.UserID(evt.GetStateKey()),
			Membership: evt.Content.AsMember().Membership,
		}
	case event.EventMessage.Type:
		if !parseContent(evt, event.EventMessage, log) {
			return nil
		}
		return &PlainMessage{EventMeta: meta, Content: evt.Content.AsMessage()}
	case event.EventEncrypted.Type:
		return n.decrypt(ctx, meta, evt, log)
	default:
		log.Debug().Msg("Ignoring unsupported event type")
		return nil
	}
}

func (n *AppserviceNetwork) decrypt(ctx context.Context, meta EventMeta, evt *event.Event, log zerolog.Logger) InboundEvent {
	if n.decrypter == nil {
		return &FailedDecryption{EventMeta: meta, Err: fmt.Errorf("%w: encryption is not enabled", ErrDecryption)}
	}
	if !parseContent(evt, event.EventEncrypted, log) {
		return &FailedDecryption{EventMeta: meta, Err: fmt.Errorf("%w: malformed encrypted content", ErrDecryption)}
	}
	decrypted, err := n.decrypter.DecryptMegolmEvent(ctx, evt)
	if err != nil {
		return &FailedDecryption{EventMeta: meta, Err: fmt.Errorf("%w: %w", ErrDecryption, err)}
	}
	if decrypted.Type.Type != event.EventMessage.Type {
		log.Debug().Str("decrypted_type", decrypted.Type.Type).Msg("Ignoring unsupported encrypted event type")
		return nil
	}
	if !parseContent(decrypted, event.EventMessage, log) {
		return &FailedDecryption{EventMeta: meta, Err: fmt.Errorf("%w: malformed decrypted content", ErrDecryption)}
	}
	return &EncryptedMessage{EventMeta: meta, Content: decrypted.Content.AsMessage()}
}

func parseContent(evt *event.Event, typ event.Type, log zerolog.Logger) bool {
	if evt.Content.Parsed != nil {
		return true
	}
	if err := evt.Content.ParseRaw(typ); err != nil {
		log.Warn().Err(err).Msg("Failed to parse event content")
		return false
	}
	return true
}

// transportError classifies a failed homeserver call. Calls that never got a
// response are temporary.
func transportError(op string, err error) error {
	var urlErr *url.Error
	temporary := errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded)
	return &TransportError{Op: op, Temporary: temporary, Err: err}
}

func (n *AppserviceNetwork) EnsureRegistered(ctx context.Context) error {
	err := n.as.BotIntent().EnsureRegistered(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mautrix.MExclusive):
		return fmt.Errorf("%w: %w", ErrNamespaceConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrRegistration, transportError("register bot", err))
	}
}

func (n *AppserviceNetwork) SetDisplayName(ctx context.Context, name string) error {
	if err := n.as.BotIntent().SetDisplayName(ctx, name); err != nil {
		return transportError("set display name", err)
	}
	return nil
}

func (n *AppserviceNetwork) JoinRoom(ctx context.Context, room id.RoomID) error {
	if _, err := n.as.BotIntent().JoinRoomByID(ctx, room); err != nil {
		return transportError("join room", err)
	}
	return nil
}

func (n *AppserviceNetwork) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := n.as.BotIntent().JoinedRooms(ctx)
	if err != nil {
		return nil, transportError("list joined rooms", err)
	}
	return resp.JoinedRooms, nil
}

func (n *AppserviceNetwork) DeviceID(ctx context.Context) (id.DeviceID, error) {
	resp, err := n.as.BotIntent().Whoami(ctx)
	if err != nil {
		return "", transportError("look up bot device", err)
	}
	return resp.DeviceID, nil
}

func (n *AppserviceNetwork) SendMessage(ctx context.Context, room id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := n.as.BotIntent().SendMessageEvent(ctx, room, event.EventMessage, content)
	if err != nil {
		return "", transportError("send message", err)
	}
	return resp.EventID, nil
}
