// Copyright 2024-2026 Aiku AI

package gitea

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/aiku/matrix-gitea-bridge/pkg/bridge"
)

const (
	maxWebhookBodySize  = 32 << 20
	deduplicationWindow = time.Hour

	signatureHeader = "X-Gitea-Signature"
	deliveryHeader  = "X-Gitea-Delivery"
	eventHeader     = "X-Gitea-Event"
)

// Target receives rendered notifications. *bridge.Router implements it.
type Target interface {
	State() bridge.State
	Broadcast(ctx context.Context, text string, rich bool) (int, error)
}

var _ Target = (*bridge.Router)(nil)

// WebhookHandler accepts Gitea webhook deliveries for one bridge. Every
// payload that passes signature checks is answered with 200 and the rendered
// message, or the diagnostic for unknown payloads, as a text/plain body.
type WebhookHandler struct {
	secret []byte
	target Target
	log    zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewWebhookHandler creates a handler delivering to target. An empty secret
// disables signature verification.
func NewWebhookHandler(secret string, target Target, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:     []byte(secret),
		target:     target,
		log:        log.With().Str("component", "gitea_webhook").Logger(),
		now:        time.Now,
		deliveries: make(map[string]time.Time),
	}
}

// VerifySignature checks a hex encoded HMAC-SHA256 of body.
func VerifySignature(secret, body []byte, signature string) error {
	if signature == "" {
		return errors.New("signature is missing")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errors.New("signature is not hex")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign returns the signature Gitea sends for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r).With().
		Str("delivery_id", r.Header.Get(deliveryHeader)).
		Str("gitea_event", r.Header.Get(eventHeader)).
		Logger()
	if log.GetLevel() == zerolog.Disabled {
		log = h.log
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("Webhook body is too large")
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		log.Err(err).Msg("Failed to read webhook body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if len(h.secret) > 0 {
		if err := VerifySignature(h.secret, body, r.Header.Get(signatureHeader)); err != nil {
			log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected webhook with invalid signature")
			http.Error(w, "", http.StatusUnauthorized)
			return
		}
	}

	evt := ParseEvent(body)
	text, known := Translate(evt)
	switch {
	case !known:
		log.Warn().Int("body_size", len(body)).Msg("Received unknown webhook event")
	case h.isDuplicate(r.Header.Get(deliveryHeader)):
		log.Debug().Msg("Ignoring duplicate webhook delivery")
	default:
		h.deliver(context.WithoutCancel(r.Context()), log, evt, text)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func (h *WebhookHandler) deliver(ctx context.Context, log zerolog.Logger, evt *Event, text string) {
	log = log.With().
		Stringer("kind", evt.Kind).
		Str("repository", evt.Repository.FullName).
		Logger()
	if state := h.target.State(); state != bridge.StateRunning {
		log.Warn().Stringer("state", state).Msg("Bridge is not running, notification not delivered")
		return
	}
	sent, err := h.target.Broadcast(ctx, text, true)
	if err != nil {
		log.Err(err).Int("sent", sent).Msg("Failed to deliver notification to some rooms")
		return
	}
	log.Info().Int("sent", sent).Msg("Delivered notification")
}

// isDuplicate records deliveryID and reports whether it was already seen
// within the deduplication window. Empty IDs are never duplicates.
func (h *WebhookHandler) isDuplicate(deliveryID string) bool {
	if deliveryID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for id, seen := range h.deliveries {
		if now.Sub(seen) > deduplicationWindow {
			delete(h.deliveries, id)
		}
	}
	if _, ok := h.deliveries[deliveryID]; ok {
		return true
	}
	h.deliveries[deliveryID] = now
	return false
}
