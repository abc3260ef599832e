// Copyright 2024-2026 Aiku AI

package gitea

import (
	"context"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-gitea-bridge/pkg/bridge"
)

// Processor handles messages users send to the Gitea bot. The bridge is one
// way, so messages are only logged.
type Processor struct {
	log zerolog.Logger
}

var _ bridge.MessageProcessor = (*Processor)(nil)

// NewProcessor creates the Gitea message processor.
func NewProcessor(log zerolog.Logger) *Processor {
	return &Processor{log: log.With().Str("component", "gitea_processor").Logger()}
}

func (p *Processor) ProcessMessage(_ context.Context, room id.RoomID, sender id.UserID, text string) error {
	p.log.Info().
		Stringer("room_id", room).
		Stringer("sender", sender).
		Int("length", len(text)).
		Msg("Received message")
	return nil
}
