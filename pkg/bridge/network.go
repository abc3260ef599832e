// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ChatNetwork is the bridge's connection to the Matrix homeserver. All calls
// act as the bridge bot.
type ChatNetwork interface {
	// Listen starts the listener that receives homeserver transactions and
	// queries and returns once it accepts connections. Inbound events are
	// handed to d.
	Listen(ctx context.Context, d Dispatcher) error
	// Close stops the listener. Events already received are dispatched
	// before Close returns.
	Close(ctx context.Context) error

	EnsureRegistered(ctx context.Context) error
	SetDisplayName(ctx context.Context, name string) error
	JoinRoom(ctx context.Context, room id.RoomID) error
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	// DeviceID returns the device the homeserver assigned to the bot
	// token, or an empty ID when it has none.
	DeviceID(ctx context.Context) (id.DeviceID, error)
	SendMessage(ctx context.Context, room id.RoomID, content *event.MessageEventContent) (id.EventID, error)
}

// Dispatcher receives inbound events from a ChatNetwork.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt InboundEvent) (*Reply, error)
	// AdvanceCursor records that the network accepted everything up to
	// cursor. Accepted events are not necessarily dispatched yet.
	AdvanceCursor(ctx context.Context, cursor string) error
}

// MessageProcessor handles text messages addressed to the bridge. It is the
// hook concrete bridges implement.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, room id.RoomID, sender id.UserID, text string) error
}

// ProcessorFunc adapts a function to MessageProcessor.
type ProcessorFunc func(ctx context.Context, room id.RoomID, sender id.UserID, text string) error

func (f ProcessorFunc) ProcessMessage(ctx context.Context, room id.RoomID, sender id.UserID, text string) error {
	return f(ctx, room, sender, text)
}
