// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// InboundEvent is an event delivered by the chat network. The set of
// implementations is closed: only the variants in this file embed EventMeta.
type InboundEvent interface {
	RoomID() id.RoomID
	Sender() id.UserID
	inbound()
}

// EventMeta carries the fields shared by every inbound event.
type EventMeta struct {
	Room    id.RoomID
	From    id.UserID
	EventID id.EventID
}

func (m EventMeta) RoomID() id.RoomID { return m.Room }
func (m EventMeta) Sender() id.UserID { return m.From }
func (EventMeta) inbound()            {}

// MembershipChange is an m.room.member state event.
type MembershipChange struct {
	EventMeta
	Target     id.UserID
	Membership event.Membership
}

// PlainMessage is an unencrypted m.room.message event.
type PlainMessage struct {
	EventMeta
	Content *event.MessageEventContent
}

// EncryptedMessage is an m.room.encrypted event that was decrypted
// successfully. Content is the decrypted message.
type EncryptedMessage struct {
	EventMeta
	Content *event.MessageEventContent
}

// FailedDecryption is an m.room.encrypted event whose content could not be
// recovered.
type FailedDecryption struct {
	EventMeta
	Err error
}

// UserQuery asks whether the bridge owns UserID.
type UserQuery struct {
	EventMeta
	UserID id.UserID
}

// KeyQuery is an appservice device key query.
type KeyQuery struct {
	EventMeta
	Body json.RawMessage
}

// KeyClaimQuery is an appservice one-time key claim.
type KeyClaimQuery struct {
	EventMeta
	Body json.RawMessage
}

// UserProfile answers a UserQuery for the bot identity.
type UserProfile struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// Reply is the answer to a query event. Profile is set for UserQuery; key
// queries get an empty Reply.
type Reply struct {
	Profile *UserProfile
}
