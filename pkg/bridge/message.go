// Copyright 2024-2026 Aiku AI

package bridge

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-gitea-bridge/pkg/bridge/markup"
)

// OutboundMessage is a text message the bot sends to a room. HTMLBody is only
// set for messages produced by markup rendering.
type OutboundMessage struct {
	RoomID    id.RoomID
	PlainBody string
	HTMLBody  string
}

// NewOutboundMessage builds a message for room. With rich set, text is
// treated as markdown and rendered; otherwise it is sent verbatim.
func NewOutboundMessage(room id.RoomID, text string, rich bool) *OutboundMessage {
	msg := &OutboundMessage{RoomID: room, PlainBody: text}
	if rich {
		parsed := markup.Parse(text)
		msg.PlainBody = parsed.Body
		msg.HTMLBody = parsed.FormattedBody
	}
	return msg
}

// Content converts the message to its m.room.message wire form.
func (m *OutboundMessage) Content() *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    m.PlainBody,
	}
	if m.HTMLBody != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = m.HTMLBody
	}
	return content
}
