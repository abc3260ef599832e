// Copyright 2024-2026 Aiku AI

// Package bridge runs a Matrix application service bot that relays events
// from an external system into Matrix rooms.
//
// # Core Types
//
// [Router] is one bridge instance. It moves through the states in [State]
// and hands every [InboundEvent] to a single worker goroutine, so events of
// one instance are handled one at a time in receipt order. Outbound messages
// go through [Router.SendMessage] and [Router.Broadcast], which may run
// concurrently with dispatch.
//
// [Identity] owns the bot account: registration, display name, the
// encryption session kept in a sessionstore, and the set of joined rooms.
//
// [ChatNetwork] is the connection to the homeserver. [AppserviceNetwork]
// implements it on top of the mautrix appservice package and also serves the
// user and key query endpoints.
//
// [MessageProcessor] is the hook a concrete bridge implements to react to
// text messages from users.
//
// # Loop Prevention
//
// Messages sent by the bot itself never reach the MessageProcessor.
//
// # Sub-packages
//
//   - markup renders markdown to Matrix HTML and extracts text from HTML
//     formatted bodies.
package bridge
