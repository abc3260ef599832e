// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks a bridge configuration that cannot be started.
	ErrConfig = errors.New("invalid bridge configuration")
	// ErrRegistration marks a failed registration handshake with the
	// homeserver.
	ErrRegistration = errors.New("bridge registration failed")
	// ErrNamespaceConflict is returned when the homeserver reports that
	// another appservice already owns the claimed namespaces.
	ErrNamespaceConflict = fmt.Errorf("%w: namespace is claimed by another appservice", ErrRegistration)
	// ErrTransport marks a failed call to the chat network.
	ErrTransport = errors.New("chat network request failed")
	// ErrDecryption marks an encrypted event that could not be decrypted.
	ErrDecryption = errors.New("failed to decrypt event")
	// ErrNotRunning is returned by operations that need a running bridge.
	ErrNotRunning = errors.New("bridge is not running")
	// ErrNotRegistered is returned when sending before the bot identity
	// completed registration.
	ErrNotRegistered = errors.New("bridge identity is not registered")
	// ErrUserNotFound answers user queries for identities the bridge
	// does not own.
	ErrUserNotFound = errors.New("user not found")
	// ErrUnhandledEvent is returned for inbound event variants the router
	// has no handler for.
	ErrUnhandledEvent = errors.New("unhandled inbound event")
)

// TransportError wraps a failed chat network call. Temporary is set when the
// homeserver never answered, so the call may succeed when repeated.
type TransportError struct {
	Op        string
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// StartupError is the single error reported when a bridge fails to start.
// Err may join the failing stage's error with errors from tearing down the
// partially started bridge.
type StartupError struct {
	Bridge string
	Stage  string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("bridge %s failed to start (%s): %v", e.Bridge, e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
