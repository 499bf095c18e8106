// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ports

import (
	"context"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

// ClientInfo is the account identity the driver reports once a session is
// usable. Empty fields mean the driver has not learned them yet.
type ClientInfo struct {
	PhoneNumber string
	DisplayName string
	Platform    string
}

// SendResult is the provider acknowledgement for a delivered action.
type SendResult struct {
	ProviderMessageID string
}

// Driver is one browser-backed messaging session. Implementations own the
// external process (or its in-memory stand-in) and surface its lifecycle as
// DriverEvents; the supervisor never reaches past this interface.
//
// A handle may be destroyed and re-initialized (soft restart). Close discards
// the handle for good and closes the event stream; a hard restart swaps in a
// fresh handle from the Factory.
type Driver interface {
	// Initialize launches the underlying session. Events begin flowing on
	// Events() as soon as the session produces them, which can be before
	// Initialize returns.
	Initialize(ctx context.Context) error

	// Destroy tears the session down but keeps the handle reusable.
	// Destroying an already-destroyed handle is a no-op. An intentional
	// destroy must not emit a disconnected event; the supervisor treats
	// those as provider-side failures.
	Destroy(ctx context.Context) error

	// Close releases the handle permanently and closes the event stream.
	Close()

	// Events is the handle's ordered event stream. The channel stays open
	// across Destroy/Initialize cycles and closes only on Close.
	Events() <-chan model.DriverEvent

	// SendMessage delivers a text message to a chat.
	SendMessage(ctx context.Context, chatID, body string) (SendResult, error)

	// SendPoll delivers a poll to a chat.
	SendPoll(ctx context.Context, poll model.PollPayload) (SendResult, error)

	// SetTyping toggles the typing indicator in a direct chat. Failures are
	// cosmetic and must not fail the surrounding send.
	SetTyping(ctx context.Context, chatID string, typing bool) error

	// ConnectionState returns the driver's own connection state string
	// (for example "CONNECTED"), or empty when unknown.
	ConnectionState(ctx context.Context) (string, error)

	// Info returns the account identity, ok=false while unauthenticated.
	Info(ctx context.Context) (ClientInfo, bool, error)

	// Logout invalidates the session credentials on the provider side so
	// the next initialization lands on a fresh QR.
	Logout(ctx context.Context) error
}

// Factory builds driver handles. AuthDir is the instance's confined
// credential directory; reusing it across handles is what makes hard
// restarts resume the same account.
type Factory interface {
	New(instanceID, authDir string) (Driver, error)
}
