// Package sessionlink maintains a live realtime connection for an
// authenticated identity and coordinates the lazy, retried initialization of
// the resources that connection depends on: the identity's wallet record and
// its messaging-protocol client.
package sessionlink

import (
	"github.com/lightforgemedia/go-sessionlink/pkg/backoff"
	"github.com/lightforgemedia/go-sessionlink/pkg/kv"
	"github.com/lightforgemedia/go-sessionlink/pkg/session"
	"github.com/lightforgemedia/go-sessionlink/pkg/transport"
	"github.com/lightforgemedia/go-sessionlink/pkg/wire"
)

// Re-export core types.
type (
	Orchestrator    = session.Orchestrator
	Options         = session.Options
	Identity        = session.Identity
	Wallet          = session.Wallet
	Messaging       = session.Messaging
	MessagingClient = session.MessagingClient

	Envelope        = wire.Envelope
	ConnectionState = transport.State
	BackoffPolicy   = backoff.Policy
	Store           = kv.Store
)

// Re-export connection states.
const (
	Disconnected = transport.Disconnected
	Connecting   = transport.Connecting
	Connected    = transport.Connected
	Reconnecting = transport.Reconnecting
)

// Re-export event kinds for Orchestrator.Events.
const (
	EventIdentity   = session.EventIdentity
	EventWallet     = session.EventWallet
	EventMessaging  = session.EventMessaging
	EventConnection = session.EventConnection
	EventError      = session.EventError
)

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	return session.New(opts)
}

// DefaultOptions returns Options populated with library defaults. BaseURL
// and Messaging must still be set by the caller.
func DefaultOptions() Options {
	return session.DefaultOptions()
}

// NewEnvelope builds an outbound realtime frame of the given type. payload,
// when non-nil, must marshal to a JSON object.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	return wire.NewEnvelope(typ, payload)
}
