package session

import "context"

// MessagingClient is the SDK-level messaging protocol client. Its internals
// are opaque here; the orchestrator only drives its identity-scoped
// initialization and teardown.
type MessagingClient interface {
	// Initialize boots the client for an identity whose wallet address has
	// resolved. Called at most once per (identity, episode); retried by the
	// resource initializer on transient failure.
	Initialize(ctx context.Context, identityID, walletAddress string) error
	// Close tears the client down. Called on sign-out.
	Close() error
}

// Messaging is the resource value recorded once the messaging client is
// initialized for an identity.
type Messaging struct {
	IdentityID    string
	WalletAddress string
}
