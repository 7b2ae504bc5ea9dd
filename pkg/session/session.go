// Package session composes the realtime transport and the identity-scoped
// resource initializers into one orchestrator: identity in, wallet and
// messaging bootstrap, token fetch, connection out.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cskr/pubsub"

	"github.com/lightforgemedia/go-sessionlink/pkg/backoff"
	"github.com/lightforgemedia/go-sessionlink/pkg/kv"
	"github.com/lightforgemedia/go-sessionlink/pkg/resource"
	"github.com/lightforgemedia/go-sessionlink/pkg/router"
	"github.com/lightforgemedia/go-sessionlink/pkg/transport"
	"github.com/lightforgemedia/go-sessionlink/pkg/wire"
)

// Identity is the authenticated user context scoping all resource and
// connection state. WalletAddress stays empty until the wallet resource
// resolves.
type Identity struct {
	UserID        string
	WalletAddress string
}

// Event kinds published on the orchestrator's bus.
const (
	EventIdentity   = "identity"
	EventWallet     = "wallet"
	EventMessaging  = "messaging"
	EventConnection = "connection"
	EventError      = "error"
)

// IdentityEvent is published when the identity is set or cleared.
type IdentityEvent struct {
	Identity Identity
}

// WalletEvent is published on every wallet resource state transition.
type WalletEvent struct {
	State resource.State[Wallet]
}

// MessagingEvent is published on every messaging resource state transition.
type MessagingEvent struct {
	State resource.State[Messaging]
}

// ConnectionEvent is published on transport lifecycle transitions.
type ConnectionEvent struct {
	State transport.State
}

// ErrorEvent carries an aggregated sub-component failure.
type ErrorEvent struct {
	Err error
}

const defaultTokenPath = "/auth/ws-token"

// Options configures an Orchestrator. All fields except BaseURL and
// Messaging have defaults provided by DefaultOptions.
type Options struct {
	// BaseURL is the application backend base URL. Required.
	BaseURL string

	// Messaging is the injected messaging-protocol SDK client. Required.
	Messaging MessagingClient

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// HTTPClient used for the token provider and resource endpoints.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Cache persists last-known Ready resource values across restarts.
	// Defaults to an in-memory store.
	Cache kv.Store

	// WalletBackoff and MessagingBackoff are the retry policies for the two
	// initializers. Default to Linear(1s, MaxRetries).
	WalletBackoff    backoff.Policy
	MessagingBackoff backoff.Policy

	// TokenPath is the token provider's path under BaseURL.
	TokenPath string

	// TokenTimeout bounds one token fetch. Defaults to 10 seconds.
	TokenTimeout time.Duration

	// EventBuffer is the per-subscriber buffer of the event bus.
	EventBuffer int

	// TransportOptions are appended to the orchestrator's own transport
	// configuration.
	TransportOptions []transport.Option
}

// DefaultOptions returns an Options struct populated with defaults.
// BaseURL and Messaging must still be set by the caller.
func DefaultOptions() Options {
	return Options{
		Logger:           slog.Default(),
		HTTPClient:       http.DefaultClient,
		WalletBackoff:    backoff.Linear(backoff.DefaultRetryBase, backoff.MaxRetries),
		MessagingBackoff: backoff.Linear(backoff.DefaultRetryBase, backoff.MaxRetries),
		TokenPath:        defaultTokenPath,
		TokenTimeout:     10 * time.Second,
		EventBuffer:      16,
	}
}

// Orchestrator owns the current identity and drives the wallet initializer,
// the messaging initializer and the transport connection. One orchestrator
// instance exclusively owns its transport connection.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	conn      *transport.Conn
	wallet    *resource.Initializer[Wallet]
	messaging *resource.Initializer[Messaging]
	tokens    *tokenClient
	bus       *pubsub.PubSub

	mu         sync.Mutex
	identity   Identity
	generation uint64
	lastErr    error
	closed     bool
}

// New creates an Orchestrator. The transport connection is not opened until
// an identity is set and its resources are ready.
func New(opts Options) (*Orchestrator, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("session: BaseURL is required")
	}
	if opts.Messaging == nil {
		return nil, errors.New("session: Messaging client is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Cache == nil {
		opts.Cache = kv.NewMemory()
	}
	if opts.WalletBackoff == nil {
		opts.WalletBackoff = backoff.Linear(backoff.DefaultRetryBase, backoff.MaxRetries)
	}
	if opts.MessagingBackoff == nil {
		opts.MessagingBackoff = backoff.Linear(backoff.DefaultRetryBase, backoff.MaxRetries)
	}
	if opts.TokenPath == "" {
		opts.TokenPath = defaultTokenPath
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}

	o := &Orchestrator{
		opts:   opts,
		logger: opts.Logger,
		bus:    pubsub.New(opts.EventBuffer),
		tokens: &tokenClient{
			baseURL:    opts.BaseURL,
			path:       opts.TokenPath,
			httpClient: opts.HTTPClient,
		},
	}

	transportOpts := append([]transport.Option{
		transport.WithLogger(opts.Logger),
		transport.OnConnect(func() { o.publishConnection() }),
		transport.OnDisconnect(func() { o.publishConnection() }),
		transport.OnError(func(err error) { o.recordErr(err) }),
	}, opts.TransportOptions...)

	conn, err := transport.New(opts.BaseURL, transportOpts...)
	if err != nil {
		return nil, err
	}
	o.conn = conn

	o.wallet = resource.New("wallet", newWalletFetcher(opts.BaseURL, opts.HTTPClient),
		resource.WithBackoff[Wallet](opts.WalletBackoff),
		resource.WithLogger[Wallet](opts.Logger),
		resource.WithCache[Wallet](opts.Cache, walletCacheKey, encodeWallet, decodeWallet),
		resource.WithOnChange[Wallet](o.onWalletChange),
	)

	o.messaging = resource.New("messaging", o.fetchMessaging,
		resource.WithBackoff[Messaging](opts.MessagingBackoff),
		resource.WithLogger[Messaging](opts.Logger),
		// The messaging client needs a resolved wallet address; until the
		// wallet resource is Ready the identity is not applicable.
		resource.WithApplicable[Messaging](func(identity string) bool {
			return o.walletAddressFor(identity) != ""
		}),
		resource.WithOnChange[Messaging](o.onMessagingChange),
	)

	return o, nil
}

// SetIdentity records the authenticated user and starts the bootstrap chain:
// wallet resource, then messaging client, then token fetch and transport
// connect. Idempotent for the same user. A different user invalidates all
// work tied to the previous one.
func (o *Orchestrator) SetIdentity(userID string) {
	if userID == "" {
		return
	}
	o.mu.Lock()
	if o.closed || o.identity.UserID == userID {
		o.mu.Unlock()
		return
	}
	hadPrevious := o.identity.UserID != ""
	o.generation++
	o.identity = Identity{UserID: userID}
	o.lastErr = nil
	o.mu.Unlock()

	if hadPrevious {
		o.conn.Disconnect()
		o.messaging.Clear()
	}

	o.logger.Info("session: identity set", "userId", userID)
	o.publish(EventIdentity, IdentityEvent{Identity: Identity{UserID: userID}})
	o.wallet.Initialize(userID)
}

// ClearIdentity tears everything down on sign-out: transport disconnected,
// initializers reset to Idle, pending retries cancelled, messaging client
// closed.
func (o *Orchestrator) ClearIdentity() {
	o.mu.Lock()
	if o.closed || o.identity.UserID == "" {
		o.mu.Unlock()
		return
	}
	userID := o.identity.UserID
	o.generation++
	o.identity = Identity{}
	o.lastErr = nil
	o.mu.Unlock()

	messagingWasReady := o.messaging.State().Phase == resource.Ready

	o.conn.Disconnect()
	o.wallet.Clear()
	o.messaging.Clear()

	if messagingWasReady {
		if err := o.opts.Messaging.Close(); err != nil {
			o.logger.Warn("session: messaging client close failed", "error", err)
		}
	}

	o.logger.Info("session: identity cleared", "userId", userID)
	o.publish(EventIdentity, IdentityEvent{})
}

// Reconnect drops the current connection and opens a fresh one with a newly
// fetched token. Used after manual user action.
func (o *Orchestrator) Reconnect() {
	o.mu.Lock()
	if o.closed || o.identity.UserID == "" {
		o.mu.Unlock()
		return
	}
	gen := o.generation
	o.mu.Unlock()

	o.conn.Disconnect()
	go o.openTransport(gen)
}

// RetryWallet re-runs the wallet initializer after a terminal failure.
func (o *Orchestrator) RetryWallet() { o.wallet.Retry() }

// RetryMessaging re-runs the messaging initializer after a terminal failure.
func (o *Orchestrator) RetryMessaging() { o.messaging.Retry() }

// Identity returns a snapshot of the current identity.
func (o *Orchestrator) Identity() Identity {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.identity
}

// WalletState returns the wallet resource state.
func (o *Orchestrator) WalletState() resource.State[Wallet] { return o.wallet.State() }

// MessagingState returns the messaging resource state.
func (o *Orchestrator) MessagingState() resource.State[Messaging] { return o.messaging.State() }

// ConnectionState returns the transport connection state. Read-only; the
// transport owns it.
func (o *Orchestrator) ConnectionState() transport.State { return o.conn.State() }

// Err returns the most recent aggregated sub-component failure, nil when
// none. Per-resource detail stays on the resource states; this never masks
// them.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Subscribe registers a handler for inbound realtime envelopes of the given
// type. Passthrough to the transport's router.
func (o *Orchestrator) Subscribe(eventType string, handler router.Handler) (unsubscribe func()) {
	return o.conn.Subscribe(eventType, handler)
}

// Send writes one envelope to the realtime connection. Fire and forget.
func (o *Orchestrator) Send(env wire.Envelope) { o.conn.Send(env) }

// Events subscribes to orchestrator state changes of the given kinds (all
// kinds when none given). Release the channel with Done.
func (o *Orchestrator) Events(kinds ...string) chan interface{} {
	if len(kinds) == 0 {
		kinds = []string{EventIdentity, EventWallet, EventMessaging, EventConnection, EventError}
	}
	return o.bus.Sub(kinds...)
}

// Done releases an Events subscription.
func (o *Orchestrator) Done(ch chan interface{}) {
	o.bus.Unsub(ch)
}

// Close shuts the orchestrator down: connection closed, initializers
// disposed, event bus drained. The orchestrator is unusable afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.generation++
	o.mu.Unlock()

	o.conn.Disconnect()
	o.wallet.Dispose()
	o.messaging.Dispose()
	o.bus.Shutdown()
}

// fetchMessaging adapts the injected SDK client to the resource
// initializer's fetch contract.
func (o *Orchestrator) fetchMessaging(ctx context.Context, identity string) (Messaging, error) {
	addr := o.walletAddressFor(identity)
	if addr == "" {
		// Applicability is checked before each attempt, but the address can
		// vanish between scheduling and firing (identity change races are
		// already handled by the initializer's generation check).
		return Messaging{}, resource.Mark(resource.ClassUnknown, errors.New("session: wallet address not resolved"))
	}
	if err := o.opts.Messaging.Initialize(ctx, identity, addr); err != nil {
		return Messaging{}, err
	}
	return Messaging{IdentityID: identity, WalletAddress: addr}, nil
}

func (o *Orchestrator) walletAddressFor(identity string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.identity.UserID != identity {
		return ""
	}
	return o.identity.WalletAddress
}

func (o *Orchestrator) onWalletChange(st resource.State[Wallet]) {
	o.publish(EventWallet, WalletEvent{State: st})

	switch st.Phase {
	case resource.Ready:
		o.mu.Lock()
		userID := o.identity.UserID
		if userID == "" || o.wallet.Identity() != userID {
			o.mu.Unlock()
			return
		}
		o.identity.WalletAddress = st.Value.Address
		o.mu.Unlock()

		o.logger.Info("session: wallet resolved", "userId", userID, "address", st.Value.Address)
		o.messaging.Initialize(userID)
	case resource.Failed:
		o.recordErr(st.Err)
	}
}

func (o *Orchestrator) onMessagingChange(st resource.State[Messaging]) {
	o.publish(EventMessaging, MessagingEvent{State: st})

	switch st.Phase {
	case resource.Ready:
		o.mu.Lock()
		gen := o.generation
		ok := o.identity.UserID == st.Value.IdentityID
		o.mu.Unlock()
		if !ok {
			return
		}
		// Required resources are ready; open the realtime connection.
		go o.openTransport(gen)
	case resource.Failed:
		o.recordErr(st.Err)
	}
}

// openTransport fetches a session token and connects. A generation mismatch
// after the fetch means the identity changed mid-flight; the token is
// discarded.
func (o *Orchestrator) openTransport(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.TokenTimeout)
	defer cancel()

	token, err := o.tokens.Fetch(ctx)
	if err != nil {
		o.logger.Error("session: token fetch failed", "error", err)
		o.recordErr(err)
		return
	}

	o.mu.Lock()
	stale := o.closed || gen != o.generation
	o.mu.Unlock()
	if stale {
		return
	}
	o.conn.Connect(token)
}

func (o *Orchestrator) recordErr(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
	o.publish(EventError, ErrorEvent{Err: err})
}

func (o *Orchestrator) publishConnection() {
	o.publish(EventConnection, ConnectionEvent{State: o.conn.State()})
}

func (o *Orchestrator) publish(kind string, event interface{}) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}
	o.bus.TryPub(event, kind)
}
