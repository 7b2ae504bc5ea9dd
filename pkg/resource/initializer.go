// Package resource implements the generic single-flight, retrying bootstrap
// procedure for an identity-scoped external resource (a wallet record, a
// messaging client). One initializer owns the state for one resource kind;
// all of it is scoped to the current identity, and an identity change
// invalidates every in-flight attempt and scheduled retry tied to the
// previous one.
package resource

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-sessionlink/pkg/backoff"
	"github.com/lightforgemedia/go-sessionlink/pkg/kv"
)

// Phase is the lifecycle position of a resource within one initialization
// episode. Transitions are monotonic per episode: Idle -> Loading ->
// (Ready | Failed). A new episode (identity change, explicit retry) starts
// over at Loading.
type Phase int

const (
	Idle Phase = iota
	Loading
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

// State is a snapshot of a resource's lifecycle. Value is set when Phase is
// Ready; Err, Attempt and CanRetry when Phase is Failed.
type State[T any] struct {
	Phase    Phase
	Value    T
	Err      error
	Attempt  int
	CanRetry bool
}

// FetchFunc performs the actual bootstrap call for an identity. The context
// is cancelled when the episode is abandoned (identity change, Clear,
// Dispose). Failures should be wrapped with Mark so the initializer can tell
// transient from terminal; unmarked errors go through Classify.
type FetchFunc[T any] func(ctx context.Context, identity string) (T, error)

// Initializer drives the bootstrap of one resource kind. Methods never
// return errors; all outcomes become observable state.
type Initializer[T any] struct {
	name       string
	fetch      FetchFunc[T]
	applicable func(identity string) bool
	policy     backoff.Policy
	logger     *slog.Logger
	onChange   func(State[T])

	cache    kv.Store
	cacheKey func(identity string) string
	encode   func(T) (string, error)
	decode   func(string) (T, error)

	mu         sync.Mutex
	state      State[T]
	identity   string
	generation uint64
	attempt    int // failed attempts in the current episode
	retryTimer *time.Timer
	cancel     context.CancelFunc // cancels the current episode's fetch context
	disposed   bool
}

// Option configures an Initializer.
type Option[T any] func(*Initializer[T])

// WithApplicable sets the predicate deciding whether initialization should
// run at all for an identity (e.g. a messaging client requires a resolved
// wallet address).
func WithApplicable[T any](fn func(identity string) bool) Option[T] {
	return func(i *Initializer[T]) {
		i.applicable = fn
	}
}

// WithBackoff sets the retry policy. Defaults to Linear(1s, MaxRetries).
func WithBackoff[T any](p backoff.Policy) Option[T] {
	return func(i *Initializer[T]) {
		if p != nil {
			i.policy = p
		}
	}
}

// WithLogger sets a custom logging implementation.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(i *Initializer[T]) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithOnChange registers a callback invoked after every state transition.
// The callback runs outside the initializer's lock and may call back into
// the initializer.
func WithOnChange[T any](fn func(State[T])) Option[T] {
	return func(i *Initializer[T]) {
		i.onChange = fn
	}
}

// WithCache persists the last Ready value in store and seeds future episodes
// from it. keyFn must scope the key by identity; a cached value stored for a
// different identity is therefore never visible to the wrong one. Store
// faults are storage-class: logged and degraded to a remote fetch.
func WithCache[T any](store kv.Store, keyFn func(identity string) string, encode func(T) (string, error), decode func(string) (T, error)) Option[T] {
	return func(i *Initializer[T]) {
		i.cache = store
		i.cacheKey = keyFn
		i.encode = encode
		i.decode = decode
	}
}

// New creates an initializer for one resource kind. name is used only for
// logging.
func New[T any](name string, fetch FetchFunc[T], opts ...Option[T]) *Initializer[T] {
	i := &Initializer[T]{
		name:   name,
		fetch:  fetch,
		policy: backoff.Linear(backoff.DefaultRetryBase, backoff.MaxRetries),
		logger: slog.Default(),
		state:  State[T]{Phase: Idle},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Initialize starts an initialization episode for identity. No-op when the
// initializer is disposed, the identity is not applicable, or an episode for
// this identity is already Loading (single-flight) or Ready. A different
// identity starts fresh, invalidating whatever the previous one had in
// flight. Requests arriving while Loading are dropped, not queued.
func (i *Initializer[T]) Initialize(identity string) {
	if identity == "" {
		return
	}
	if i.applicable != nil && !i.applicable(identity) {
		return
	}

	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return
	}
	if identity != i.identity {
		i.identity = identity
		i.attempt = 0
	} else if i.state.Phase == Loading || i.state.Phase == Ready {
		i.mu.Unlock()
		return
	}

	i.abandonLocked()
	gen := i.generation
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	st := State[T]{Phase: Loading}
	i.state = st
	i.mu.Unlock()

	i.notify(st)
	go i.runAttempt(ctx, identity, gen)
}

// Retry clears any pending scheduled retry, resets the attempt counter and
// starts a new episode. Used for explicit user-triggered retry after a
// terminal Failed.
func (i *Initializer[T]) Retry() {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return
	}
	i.stopTimerLocked()
	i.attempt = 0
	if i.state.Phase == Failed {
		i.state = State[T]{Phase: Idle}
	}
	identity := i.identity
	i.mu.Unlock()

	if identity != "" {
		i.Initialize(identity)
	}
}

// Clear abandons any in-flight episode and resets state to Idle. Used when
// the identity is cleared (sign-out). The abandoned attempt never surfaces a
// Ready or Failed transition.
func (i *Initializer[T]) Clear() {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return
	}
	i.abandonLocked()
	i.identity = ""
	i.attempt = 0
	st := State[T]{Phase: Idle}
	changed := i.state.Phase != Idle
	i.state = st
	i.mu.Unlock()

	if changed {
		i.notify(st)
	}
}

// Dispose cancels any pending retry timer and marks the initializer inert;
// scheduled callbacks from before become no-ops. Used when the owning
// consumer goes away independently of identity change.
func (i *Initializer[T]) Dispose() {
	i.mu.Lock()
	i.disposed = true
	i.abandonLocked()
	i.mu.Unlock()
}

// State returns a snapshot of the current resource state.
func (i *Initializer[T]) State() State[T] {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Identity returns the identity the initializer is currently scoped to.
func (i *Initializer[T]) Identity() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.identity
}

// abandonLocked invalidates the current episode: pending timer stopped,
// in-flight fetch cancelled, generation bumped so late completions are
// dropped at the generation check.
func (i *Initializer[T]) abandonLocked() {
	i.stopTimerLocked()
	if i.cancel != nil {
		i.cancel()
		i.cancel = nil
	}
	i.generation++
}

func (i *Initializer[T]) stopTimerLocked() {
	if i.retryTimer != nil {
		i.retryTimer.Stop()
		i.retryTimer = nil
	}
}

func (i *Initializer[T]) notify(st State[T]) {
	if i.onChange != nil {
		i.onChange(st)
	}
}

func (i *Initializer[T]) runAttempt(ctx context.Context, identity string, gen uint64) {
	if v, ok := i.fromCache(ctx, identity); ok {
		i.complete(identity, gen, v, nil)
		return
	}
	v, err := i.fetch(ctx, identity)
	i.complete(identity, gen, v, err)
}

// complete applies the outcome of one fetch attempt. A completion whose
// generation or identity no longer matches is from an abandoned episode and
// is dropped without touching state.
func (i *Initializer[T]) complete(identity string, gen uint64, v T, err error) {
	i.mu.Lock()
	if i.disposed || gen != i.generation || identity != i.identity {
		i.mu.Unlock()
		return
	}

	if err == nil {
		i.attempt = 0
		st := State[T]{Phase: Ready, Value: v}
		i.state = st
		i.mu.Unlock()

		i.logger.Debug("resource: ready", "resource", i.name, "identity", identity)
		i.notify(st)
		i.persist(identity, v)
		return
	}

	class := Classify(err)
	i.attempt++
	attempt := i.attempt

	if class == ClassNetwork && attempt < i.policy.MaxAttempts() {
		delay := i.policy.Delay(attempt + 1)
		i.logger.Warn("resource: fetch failed, retry scheduled",
			"resource", i.name, "identity", identity, "attempt", attempt, "delay", delay, "error", err)
		// The timer captures the identity and generation it was scheduled
		// for; both are re-checked at fire time, so a retry outliving its
		// identity is a silent no-op.
		i.retryTimer = time.AfterFunc(delay, func() {
			i.fireRetry(identity, gen)
		})
		i.mu.Unlock()
		return
	}

	st := State[T]{Phase: Failed, Err: err, Attempt: attempt, CanRetry: true}
	i.state = st
	i.mu.Unlock()

	i.logger.Error("resource: failed",
		"resource", i.name, "identity", identity, "class", string(class), "attempt", attempt, "error", err)
	i.notify(st)
}

func (i *Initializer[T]) fireRetry(identity string, gen uint64) {
	i.mu.Lock()
	i.retryTimer = nil
	if i.disposed || gen != i.generation || identity != i.identity {
		i.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	// Replace the episode context so abandonLocked cancels this attempt too.
	i.cancel = cancel
	i.mu.Unlock()

	go func() {
		v, err := i.fetch(ctx, identity)
		i.complete(identity, gen, v, err)
	}()
}

// fromCache tries to seed the episode from the cache. Only consulted on the
// first attempt of an episode; misses and store faults fall through to the
// remote fetch.
func (i *Initializer[T]) fromCache(ctx context.Context, identity string) (T, bool) {
	var zero T
	if i.cache == nil {
		return zero, false
	}
	i.mu.Lock()
	firstAttempt := i.attempt == 0
	i.mu.Unlock()
	if !firstAttempt {
		return zero, false
	}

	key := i.cacheKey(identity)
	raw, err := i.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			i.logger.Warn("resource: cache read failed, falling back to remote fetch",
				"resource", i.name, "key", key, "error", err)
		}
		return zero, false
	}
	v, err := i.decode(raw)
	if err != nil {
		i.logger.Warn("resource: cached value undecodable, discarding",
			"resource", i.name, "key", key, "error", err)
		_ = i.cache.Remove(ctx, key)
		return zero, false
	}
	i.logger.Debug("resource: seeded from cache", "resource", i.name, "key", key)
	return v, true
}

// persist writes a Ready value back to the cache. Best effort.
func (i *Initializer[T]) persist(identity string, v T) {
	if i.cache == nil {
		return
	}
	raw, err := i.encode(v)
	if err != nil {
		i.logger.Warn("resource: encode for cache failed", "resource", i.name, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.cache.Set(ctx, i.cacheKey(identity), raw); err != nil {
		i.logger.Warn("resource: cache write failed", "resource", i.name, "error", err)
	}
}
