// Package router dispatches inbound envelopes to registered subscribers by
// event type.
package router

import (
	"log/slog"
	"sync"

	"github.com/lightforgemedia/go-sessionlink/pkg/wire"
)

// Handler receives one inbound envelope. Handlers run synchronously, in
// subscription order; a panicking handler is logged and does not prevent
// later handlers from running.
type Handler func(env wire.Envelope)

type subscription struct {
	id      uint64
	handler Handler
}

// Router maps an envelope's type tag to its subscribers. The zero value is
// not usable; call New.
type Router struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string][]subscription
	nextID uint64
}

// Option configures the Router.
type Option func(*Router)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		logger: slog.Default(),
		subs:   make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers handler for envelopes of the given type and returns an
// unsubscribe func. Multiple handlers per type are allowed; dispatch order is
// subscription order. The unsubscribe func is idempotent and removes exactly
// its own registration.
func (r *Router) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[eventType] = append(r.subs[eventType], subscription{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[eventType]
		for i, sub := range list {
			if sub.id == id {
				r.subs[eventType] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(r.subs[eventType]) == 0 {
			delete(r.subs, eventType)
		}
	}
}

// Dispatch delivers env to every subscriber of its type, in subscription
// order. Envelopes of reserved types and envelopes with no subscribers are
// dropped. Safe to call from any goroutine; handlers may subscribe or
// unsubscribe re-entrantly.
func (r *Router) Dispatch(env wire.Envelope) {
	if wire.Reserved(env.Type) {
		r.logger.Debug("router: reserved envelope type suppressed", "type", env.Type)
		return
	}

	r.mu.Lock()
	list := r.subs[env.Type]
	snapshot := make([]subscription, len(list))
	copy(snapshot, list)
	r.mu.Unlock()

	for _, sub := range snapshot {
		r.invoke(sub, env)
	}
}

func (r *Router) invoke(sub subscription, env wire.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router: subscriber panicked", "type", env.Type, "panic", rec)
		}
	}()
	sub.handler(env)
}

// Len reports the number of subscribers registered for eventType.
func (r *Router) Len(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[eventType])
}
