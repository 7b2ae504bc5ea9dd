package router_test

import (
	"testing"

	"github.com/lightforgemedia/go-sessionlink/pkg/router"
	"github.com/lightforgemedia/go-sessionlink/pkg/wire"
)

func mustEnvelope(t *testing.T, typ string, payload any) wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%q): %v", typ, err)
	}
	return env
}

func TestDispatchOrderAndUnsubscribe(t *testing.T) {
	r := router.New()

	var calls []string
	unsubA := r.Subscribe("new_message", func(env wire.Envelope) {
		calls = append(calls, "a")
	})
	r.Subscribe("new_message", func(env wire.Envelope) {
		calls = append(calls, "b")
	})

	r.Dispatch(mustEnvelope(t, "new_message", nil))
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("calls = %v, want [a b]", calls)
	}

	calls = nil
	unsubA()
	r.Dispatch(mustEnvelope(t, "new_message", nil))
	if len(calls) != 1 || calls[0] != "b" {
		t.Fatalf("calls after unsubscribe = %v, want [b]", calls)
	}

	// Idempotent unsubscribe must not disturb remaining handlers.
	unsubA()
	if r.Len("new_message") != 1 {
		t.Errorf("Len = %d, want 1", r.Len("new_message"))
	}
}

func TestDispatchUnknownTypeDropped(t *testing.T) {
	r := router.New()
	called := false
	r.Subscribe("new_message", func(env wire.Envelope) { called = true })

	r.Dispatch(mustEnvelope(t, "unrelated", nil))
	if called {
		t.Error("handler invoked for unrelated type")
	}
}

func TestReservedTypesSuppressed(t *testing.T) {
	r := router.New()
	called := false
	r.Subscribe(wire.TypeConnected, func(env wire.Envelope) { called = true })
	r.Subscribe(wire.TypePong, func(env wire.Envelope) { called = true })

	r.Dispatch(mustEnvelope(t, wire.TypeConnected, nil))
	r.Dispatch(mustEnvelope(t, wire.TypePong, nil))
	if called {
		t.Error("reserved envelope reached a generic subscriber")
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	r := router.New()
	var calls []string
	r.Subscribe("boom", func(env wire.Envelope) {
		calls = append(calls, "first")
		panic("handler failure")
	})
	r.Subscribe("boom", func(env wire.Envelope) {
		calls = append(calls, "second")
	})

	r.Dispatch(mustEnvelope(t, "boom", nil))
	if len(calls) != 2 || calls[1] != "second" {
		t.Fatalf("calls = %v, want [first second]", calls)
	}
}

func TestReentrantUnsubscribeDuringDispatch(t *testing.T) {
	r := router.New()
	var unsub func()
	calls := 0
	unsub = r.Subscribe("evt", func(env wire.Envelope) {
		calls++
		unsub() // must not deadlock
	})

	r.Dispatch(mustEnvelope(t, "evt", nil))
	r.Dispatch(mustEnvelope(t, "evt", nil))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
