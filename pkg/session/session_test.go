package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lightforgemedia/go-sessionlink/pkg/backoff"
	"github.com/lightforgemedia/go-sessionlink/pkg/kv"
	"github.com/lightforgemedia/go-sessionlink/pkg/resource"
	"github.com/lightforgemedia/go-sessionlink/pkg/session"
	"github.com/lightforgemedia/go-sessionlink/pkg/transport"
	"github.com/lightforgemedia/go-sessionlink/pkg/wire"
)

// backend fakes the application's HTTP surface: token provider, wallet
// resource endpoint and realtime websocket.
type backend struct {
	t  *testing.T
	ts *httptest.Server

	mu             sync.Mutex
	walletFailures int  // remaining 503 responses before success
	walletMissing  bool // respond {"resource": null}
	walletBlock    chan struct{}
	walletFetches  int

	tokenFetches int32
	lastWSToken  atomic.Value
	wsAccepts    int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/ws-token", b.handleToken)
	mux.HandleFunc("/resource/", b.handleWallet)
	mux.HandleFunc("/realtime", b.handleRealtime)
	b.ts = httptest.NewServer(mux)
	t.Cleanup(b.ts.Close)
	return b
}

func (b *backend) handleToken(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&b.tokenFetches, 1)
	json.NewEncoder(w).Encode(map[string]string{"token": fmt.Sprintf("tok-%d", n)})
}

func (b *backend) handleWallet(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	block := b.walletBlock
	b.walletFetches++
	missing := b.walletMissing
	fail := b.walletFailures > 0
	if fail {
		b.walletFailures--
	}
	b.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		http.Error(w, "upstream flake", http.StatusServiceUnavailable)
		return
	}
	if missing {
		json.NewEncoder(w).Encode(map[string]any{"resource": nil})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"resource": session.Wallet{ID: "w-1", Address: "0xabc"},
	})
}

func (b *backend) handleRealtime(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&b.wsAccepts, 1)
	b.lastWSToken.Store(r.URL.Query().Get("token"))
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	env, _ := wire.NewEnvelope(wire.TypeConnected, wire.ConnectedPayload{UserID: "u1"})
	_ = wsjson.Write(r.Context(), conn, env)
	var v wire.Envelope
	for wsjson.Read(r.Context(), conn, &v) == nil {
	}
}

func (b *backend) fetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.walletFetches
}

type fakeMessaging struct {
	mu       sync.Mutex
	calls    []string // "identity/address" per Initialize
	failures int      // remaining transient failures
	closes   int
}

func (f *fakeMessaging) Initialize(ctx context.Context, identityID, walletAddress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, identityID+"/"+walletAddress)
	if f.failures > 0 {
		f.failures--
		return resource.Mark(resource.ClassNetwork, fmt.Errorf("relay unreachable"))
	}
	return nil
}

func (f *fakeMessaging) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeMessaging) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newOrchestrator(t *testing.T, b *backend, msg session.MessagingClient) *session.Orchestrator {
	t.Helper()
	opts := session.DefaultOptions()
	opts.BaseURL = b.ts.URL
	opts.Messaging = msg
	opts.Cache = kv.NewMemory()
	opts.WalletBackoff = backoff.Linear(5*time.Millisecond, backoff.MaxRetries)
	opts.MessagingBackoff = backoff.Linear(5*time.Millisecond, backoff.MaxRetries)
	o, err := session.New(opts)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBootstrapChainWithTransientWalletFailures(t *testing.T) {
	b := newBackend(t)
	b.walletFailures = 2 // fail twice, succeed on the third attempt
	msg := &fakeMessaging{}
	o := newOrchestrator(t, b, msg)

	events := o.Events(session.EventWallet, session.EventMessaging)
	defer o.Done(events)

	o.SetIdentity("u1")

	waitUntil(t, "connected", func() bool { return o.ConnectionState() == transport.Connected })

	if st := o.WalletState(); st.Phase != resource.Ready || st.Value.Address != "0xabc" {
		t.Errorf("wallet state = %+v, want Ready 0xabc", st)
	}
	if st := o.MessagingState(); st.Phase != resource.Ready {
		t.Errorf("messaging state = %+v, want Ready", st)
	}
	if got := o.Identity(); got.UserID != "u1" || got.WalletAddress != "0xabc" {
		t.Errorf("identity = %+v", got)
	}
	if n := b.fetches(); n != 3 {
		t.Errorf("wallet fetches = %d, want 3", n)
	}
	if n := msg.callCount(); n != 1 {
		t.Errorf("messaging Initialize calls = %d, want 1", n)
	}
	msg.mu.Lock()
	if msg.calls[0] != "u1/0xabc" {
		t.Errorf("messaging initialized with %q, want u1/0xabc", msg.calls[0])
	}
	msg.mu.Unlock()

	// Token fetched only once required resources were ready.
	if n := atomic.LoadInt32(&b.tokenFetches); n != 1 {
		t.Errorf("token fetches = %d, want 1", n)
	}
	if tok := b.lastWSToken.Load(); tok != "tok-1" {
		t.Errorf("ws token = %v, want tok-1", tok)
	}

	// The wallet events observed a full episode.
	sawLoading, sawReady := false, false
	drain := time.After(200 * time.Millisecond)
	for !sawReady {
		select {
		case ev := <-events:
			if we, ok := ev.(session.WalletEvent); ok {
				switch we.State.Phase {
				case resource.Loading:
					sawLoading = true
				case resource.Ready:
					sawReady = true
				case resource.Failed:
					t.Errorf("wallet surfaced Failed during a recovering episode")
				}
			}
		case <-drain:
			t.Fatal("timed out draining wallet events")
		}
	}
	if !sawLoading {
		t.Error("never observed wallet Loading event")
	}
}

func TestMessagingWaitsForWalletAddress(t *testing.T) {
	b := newBackend(t)
	b.walletBlock = make(chan struct{})
	msg := &fakeMessaging{}
	o := newOrchestrator(t, b, msg)

	o.SetIdentity("u1")
	time.Sleep(50 * time.Millisecond)

	if n := msg.callCount(); n != 0 {
		t.Errorf("messaging initialized before wallet resolved (%d calls)", n)
	}
	if st := o.MessagingState(); st.Phase != resource.Idle {
		t.Errorf("messaging state = %v, want Idle", st.Phase)
	}

	close(b.walletBlock)
	waitUntil(t, "messaging ready", func() bool {
		return o.MessagingState().Phase == resource.Ready
	})
}

func TestClearIdentityMidWalletLoading(t *testing.T) {
	b := newBackend(t)
	b.walletBlock = make(chan struct{})
	msg := &fakeMessaging{}
	o := newOrchestrator(t, b, msg)

	o.SetIdentity("u1")
	waitUntil(t, "wallet loading", func() bool {
		return o.WalletState().Phase == resource.Loading
	})

	o.ClearIdentity()
	close(b.walletBlock) // abandoned fetch now completes server-side

	time.Sleep(80 * time.Millisecond)
	if st := o.WalletState(); st.Phase != resource.Idle {
		t.Errorf("wallet state = %v, want Idle", st.Phase)
	}
	if o.ConnectionState() != transport.Disconnected {
		t.Errorf("connection state = %v, want Disconnected", o.ConnectionState())
	}
	if got := o.Identity(); got.UserID != "" {
		t.Errorf("identity = %+v, want zero", got)
	}
	if n := atomic.LoadInt32(&b.tokenFetches); n != 0 {
		t.Errorf("token fetched for an abandoned identity (%d)", n)
	}
	if n := msg.callCount(); n != 0 {
		t.Errorf("messaging initialized for an abandoned identity (%d)", n)
	}
}

func TestSignOutClosesMessagingAndDisconnects(t *testing.T) {
	b := newBackend(t)
	msg := &fakeMessaging{}
	o := newOrchestrator(t, b, msg)

	o.SetIdentity("u1")
	waitUntil(t, "connected", func() bool { return o.ConnectionState() == transport.Connected })

	o.ClearIdentity()
	waitUntil(t, "disconnected", func() bool { return o.ConnectionState() == transport.Disconnected })

	msg.mu.Lock()
	closes := msg.closes
	msg.mu.Unlock()
	if closes != 1 {
		t.Errorf("messaging Close calls = %d, want 1", closes)
	}
	if st := o.MessagingState(); st.Phase != resource.Idle {
		t.Errorf("messaging state = %v, want Idle", st.Phase)
	}
}

func TestWalletMissingIsTerminalAndRetryable(t *testing.T) {
	b := newBackend(t)
	b.walletMissing = true
	msg := &fakeMessaging{}
	o := newOrchestrator(t, b, msg)

	o.SetIdentity("u1")
	waitUntil(t, "wallet failed", func() bool {
		return o.WalletState().Phase == resource.Failed
	})

	st := o.WalletState()
	if st.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1 (server-class failure is not retried)", st.Attempt)
	}
	if !st.CanRetry {
		t.Error("CanRetry = false, want true")
	}
	if o.Err() == nil {
		t.Error("Err() = nil after wallet failure")
	}
	if n := b.fetches(); n != 1 {
		t.Errorf("wallet fetches = %d, want 1", n)
	}

	// Manual retry after the backend recovers.
	b.mu.Lock()
	b.walletMissing = false
	b.mu.Unlock()
	o.RetryWallet()

	waitUntil(t, "connected after retry", func() bool {
		return o.ConnectionState() == transport.Connected
	})
}

func TestMessagingTransientFailureRetries(t *testing.T) {
	b := newBackend(t)
	msg := &fakeMessaging{failures: 2}
	o := newOrchestrator(t, b, msg)

	o.SetIdentity("u1")
	waitUntil(t, "messaging ready", func() bool {
		return o.MessagingState().Phase == resource.Ready
	})

	if n := msg.callCount(); n != 3 {
		t.Errorf("messaging Initialize calls = %d, want 3", n)
	}
}

func TestReconnectFetchesFreshToken(t *testing.T) {
	b := newBackend(t)
	msg := &fakeMessaging{}
	o := newOrchestrator(t, b, msg)

	o.SetIdentity("u1")
	waitUntil(t, "connected", func() bool { return o.ConnectionState() == transport.Connected })

	o.Reconnect()
	waitUntil(t, "reconnected", func() bool {
		return atomic.LoadInt32(&b.tokenFetches) == 2 && o.ConnectionState() == transport.Connected
	})

	if tok := b.lastWSToken.Load(); tok != "tok-2" {
		t.Errorf("ws token after reconnect = %v, want tok-2", tok)
	}
}

func TestCachedWalletSkipsRemoteFetchAfterRestart(t *testing.T) {
	b := newBackend(t)
	cache := kv.NewMemory()

	opts := session.DefaultOptions()
	opts.BaseURL = b.ts.URL
	opts.Messaging = &fakeMessaging{}
	opts.Cache = cache
	first, err := session.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	first.SetIdentity("u1")
	waitUntil(t, "first connected", func() bool { return first.ConnectionState() == transport.Connected })
	first.Close()

	fetchesBefore := b.fetches()

	// Same cache, fresh orchestrator: simulates a process restart.
	opts.Messaging = &fakeMessaging{}
	second, err := session.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetIdentity("u1")
	waitUntil(t, "second connected", func() bool { return second.ConnectionState() == transport.Connected })

	if n := b.fetches(); n != fetchesBefore {
		t.Errorf("wallet fetches = %d, want %d (cached value should have been reused)", n, fetchesBefore)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := session.New(session.Options{Messaging: &fakeMessaging{}}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
	if _, err := session.New(session.Options{BaseURL: "http://localhost"}); err == nil {
		t.Error("expected error for missing Messaging client")
	}
}
