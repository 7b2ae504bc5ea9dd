package sessionlink_test

import (
	"context"
	"testing"

	sessionlink "github.com/lightforgemedia/go-sessionlink"
)

type nopMessaging struct{}

func (nopMessaging) Initialize(ctx context.Context, identityID, walletAddress string) error {
	return nil
}
func (nopMessaging) Close() error { return nil }

func TestNewRequiresBaseURLAndMessaging(t *testing.T) {
	opts := sessionlink.DefaultOptions()
	if _, err := sessionlink.New(opts); err == nil {
		t.Fatal("expected error for empty options")
	}

	opts.BaseURL = "http://localhost:8080"
	if _, err := sessionlink.New(opts); err == nil {
		t.Fatal("expected error without messaging client")
	}

	opts.Messaging = nopMessaging{}
	o, err := sessionlink.New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	if got := o.ConnectionState(); got != sessionlink.Disconnected {
		t.Fatalf("initial connection state = %v, want Disconnected", got)
	}
	if id := o.Identity(); id.UserID != "" {
		t.Fatalf("initial identity = %+v, want empty", id)
	}
}

func TestNewEnvelopeCarriesType(t *testing.T) {
	env, err := sessionlink.NewEnvelope("new_message", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Type != "new_message" {
		t.Fatalf("type = %q", env.Type)
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := env.Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if body.Text != "hi" {
		t.Fatalf("text = %q", body.Text)
	}
}
