// Demo binary: signs a user in against a backend, watches the bootstrap
// chain and prints inbound chat envelopes until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	sessionlink "github.com/lightforgemedia/go-sessionlink"
	"github.com/lightforgemedia/go-sessionlink/pkg/kv"
	"github.com/lightforgemedia/go-sessionlink/pkg/wire"
)

type config struct {
	BaseURL   string `env:"SESSIONLINK_BASE_URL,default=http://localhost:8080"`
	UserID    string `env:"SESSIONLINK_USER_ID,required"`
	RedisAddr string `env:"SESSIONLINK_REDIS_ADDR"` // empty: in-memory cache
	RedisDB   int    `env:"SESSIONLINK_REDIS_DB,default=0"`
	LogDebug  bool   `env:"SESSIONLINK_LOG_DEBUG,default=false"`
}

// noopMessaging stands in for a real messaging SDK in the demo.
type noopMessaging struct {
	logger *slog.Logger
}

func (m *noopMessaging) Initialize(ctx context.Context, identityID, walletAddress string) error {
	m.logger.Info("messaging client initialized", "identity", identityID, "wallet", walletAddress)
	return nil
}

func (m *noopMessaging) Close() error {
	m.logger.Info("messaging client closed")
	return nil
}

func main() {
	_ = godotenv.Load() // allow .env for local runs

	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	opts := sessionlink.DefaultOptions()
	opts.BaseURL = cfg.BaseURL
	opts.Logger = logger
	opts.Messaging = &noopMessaging{logger: logger}

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err := kv.DialRedis(ctx, cfg.RedisAddr, os.Getenv("SESSIONLINK_REDIS_PASSWORD"), cfg.RedisDB, 24*time.Hour)
		cancel()
		if err != nil {
			logger.Error("redis cache unavailable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		opts.Cache = store
	}

	o, err := sessionlink.New(opts)
	if err != nil {
		logger.Error("orchestrator setup failed", "error", err)
		os.Exit(1)
	}
	defer o.Close()

	events := o.Events()
	defer o.Done(events)
	go func() {
		for ev := range events {
			logger.Info("state change", "event", fmt.Sprintf("%+v", ev))
		}
	}()

	unsubscribe := o.Subscribe("new_message", func(env wire.Envelope) {
		var msg struct {
			From string `json:"from"`
			Text string `json:"text"`
		}
		if err := env.Decode(&msg); err != nil {
			logger.Warn("undecodable message", "error", err)
			return
		}
		logger.Info("message", "from", msg.From, "text", msg.Text)
	})
	defer unsubscribe()

	o.SetIdentity(cfg.UserID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("signing out")
	o.ClearIdentity()
}
