// Demo backend for sessionlink-demo: issues connection tokens, serves a
// fake wallet registry and accepts realtime connections, broadcasting a
// message to every connected client every few seconds.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lightforgemedia/go-sessionlink/pkg/wire"
)

type realtimeHub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func newRealtimeHub(logger *slog.Logger) *realtimeHub {
	return &realtimeHub{logger: logger, conns: make(map[string]*websocket.Conn)}
}

func (h *realtimeHub) handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !strings.HasPrefix(token, "demo-") {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"localhost:*"}})
	if err != nil {
		h.logger.Warn("accept failed", "error", err)
		return
	}

	id := uuid.NewString()
	userID := strings.TrimPrefix(token, "demo-")
	h.logger.Info("client connected", "connID", id, "userID", userID)

	connected, _ := wire.NewEnvelope("connected", wire.ConnectedPayload{UserID: userID})
	payload, _ := json.Marshal(connected)
	ctx := r.Context()
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		ws.Close(websocket.StatusInternalError, "handshake write failed")
		return
	}

	h.mu.Lock()
	h.conns[id] = ws
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, id)
		h.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("client gone", "connID", id)
	}()

	pong, _ := json.Marshal(map[string]string{"type": "pong"})
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("undecodable frame", "connID", id, "error", err)
			continue
		}
		if env.Type == "ping" {
			if err := ws.Write(ctx, websocket.MessageText, pong); err != nil {
				return
			}
		}
	}
}

// broadcast sends one envelope to every live connection.
func (h *realtimeHub) broadcast(ctx context.Context, env wire.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "error", err)
		return
	}
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := c.Write(wctx, websocket.MessageText, payload); err != nil {
			h.logger.Warn("broadcast write failed", "error", err)
		}
		cancel()
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	hub := newRealtimeHub(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/ws-token", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			userID = "anonymous"
		}
		logger.Info("token issued", "userID", userID)
		json.NewEncoder(w).Encode(map[string]string{"token": "demo-" + userID})
	})
	mux.HandleFunc("/resource/", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimPrefix(r.URL.Path, "/resource/")
		logger.Info("wallet lookup", "userID", userID)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"resource": map[string]string{
				"id":      "wallet-" + userID,
				"address": fmt.Sprintf("0x%x", userID),
			},
		})
	})
	mux.HandleFunc("/realtime", hub.handle)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "OK") })

	httpServer := &http.Server{
		Addr:         ":8080",
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	announceCtx, cancelAnnounce := context.WithCancel(context.Background())
	defer cancelAnnounce()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-ticker.C:
				n++
				env, err := wire.NewEnvelope("new_message", map[string]string{
					"from": "server",
					"text": fmt.Sprintf("broadcast #%d at %s", n, time.Now().Format(time.RFC3339)),
				})
				if err != nil {
					continue
				}
				hub.broadcast(announceCtx, env)
			case <-announceCtx.Done():
				return
			}
		}
	}()

	logger.Info("demo server starting", "address", httpServer.Addr)

	serverErrChan := make(chan error, 1)
	go func() { serverErrChan <- httpServer.ListenAndServe() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
