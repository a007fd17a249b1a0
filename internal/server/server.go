// Package server exposes the App's webhook pipeline locally: a
// GitHub-compatible POST /webhook endpoint, a /ws stream of every delivery
// the pipeline receives, and /healthz.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/go-github/v81/github"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kehao95/gh-app-relay/internal/message"
	"github.com/kehao95/gh-app-relay/internal/webhooks"
)

// GitHub caps webhook payloads at 25 MB.
const maxBodyBytes = 25 << 20

type Config struct {
	Addr     string
	Webhooks *webhooks.Webhooks
	Logger   *zap.Logger
}

type Server struct {
	addr     string
	webhooks *webhooks.Webhooks
	logger   *zap.Logger
	hub      *hub
	upgrader websocket.Upgrader
}

// New builds a server and subscribes its stream to every delivery the
// pipeline receives, relayed or posted to /webhook.
func New(cfg Config) (*Server, error) {
	if cfg.Webhooks == nil {
		return nil, errors.New("webhooks pipeline is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		addr:     cfg.Addr,
		webhooks: cfg.Webhooks,
		logger:   logger,
		hub:      newHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	cfg.Webhooks.OnAny(s.publish)
	return s, nil
}

// Run listens on the configured address until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	return s.ListenAndServe(ctx)
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled and closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.run(ctx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /ws", s.handleStream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event := r.Header.Get(github.EventTypeHeader)
	delivery := r.Header.Get(github.DeliveryIDHeader)
	logger := s.logger.With(zap.String("event", event), zap.String("delivery", delivery))
	if event == "" {
		http.Error(w, "missing "+github.EventTypeHeader+" header", http.StatusBadRequest)
		return
	}

	err = s.webhooks.VerifyAndReceive(r.Context(), delivery, event, r.Header.Get(github.SHA256SignatureHeader), body)
	var handlerErr *webhooks.HandlerError
	switch {
	case err == nil:
	case errors.Is(err, webhooks.ErrMissingSignature), errors.Is(err, webhooks.ErrInvalidSignature):
		logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case errors.Is(err, webhooks.ErrMissingSecret):
		logger.Error("webhook secret is not configured")
		http.Error(w, "webhook secret is not configured", http.StatusInternalServerError)
		return
	case errors.As(err, &handlerErr):
		http.Error(w, "webhook handler failed", http.StatusInternalServerError)
		return
	default:
		logger.Warn("webhook payload rejected", zap.Error(err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	logger.Info("webhook received", zap.Int("bytes", len(body)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	logger := s.logger.With(zap.String("remote", r.RemoteAddr))

	sub := &subscriber{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, 16),
		logger: logger,
	}
	if !s.hub.join(sub) {
		_ = conn.Close()
		return
	}
	logger.Info("ws connected")

	go sub.writePump()
	sub.readPump()

	logger.Info("ws disconnected")
}

// publish queues a delivery for the stream; it never blocks the pipeline.
func (s *Server) publish(ctx context.Context, delivery webhooks.Delivery) error {
	encoded, err := json.Marshal(message.NewEvent(delivery))
	if err != nil {
		return err
	}
	select {
	case s.hub.broadcast <- broadcast{event: delivery.Name, action: delivery.Action, data: encoded}:
	default:
		s.logger.Warn("broadcast dropped", zap.String("event", delivery.Name), zap.String("delivery", delivery.ID))
	}
	return nil
}
