package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v81/github"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// hookName is the webhook name GitHub reserves for websocket-forwarded hooks.
const hookName = "cli"

// finishTimeout bounds the hook deletion once the caller's ctx is gone.
const finishTimeout = 5 * time.Second

type hookConfig struct {
	ContentType string `json:"content_type"`
	InsecureSSL string `json:"insecure_ssl"`
}

type createHookRequest struct {
	Name   string     `json:"name"`
	Events []string   `json:"events"`
	Active bool       `json:"active"`
	Config hookConfig `json:"config"`
}

type updateHookRequest struct {
	Active bool `json:"active"`
}

type hook struct {
	ID    int64  `json:"id"`
	WsURL string `json:"ws_url"`
}

// frame is one delivery pushed over the hook's websocket.
type frame struct {
	Header http.Header
	Body   []byte
}

// ack answers a frame the way a webhook endpoint answers GitHub.
type ack struct {
	Status int
	Header http.Header
	Body   []byte
}

type websocketSession struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	hookID   int64
	stopping bool
	done     chan struct{}
	readErr  error

	// quit releases a read loop blocked handing a frame to the dispatcher.
	quit     chan struct{}
	quitOnce sync.Once

	writeMu    sync.Mutex
	finishOnce sync.Once
}

// received is one item handed from the read loop to the dispatcher.
type received struct {
	event Event
	err   error
}

// NewWebsocket is the default Factory. It creates a "cli" webhook on the
// target, streams its deliveries over the returned ws_url and deletes the
// hook when the session ends.
func NewWebsocket(cfg Config) (Session, error) {
	if cfg.Owner == "" {
		return nil, errors.New("relay owner is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("relay github client is required")
	}
	return &websocketSession{
		cfg:    cfg,
		logger: cfg.logger().With(zap.String("target", cfg.target())),
		dialer: websocket.DefaultDialer,
		quit:   make(chan struct{}),
	}, nil
}

func (s *websocketSession) hooksPath() string {
	if s.cfg.Repo == "" {
		return fmt.Sprintf("orgs/%s/hooks", s.cfg.Owner)
	}
	return fmt.Sprintf("repos/%s/%s/hooks", s.cfg.Owner, s.cfg.Repo)
}

func (s *websocketSession) Start(ctx context.Context) error {
	events := s.cfg.Events
	if len(events) == 0 {
		events = []string{"*"}
	}

	created, err := s.createHook(ctx, events)
	if err != nil {
		return err
	}
	s.logger.Debug("relay hook created", zap.Int64("hook", created.ID))

	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", s.cfg.Token)
	}
	conn, _, err := s.dialer.DialContext(ctx, created.WsURL, header)
	if err != nil {
		s.deleteHook(ctx, created.ID)
		return fmt.Errorf("connecting to relay hook %d: %w", created.ID, err)
	}

	if err := s.activateHook(ctx, created.ID); err != nil {
		_ = conn.Close()
		s.deleteHook(ctx, created.ID)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.hookID = created.ID
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("relay connected", zap.Int64("hook", created.ID), zap.Strings("events", events))
	items := make(chan received)
	go s.readLoop(conn, items)
	go s.dispatch(items)
	return nil
}

func (s *websocketSession) createHook(ctx context.Context, events []string) (*hook, error) {
	req, err := s.cfg.Client.NewRequest(http.MethodPost, s.hooksPath(), createHookRequest{
		Name:   hookName,
		Events: events,
		Active: false,
		Config: hookConfig{ContentType: "json", InsecureSSL: "0"},
	})
	if err != nil {
		return nil, err
	}
	var created hook
	if _, err := s.cfg.Client.Do(ctx, req, &created); err != nil {
		return nil, fmt.Errorf("creating relay hook on %s: %w", s.cfg.target(), err)
	}
	if created.WsURL == "" {
		return nil, fmt.Errorf("relay hook %d on %s has no ws_url", created.ID, s.cfg.target())
	}
	return &created, nil
}

func (s *websocketSession) activateHook(ctx context.Context, id int64) error {
	req, err := s.cfg.Client.NewRequest(http.MethodPatch, fmt.Sprintf("%s/%d", s.hooksPath(), id), updateHookRequest{Active: true})
	if err != nil {
		return err
	}
	if _, err := s.cfg.Client.Do(ctx, req, nil); err != nil {
		return fmt.Errorf("activating relay hook %d on %s: %w", id, s.cfg.target(), err)
	}
	return nil
}

func (s *websocketSession) deleteHook(ctx context.Context, id int64) {
	req, err := s.cfg.Client.NewRequest(http.MethodDelete, fmt.Sprintf("%s/%d", s.hooksPath(), id), nil)
	if err != nil {
		s.logger.Warn("relay hook delete failed", zap.Int64("hook", id), zap.Error(err))
		return
	}
	if _, err := s.cfg.Client.Do(ctx, req, nil); err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return
		}
		s.logger.Warn("relay hook delete failed", zap.Int64("hook", id), zap.Error(err))
	}
}

// readLoop acks each frame and hands it to the dispatcher, so that handlers
// may call Stop without blocking the socket.
func (s *websocketSession) readLoop(conn *websocket.Conn, items chan<- received) {
	defer close(s.done)
	defer close(items)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			_ = conn.Close()
			return
		}

		var item received
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			item.err = fmt.Errorf("decoding relay frame: %w", err)
		} else {
			s.writeMu.Lock()
			err = conn.WriteJSON(ack{Status: http.StatusOK, Header: http.Header{}, Body: []byte{}})
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("relay ack failed", zap.Error(err))
			}
			item.event = eventFromFrame(f)
			s.logger.Debug("relay delivery", zap.String("delivery", item.event.ID), zap.String("event", item.event.Name), zap.Int("bytes", len(f.Body)))
		}

		select {
		case items <- item:
		case <-s.quit:
			return
		}
	}
}

// dispatch runs the handlers in delivery order. When the socket ends without
// Stop, it reports the close and finishes the session.
func (s *websocketSession) dispatch(items <-chan received) {
	for item := range items {
		if s.isStopping() {
			continue
		}
		if item.err != nil {
			s.cfg.Handlers.error(item.err)
			continue
		}
		s.cfg.Handlers.webhook(item.event)
	}

	if s.isStopping() {
		return
	}
	s.mu.Lock()
	err := s.readErr
	s.mu.Unlock()
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.cfg.Handlers.error(fmt.Errorf("reading relay frame: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	s.finish(ctx)
}

func eventFromFrame(f frame) Event {
	headers := flattenHeaders(f.Header)
	id := headerValue(headers, github.DeliveryIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	return Event{
		ID:        id,
		Name:      headerValue(headers, github.EventTypeHeader),
		Body:      string(f.Body),
		Headers:   headers,
		Signature: headerValue(headers, github.SHA256SignatureHeader),
	}
}

func (s *websocketSession) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Stop closes the websocket, waits for the read loop and removes the hook.
// The hook is removed even when ctx ends first; ctx.Err() is then returned.
// Stop may be called from a handler.
func (s *websocketSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	conn, done := s.conn, s.done
	s.mu.Unlock()
	s.quitOnce.Do(func() { close(s.quit) })

	var err error
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
	}
	s.finish(finishCtx)
	return err
}

func (s *websocketSession) finish(ctx context.Context) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		id := s.hookID
		s.mu.Unlock()
		if id != 0 {
			s.deleteHook(ctx, id)
		}
		s.logger.Info("relay stopped")
		s.cfg.Handlers.stop()
	})
}
