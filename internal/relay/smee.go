package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v81/github"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewSmee returns a Factory whose sessions read deliveries from a smee.io
// channel. The channel decides which target it carries, so Config.Owner and
// Config.Repo only label log lines; Config.Events filters deliveries.
func NewSmee(channelURL string, httpClient *http.Client) Factory {
	return func(cfg Config) (Session, error) {
		if strings.TrimSpace(channelURL) == "" {
			return nil, errors.New("smee channel url is required")
		}
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		return &smeeSession{
			url:    channelURL,
			client: httpClient,
			cfg:    cfg,
			logger: cfg.logger().With(zap.String("channel", channelURL)),
		}, nil
	}
}

type smeeSession struct {
	url    string
	client *http.Client
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (s *smeeSession) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(runCtx)
	}()
	return ctx.Err()
}

func (s *smeeSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopOnce.Do(s.cfg.Handlers.stop)
	return nil
}

func (s *smeeSession) run(ctx context.Context) {
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		s.logger.Info("connecting to smee channel")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			s.cfg.Handlers.error(fmt.Errorf("building smee request: %w", err))
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("smee connect failed", zap.Error(err))
			wait(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			s.logger.Warn("smee unexpected status", zap.String("status", resp.Status))
			_ = resp.Body.Close()
			wait(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		s.logger.Info("connected to smee channel")
		backoff = time.Second

		err = s.readStream(ctx, resp.Body)
		_ = resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Warn("smee disconnected", zap.Error(err))
		} else {
			s.logger.Info("smee disconnected")
		}
		wait(ctx, backoff)
		backoff = nextBackoff(backoff)
	}
}

type sseEvent struct {
	event string
	data  []string
}

func (s *smeeSession) readStream(ctx context.Context, body io.Reader) error {
	reader := bufio.NewReader(body)
	current := sseEvent{}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(current.data) > 0 && current.event != "ready" && current.event != "ping" {
				s.dispatch(strings.Join(current.data, "\n"))
			}
			current = sseEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitSSELine(line)
		switch field {
		case "event":
			current.event = value
		case "data":
			current.data = append(current.data, value)
		}
	}
}

func (s *smeeSession) dispatch(raw string) {
	event, err := decodeSmeeData(raw)
	if err != nil {
		s.cfg.Handlers.error(fmt.Errorf("decoding smee payload: %w", err))
		return
	}
	if len(s.cfg.Events) > 0 && !slices.Contains(s.cfg.Events, "*") && !slices.Contains(s.cfg.Events, event.Name) {
		s.logger.Debug("smee delivery filtered", zap.String("event", event.Name))
		return
	}
	s.cfg.Handlers.webhook(event)
}

func splitSSELine(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}

// decodeSmeeData turns a smee message (request headers lower-cased at the
// top level next to the JSON body) into an Event.
func decodeSmeeData(raw string) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Event{}, err
	}

	headers := make(map[string]string, len(fields))
	for key, value := range fields {
		switch key {
		case "body", "query", "timestamp":
			continue
		}
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			continue
		}
		headers[http.CanonicalHeaderKey(key)] = text
	}

	name := headerValue(headers, github.EventTypeHeader)
	if name == "" {
		return Event{}, errors.New("missing x-github-event")
	}
	id := headerValue(headers, github.DeliveryIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	body, ok := fields["body"]
	if !ok {
		return Event{}, errors.New("missing body")
	}

	return Event{
		ID:        id,
		Name:      name,
		Body:      string(body),
		Headers:   headers,
		Signature: headerValue(headers, github.SHA256SignatureHeader),
	}, nil
}

func wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > 30*time.Second {
		return 30 * time.Second
	}
	return next
}
