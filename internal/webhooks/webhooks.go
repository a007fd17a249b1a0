// Package webhooks is the GitHub App's webhook pipeline: it signs and
// verifies payloads with the App's webhook secret and dispatches deliveries
// to handlers registered by event name ("issues") or event name and action
// ("issues.opened").
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-github/v81/github"
	"go.uber.org/zap"
)

// Delivery is a single webhook delivery as seen by handlers.
type Delivery struct {
	ID     string
	Name   string
	Action string
	// Payload is the typed go-github event (for example *github.IssuesEvent)
	// or a map[string]any for event names go-github does not know.
	Payload any
	// Raw holds the JSON bytes Payload was parsed from.
	Raw json.RawMessage
}

// Handler processes one delivery.
type Handler func(ctx context.Context, delivery Delivery) error

type Webhooks struct {
	secret []byte
	logger *zap.Logger

	mu            sync.RWMutex
	handlers      map[string][]Handler
	anyHandlers   []Handler
	errorHandlers []func(error)
}

func New(secret string, logger *zap.Logger) *Webhooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhooks{
		secret:   []byte(secret),
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Sign signs body with the pipeline's secret.
func (w *Webhooks) Sign(body []byte) (string, error) {
	if len(w.secret) == 0 {
		return "", ErrMissingSecret
	}
	return Sign(w.secret, body), nil
}

func (w *Webhooks) Verify(body []byte, signature string) error {
	return Verify(w.secret, body, signature)
}

// On registers handler for an event name or an "event.action" pair.
func (w *Webhooks) On(event string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[event] = append(w.handlers[event], handler)
}

// OnAny registers handler for every delivery.
func (w *Webhooks) OnAny(handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.anyHandlers = append(w.anyHandlers, handler)
}

// OnError registers fn to observe handler failures.
func (w *Webhooks) OnError(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errorHandlers = append(w.errorHandlers, fn)
}

// Receive runs every handler matching the delivery and returns their joined
// errors. A failing handler does not stop the others.
func (w *Webhooks) Receive(ctx context.Context, delivery Delivery) error {
	if delivery.Name == "" {
		return errors.New("delivery name is required")
	}

	w.mu.RLock()
	matched := make([]Handler, 0, len(w.anyHandlers)+2)
	matched = append(matched, w.anyHandlers...)
	matched = append(matched, w.handlers[delivery.Name]...)
	if delivery.Action != "" {
		matched = append(matched, w.handlers[delivery.Name+"."+delivery.Action]...)
	}
	errorHandlers := append(([]func(error))(nil), w.errorHandlers...)
	w.mu.RUnlock()

	var errs []error
	for _, handler := range matched {
		if err := handler(ctx, delivery); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}

	err := &HandlerError{ID: delivery.ID, Name: delivery.Name, Err: errors.Join(errs...)}
	w.logger.Warn("webhook handler failed",
		zap.String("delivery", delivery.ID),
		zap.String("event", delivery.Name),
		zap.Error(err.Err),
	)
	for _, fn := range errorHandlers {
		fn(err)
	}
	return err
}

// VerifyAndReceive checks the signature over body before parsing and
// dispatching it.
func (w *Webhooks) VerifyAndReceive(ctx context.Context, id, name, signature string, body []byte) error {
	if err := w.Verify(body, signature); err != nil {
		return err
	}
	delivery, err := ParseDelivery(id, name, body)
	if err != nil {
		return err
	}
	return w.Receive(ctx, delivery)
}

// ParseDelivery decodes body into a Delivery.
func ParseDelivery(id, name string, body []byte) (Delivery, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return Delivery{}, fmt.Errorf("decoding %s payload: %w", name, err)
	}

	payload, err := github.ParseWebHook(name, body)
	if err != nil {
		var generic map[string]any
		if err := json.Unmarshal(body, &generic); err != nil {
			return Delivery{}, fmt.Errorf("decoding %s payload: %w", name, err)
		}
		payload = generic
	}

	return Delivery{
		ID:      id,
		Name:    name,
		Action:  head.Action,
		Payload: payload,
		Raw:     append(json.RawMessage(nil), body...),
	}, nil
}

// HandlerError reports the handlers that failed for one delivery.
type HandlerError struct {
	ID   string
	Name string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handling %s delivery %s: %v", e.Name, e.ID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
