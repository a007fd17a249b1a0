// Package relay receives GitHub webhook deliveries over a relayed transport
// instead of an inbound HTTP endpoint.
package relay

import (
	"context"
	"net/http"

	"github.com/google/go-github/v81/github"
	"go.uber.org/zap"
)

// Event is a raw delivery as the transport received it.
type Event struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
	// Signature is the X-Hub-Signature-256 header GitHub sent, if any.
	Signature string `json:"signature,omitempty"`
}

// Handlers receive a session's callbacks. Any of them may be nil.
type Handlers struct {
	OnWebhook func(Event)
	OnError   func(error)
	OnStop    func()
}

func (h Handlers) webhook(event Event) {
	if h.OnWebhook != nil {
		h.OnWebhook(event)
	}
}

func (h Handlers) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handlers) stop() {
	if h.OnStop != nil {
		h.OnStop()
	}
}

// Config scopes a session to one owner and, optionally, one repository.
type Config struct {
	Owner  string
	Repo   string
	Events []string
	// Client authenticates the hook management requests.
	Client *github.Client
	// Token authorizes the websocket handshake.
	Token    string
	Handlers Handlers
	Logger   *zap.Logger
}

func (c Config) target() string {
	if c.Repo == "" {
		return c.Owner
	}
	return c.Owner + "/" + c.Repo
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Session is a live relay connection.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory builds a session for cfg without starting it.
type Factory func(cfg Config) (Session, error)

// flattenHeaders keeps the first value of every header under its canonical
// name.
func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = values[0]
	}
	return out
}

func headerValue(headers map[string]string, name string) string {
	return headers[http.CanonicalHeaderKey(name)]
}
