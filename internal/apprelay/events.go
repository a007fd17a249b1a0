package apprelay

import (
	"sync"

	"github.com/kehao95/gh-app-relay/internal/augment"
)

// listeners holds the typed callback slots of the public event surface.
type listeners struct {
	mu      sync.RWMutex
	start   []func()
	stop    []func()
	errs    []func(error)
	webhook []func(augment.Event)
}

// OnStart registers fn to run once the relay session is started.
func (r *Relay) OnStart(fn func()) {
	r.listeners.mu.Lock()
	defer r.listeners.mu.Unlock()
	r.listeners.start = append(r.listeners.start, fn)
}

// OnStop registers fn to run whenever the relay stops, whether through Stop
// or because the session ended.
func (r *Relay) OnStop(fn func()) {
	r.listeners.mu.Lock()
	defer r.listeners.mu.Unlock()
	r.listeners.stop = append(r.listeners.stop, fn)
}

// OnError registers fn for transport errors and per-delivery failures.
// Startup failures are returned by Start instead.
func (r *Relay) OnError(fn func(error)) {
	r.listeners.mu.Lock()
	defer r.listeners.mu.Unlock()
	r.listeners.errs = append(r.listeners.errs, fn)
}

// OnWebhook registers fn for every augmented delivery.
func (r *Relay) OnWebhook(fn func(augment.Event)) {
	r.listeners.mu.Lock()
	defer r.listeners.mu.Unlock()
	r.listeners.webhook = append(r.listeners.webhook, fn)
}

func (l *listeners) emitStart() {
	l.mu.RLock()
	fns := append([]func(){}, l.start...)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *listeners) emitStop() {
	l.mu.RLock()
	fns := append([]func(){}, l.stop...)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *listeners) emitError(err error) {
	l.mu.RLock()
	fns := append([]func(error){}, l.errs...)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (l *listeners) emitWebhook(event augment.Event) {
	l.mu.RLock()
	fns := append([]func(augment.Event){}, l.webhook...)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(event)
	}
}
