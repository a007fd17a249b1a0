// Package apprelay relays webhook deliveries for one owner (and optionally
// one repository) into a GitHub App's webhook pipeline. Relayed payloads
// gain the App's installation and are re-signed with the App's webhook
// secret, so handlers see them exactly as deliveries GitHub made to the App.
package apprelay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kehao95/gh-app-relay/internal/augment"
	"github.com/kehao95/gh-app-relay/internal/githubapp"
	"github.com/kehao95/gh-app-relay/internal/relay"
	"github.com/kehao95/gh-app-relay/internal/webhooks"
)

var (
	ErrAlreadyStarted = errors.New("relay already started")
	// ErrStopped is the StartupError cause when Stop interrupts Start.
	ErrStopped = errors.New("relay stopped during startup")
)

type State string

const (
	StateIdle                  State = "idle"
	StateVerifyingCredentials  State = "verifying-credentials"
	StateResolvingInstallation State = "resolving-installation"
	StateSessionStarting       State = "session-starting"
	StateRunning               State = "running"
	StateStopping              State = "stopping"
	StateError                 State = "error"
)

// Step names the startup step that failed.
type Step string

const (
	StepCredentials  Step = "credentials"
	StepInstallation Step = "installation"
	StepSession      Step = "session"
)

// StartupError is returned by Start. Err is one of the githubapp lookup
// errors, or the session's own error for StepSession.
type StartupError struct {
	Step Step
	Err  error
}

func (e *StartupError) Error() string {
	return e.Err.Error()
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Target is the owner, and optional repository, a relay serves.
type Target struct {
	Owner string
	Repo  string
}

func (t Target) String() string {
	if t.Repo == "" {
		return t.Owner
	}
	return t.Owner + "/" + t.Repo
}

type Options struct {
	Owner string
	// Repo scopes the relay to one repository. Empty relays the owner's
	// organization hook.
	Repo string
	App  *githubapp.App
	// Events filters relayed deliveries. Empty means the App's subscribed
	// events.
	Events []string
	Auth   Auth
	Logger *zap.Logger
	// NewSession builds the transport. Defaults to relay.NewWebsocket.
	NewSession relay.Factory
}

type Relay struct {
	target     Target
	app        *githubapp.App
	events     []string
	auth       Auth
	logger     *zap.Logger
	newSession relay.Factory

	listeners listeners

	mu             sync.Mutex
	state          State
	generation     int
	session        relay.Session
	identity       githubapp.Identity
	installationID int64
}

func New(opts Options) (*Relay, error) {
	if opts.Owner == "" {
		return nil, errors.New("owner is required")
	}
	if opts.App == nil || opts.App.Client == nil || opts.App.Webhooks == nil {
		return nil, errors.New("app with client and webhooks is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("auth is required")
	}
	if err := opts.Auth.validate(); err != nil {
		return nil, err
	}

	target := Target{Owner: opts.Owner, Repo: opts.Repo}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newSession := opts.NewSession
	if newSession == nil {
		newSession = relay.NewWebsocket
	}

	return &Relay{
		target:     target,
		app:        opts.App,
		events:     append([]string(nil), opts.Events...),
		auth:       opts.Auth,
		logger:     logger.With(zap.String("target", target.String())),
		newSession: newSession,
		state:      StateIdle,
	}, nil
}

func (r *Relay) Target() Target {
	return r.target
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Identity returns the App identity resolved by the last Start.
func (r *Relay) Identity() githubapp.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// InstallationID returns the installation resolved by the last Start.
func (r *Relay) InstallationID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installationID
}

// Start verifies the App's credentials, resolves its installation on the
// target, then starts the relay session. A failing step aborts startup
// before any session is built.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle && r.state != StateError {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.generation++
	generation := r.generation
	r.state = StateVerifyingCredentials
	r.mu.Unlock()

	identity, err := githubapp.VerifyCredentials(ctx, r.app.Client)
	if err != nil {
		return r.fail(generation, &StartupError{Step: StepCredentials, Err: err})
	}
	if !r.advance(generation, StateResolvingInstallation) {
		return r.abort(StepCredentials)
	}

	installationID, err := githubapp.ResolveInstallation(ctx, r.app.Client, identity.Slug, r.target.Owner, r.target.Repo)
	if err != nil {
		return r.fail(generation, &StartupError{Step: StepInstallation, Err: err})
	}

	r.mu.Lock()
	if generation != r.generation {
		r.mu.Unlock()
		return r.abort(StepInstallation)
	}
	r.identity = identity
	r.installationID = installationID
	r.state = StateSessionStarting
	r.mu.Unlock()

	events := r.events
	if len(events) == 0 {
		events = identity.Events
	}
	client, token := r.auth.credentials(r.app.Client)
	p := &pipeline{relay: r, installationID: installationID}

	session, err := r.newSession(relay.Config{
		Owner:  r.target.Owner,
		Repo:   r.target.Repo,
		Events: events,
		Client: client,
		Token:  token,
		Logger: r.logger,
		Handlers: relay.Handlers{
			OnWebhook: p.handle,
			OnError:   r.listeners.emitError,
			OnStop:    func() { r.sessionEnded(generation) },
		},
	})
	if err != nil {
		return r.fail(generation, &StartupError{Step: StepSession, Err: err})
	}

	if err := session.Start(ctx); err != nil {
		return r.fail(generation, &StartupError{Step: StepSession, Err: fmt.Errorf("starting relay session: %w", err)})
	}

	r.mu.Lock()
	if generation != r.generation {
		r.mu.Unlock()
		if err := session.Stop(ctx); err != nil {
			r.logger.Warn("relay session stop failed", zap.Error(err))
		}
		return r.abort(StepSession)
	}
	r.session = session
	r.state = StateRunning
	r.mu.Unlock()

	r.logger.Info("relay started",
		zap.String("app", identity.Slug),
		zap.Int64("installation", installationID),
		zap.Strings("events", events),
	)
	r.listeners.emitStart()
	return nil
}

// Stop tears down the session, if any, and always emits stop. It does not
// cancel deliveries already being processed.
func (r *Relay) Stop(ctx context.Context) {
	r.mu.Lock()
	session := r.session
	r.session = nil
	r.generation++
	if session != nil {
		r.state = StateStopping
	}
	r.mu.Unlock()

	if session != nil {
		if err := session.Stop(ctx); err != nil {
			r.logger.Warn("relay session stop failed", zap.Error(err))
		}
	}

	r.setState(StateIdle)
	r.logger.Info("relay stopped")
	r.listeners.emitStop()
}

// sessionEnded handles a session that stopped without Stop being called.
func (r *Relay) sessionEnded(generation int) {
	r.mu.Lock()
	if generation != r.generation {
		r.mu.Unlock()
		return
	}
	r.generation++
	r.session = nil
	r.state = StateIdle
	r.mu.Unlock()

	r.logger.Info("relay session ended")
	r.listeners.emitStop()
}

func (r *Relay) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// advance moves a Start to its next state unless Stop superseded it.
func (r *Relay) advance(generation int, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if generation != r.generation {
		return false
	}
	r.state = state
	return true
}

func (r *Relay) fail(generation int, err *StartupError) error {
	r.mu.Lock()
	if generation == r.generation {
		r.state = StateError
	}
	r.mu.Unlock()
	r.logger.Error("relay start failed", zap.String("step", string(err.Step)), zap.Error(err.Err))
	return err
}

func (r *Relay) abort(step Step) error {
	r.logger.Info("relay start interrupted by stop", zap.String("step", string(step)))
	return &StartupError{Step: step, Err: ErrStopped}
}

// pipeline processes the deliveries of one session.
type pipeline struct {
	relay          *Relay
	installationID int64
}

func (p *pipeline) handle(raw relay.Event) {
	r := p.relay
	logger := r.logger.With(zap.String("delivery", raw.ID), zap.String("event", raw.Name))

	event, err := augment.Augment(raw, p.installationID, r.app.Webhooks.Sign)
	if err != nil {
		logger.Warn("webhook augmentation failed", zap.Error(err))
		r.listeners.emitError(err)
		return
	}
	if event.ReplacedInstallation != 0 {
		logger.Warn("relayed payload carried another installation",
			zap.Int64("relayed_installation", event.ReplacedInstallation),
			zap.Int64("installation", p.installationID),
		)
	}
	logger.Debug("webhook relayed", zap.Int("bytes", len(event.Body)))

	go p.receive(event.ID, event.Name, event.Body)
	r.listeners.emitWebhook(event)
}

// receive hands the delivery to the App's pipeline. The augmented body is
// parsed again here; it has already been signed.
func (p *pipeline) receive(id, name, body string) {
	r := p.relay
	delivery, err := webhooks.ParseDelivery(id, name, []byte(body))
	if err != nil {
		r.listeners.emitError(err)
		return
	}
	if err := r.app.Webhooks.Receive(context.Background(), delivery); err != nil {
		r.listeners.emitError(err)
	}
}
