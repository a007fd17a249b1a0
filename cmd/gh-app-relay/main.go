package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kehao95/gh-app-relay/internal/apprelay"
	"github.com/kehao95/gh-app-relay/internal/assertion"
	"github.com/kehao95/gh-app-relay/internal/augment"
	"github.com/kehao95/gh-app-relay/internal/client"
	"github.com/kehao95/gh-app-relay/internal/config"
	"github.com/kehao95/gh-app-relay/internal/githubapp"
	"github.com/kehao95/gh-app-relay/internal/logging"
	"github.com/kehao95/gh-app-relay/internal/relay"
	"github.com/kehao95/gh-app-relay/internal/server"
	"github.com/kehao95/gh-app-relay/internal/webhooks"
)

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit with code %d", e.code)
}

func (e exitError) ExitCode() int {
	return e.code
}

func runWithSignals(run func(context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	select {
	case sig := <-sigCh:
		cancel()
		_ = <-errCh
		if sig == os.Interrupt {
			return exitError{code: 130}
		}
		return exitError{code: 143}
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// load resolves the configuration and logger of a command.
func load(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Relay webhooks for a repository or organization into the GitHub App",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.ValidateRelay(); err != nil {
				return err
			}
			return runWithSignals(func(ctx context.Context) error {
				return runRelay(ctx, cfg, logger)
			})
		},
	}
	config.RegisterAppFlags(cmd.Flags())
	config.RegisterRelayFlags(cmd.Flags())
	config.RegisterServerFlags(cmd.Flags())
	return cmd
}

func runRelay(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app, err := githubapp.New(githubapp.Config{
		AppID:         cfg.AppID,
		PrivateKey:    cfg.PrivateKey,
		WebhookSecret: cfg.WebhookSecret,
		BaseURL:       cfg.GitHubURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var auth apprelay.Auth = apprelay.TokenAuth{Token: cfg.HookToken}
	var newSession relay.Factory = relay.NewWebsocket
	if cfg.Transport == config.TransportSmee {
		newSession = relay.NewSmee(cfg.SmeeURL, nil)
		if cfg.HookToken == "" {
			auth = apprelay.ClientAuth{Client: app.Client}
		}
	}

	r, err := apprelay.New(apprelay.Options{
		Owner:      cfg.Owner,
		Repo:       cfg.Repo,
		App:        app,
		Events:     cfg.Events,
		Auth:       auth,
		Logger:     logger,
		NewSession: newSession,
	})
	if err != nil {
		return err
	}

	ended := make(chan struct{}, 1)
	r.OnStop(func() {
		select {
		case ended <- struct{}{}:
		default:
		}
	})
	r.OnError(func(err error) {
		logger.Warn("relay error", zap.Error(err))
	})
	r.OnWebhook(func(event augment.Event) {
		logger.Info("webhook relayed", zap.String("event", event.Name), zap.String("delivery", event.ID))
	})

	serverErr := make(chan error, 1)
	if cfg.Addr != "" {
		srv, err := server.New(server.Config{Addr: cfg.Addr, Webhooks: app.Webhooks, Logger: logger})
		if err != nil {
			return err
		}
		go func() {
			serverErr <- srv.ListenAndServe(ctx)
		}()
	}

	if err := r.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.Stop(stopCtx)
		return ctx.Err()
	case <-ended:
		return errors.New("relay session ended")
	case err := <-serverErr:
		r.Stop(context.Background())
		return err
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a GitHub-compatible webhook endpoint and its /ws stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.WebhookSecret == "" {
				return errors.New("webhook secret is required")
			}
			return runWithSignals(func(ctx context.Context) error {
				return server.Run(ctx, server.Config{
					Addr:     cfg.Addr,
					Webhooks: webhooks.New(cfg.WebhookSecret, logger),
					Logger:   logger,
				})
			})
		},
	}
	cmd.Flags().String("webhook-secret", "", "webhook secret used to verify deliveries")
	config.RegisterServerFlags(cmd.Flags())
	return cmd
}

func newStreamCmd() *cobra.Command {
	var (
		serverURL string
		events    []string
		successOn []string
		failureOn []string
		timeout   time.Duration
		capture   bool
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Print the /ws stream as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			successAssertions, err := assertion.ParseAll(successOn, 0)
			if err != nil {
				return err
			}
			failureAssertions, err := assertion.ParseAll(failureOn, 1)
			if err != nil {
				return err
			}
			_, logger, err := load(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return runWithSignals(func(ctx context.Context) error {
				return client.Run(ctx, client.Config{
					ServerURL:         serverURL,
					Events:            events,
					SuccessAssertions: successAssertions,
					FailureAssertions: failureAssertions,
					Timeout:           timeout,
					Capture:           capture,
					Logger:            logger,
				})
			})
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "ws://localhost:8080/ws", "WebSocket server URL")
	cmd.Flags().StringArrayVar(&events, "event", nil, "Subscribe to an event or event.action")
	cmd.Flags().StringArrayVar(&successOn, "success-on", nil, "Exit 0 when assertion matches")
	cmd.Flags().StringArrayVar(&failureOn, "failure-on", nil, "Exit 1 when assertion matches")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Exit 124 after this long")
	cmd.Flags().BoolVar(&capture, "capture", false, "Print messages only once the stream exits")
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "gh-app-relay",
		Short:         "Relay repository webhooks into a GitHub App's webhook pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(newRunCmd(), newServeCmd(), newStreamCmd())

	if err := rootCmd.Execute(); err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
