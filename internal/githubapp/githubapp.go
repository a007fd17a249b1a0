// Package githubapp looks up a GitHub App's identity and installations.
package githubapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v81/github"
	"go.uber.org/zap"

	"github.com/kehao95/gh-app-relay/internal/webhooks"
)

// Identity is what GET /app reports about the authenticated App.
type Identity struct {
	Slug string
	// Events are the webhook events the App subscribes to.
	Events []string
}

// App bundles an App-authenticated API client with the App's webhook
// pipeline.
type App struct {
	Client   *github.Client
	Webhooks *webhooks.Webhooks
}

// Config holds the App's credentials.
type Config struct {
	AppID int64
	// PrivateKey is a PEM encoded key, or a path to one.
	PrivateKey    string
	WebhookSecret string
	// BaseURL targets GitHub Enterprise Server, e.g.
	// https://github.example.com/api/v3. Empty means api.github.com.
	BaseURL string
	Logger  *zap.Logger
}

// New builds an App that authenticates API calls with a JWT signed by the
// App's private key.
func New(cfg Config) (*App, error) {
	if cfg.AppID == 0 {
		return nil, errors.New("app id is required")
	}
	key, err := loadPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	transport, err := ghinstallation.NewAppsTransport(http.DefaultTransport, cfg.AppID, key)
	if err != nil {
		return nil, fmt.Errorf("loading app private key: %w", err)
	}

	client := github.NewClient(&http.Client{Transport: transport})
	if cfg.BaseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring github base url: %w", err)
		}
	}

	return &App{
		Client:   client,
		Webhooks: webhooks.New(cfg.WebhookSecret, cfg.Logger),
	}, nil
}

func loadPrivateKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("app private key is required")
	}
	if strings.HasPrefix(value, "-----BEGIN") {
		return []byte(value), nil
	}
	key, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("reading app private key: %w", err)
	}
	return key, nil
}

// VerifyCredentials fetches the App's identity.
func VerifyCredentials(ctx context.Context, client *github.Client) (Identity, error) {
	app, _, err := client.Apps.Get(ctx, "")
	if err != nil {
		if IsNotFound(err) {
			return Identity{}, &InvalidCredentialsError{}
		}
		return Identity{}, &CredentialLookupError{Err: err}
	}
	return Identity{Slug: app.GetSlug(), Events: app.Events}, nil
}

// ResolveInstallation returns the id of the App's installation on
// owner/repo, or on the owner organization when repo is empty. It makes a
// single request.
func ResolveInstallation(ctx context.Context, client *github.Client, appSlug, owner, repo string) (int64, error) {
	var (
		installation *github.Installation
		err          error
		target       = owner
	)
	if repo != "" {
		target = owner + "/" + repo
		installation, _, err = client.Apps.FindRepositoryInstallation(ctx, owner, repo)
	} else {
		installation, _, err = client.Apps.FindOrganizationInstallation(ctx, owner)
	}
	if err != nil {
		if IsNotFound(err) {
			return 0, &NotInstalledError{App: appSlug, Target: target}
		}
		return 0, &InstallationLookupError{App: appSlug, Target: target, Err: err}
	}
	return installation.GetID(), nil
}
