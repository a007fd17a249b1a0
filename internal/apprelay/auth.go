package apprelay

import (
	"errors"

	"github.com/google/go-github/v81/github"
)

const userAgent = "gh-app-relay"

// Auth selects how the relay authenticates the hook it creates on the
// target. It is either TokenAuth or ClientAuth.
type Auth interface {
	validate() error
	// credentials returns the hook management client and the websocket
	// token. appClient supplies the API base URL.
	credentials(appClient *github.Client) (*github.Client, string)
}

// TokenAuth builds a default client from a token allowed to manage hooks
// on the target (admin:repo_hook or admin:org_hook).
type TokenAuth struct {
	Token string
}

func (a TokenAuth) validate() error {
	if a.Token == "" {
		return errors.New("hook token is required")
	}
	return nil
}

func (a TokenAuth) credentials(appClient *github.Client) (*github.Client, string) {
	client := github.NewClient(nil).WithAuthToken(a.Token)
	client.UserAgent = userAgent
	if appClient != nil && appClient.BaseURL != nil {
		baseURL := *appClient.BaseURL
		client.BaseURL = &baseURL
	}
	return client, a.Token
}

// ClientAuth uses a pre-built client. Token authorizes the websocket
// handshake and must belong to the same identity as Client.
type ClientAuth struct {
	Client *github.Client
	Token  string
}

func (a ClientAuth) validate() error {
	if a.Client == nil {
		return errors.New("hook client is required")
	}
	return nil
}

func (a ClientAuth) credentials(*github.Client) (*github.Client, string) {
	return a.Client, a.Token
}
