package githubapp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v81/github"
)

// InvalidCredentialsError means GET /app answered 404: the App id or
// private key is wrong.
type InvalidCredentialsError struct{}

func (e *InvalidCredentialsError) Error() string {
	return "invalid app credentials"
}

// CredentialLookupError wraps any other GET /app failure.
type CredentialLookupError struct {
	Err error
}

func (e *CredentialLookupError) Error() string {
	return fmt.Sprintf("could not retrieve app info: %v", e.Err)
}

func (e *CredentialLookupError) Unwrap() error {
	return e.Err
}

// NotInstalledError means the App has no installation on Target.
type NotInstalledError struct {
	App    string
	Target string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("App %s is not installed on %s", e.App, e.Target)
}

// InstallationLookupError wraps any non-404 installation lookup failure.
type InstallationLookupError struct {
	App    string
	Target string
	Err    error
}

func (e *InstallationLookupError) Error() string {
	return fmt.Sprintf("could not retrieve %s's installation for %s: %v", e.App, e.Target, e.Err)
}

func (e *InstallationLookupError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a GitHub API 404 response.
func IsNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}
