// Package config loads command configuration from flags, GH_APP_RELAY_*
// environment variables, an optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "GH_APP_RELAY"

const (
	TransportWebsocket = "websocket"
	TransportSmee      = "smee"
)

const (
	keyConfig        = "config"
	keyEnvFile       = "env-file"
	keyAppID         = "app-id"
	keyPrivateKey    = "private-key"
	keyWebhookSecret = "webhook-secret"
	keyGitHubURL     = "github-url"
	keyOwner         = "owner"
	keyRepo          = "repo"
	keyEvent         = "event"
	keyHookToken     = "hook-token"
	keyTransport     = "transport"
	keySmeeURL       = "smee-url"
	keyAddr          = "addr"
	keyLogLevel      = "log-level"
	keyLogFormat     = "log-format"
)

type Config struct {
	AppID         int64
	PrivateKey    string
	WebhookSecret string
	GitHubURL     string

	Owner     string
	Repo      string
	Events    []string
	HookToken string
	Transport string
	SmeeURL   string

	Addr      string
	LogLevel  string
	LogFormat string
}

// RegisterFlags adds the flags shared by every command that loads Config.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(keyConfig, "", "YAML config file")
	flags.String(keyEnvFile, ".env", "dotenv file loaded before reading the environment")
	flags.String(keyLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(keyLogFormat, "console", "log format (console, json)")
}

// RegisterAppFlags adds the GitHub App credential flags.
func RegisterAppFlags(flags *pflag.FlagSet) {
	flags.Int64(keyAppID, 0, "GitHub App id")
	flags.String(keyPrivateKey, "", "GitHub App private key, PEM or path to a PEM file")
	flags.String(keyWebhookSecret, "", "GitHub App webhook secret")
	flags.String(keyGitHubURL, "", "GitHub Enterprise base URL")
}

// RegisterRelayFlags adds the relay target and transport flags.
func RegisterRelayFlags(flags *pflag.FlagSet) {
	flags.String(keyOwner, "", "repository owner or organization")
	flags.String(keyRepo, "", "repository name; empty relays the organization")
	flags.StringSlice(keyEvent, nil, "events to relay; defaults to the app's subscriptions")
	flags.String(keyHookToken, "", "token allowed to manage hooks on the target")
	flags.String(keyTransport, TransportWebsocket, "relay transport (websocket, smee)")
	flags.String(keySmeeURL, "", "smee.io channel URL for the smee transport")
}

// RegisterServerFlags adds the local server flags.
func RegisterServerFlags(flags *pflag.FlagSet) {
	flags.String(keyAddr, ":8080", "local server listen address")
}

// Load resolves Config. Explicit flags win over the environment, which wins
// over the config file. Only flags registered on flags are bound.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}

	if err := loadEnvFile(v.GetString(keyEnvFile)); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(keyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	return Config{
		AppID:         v.GetInt64(keyAppID),
		PrivateKey:    v.GetString(keyPrivateKey),
		WebhookSecret: v.GetString(keyWebhookSecret),
		GitHubURL:     strings.TrimSpace(v.GetString(keyGitHubURL)),
		Owner:         strings.TrimSpace(v.GetString(keyOwner)),
		Repo:          strings.TrimSpace(v.GetString(keyRepo)),
		Events:        splitList(v.GetStringSlice(keyEvent)),
		HookToken:     strings.TrimSpace(v.GetString(keyHookToken)),
		Transport:     strings.ToLower(strings.TrimSpace(v.GetString(keyTransport))),
		SmeeURL:       strings.TrimSpace(v.GetString(keySmeeURL)),
		Addr:          v.GetString(keyAddr),
		LogLevel:      v.GetString(keyLogLevel),
		LogFormat:     v.GetString(keyLogFormat),
	}, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// splitList accepts both repeated values and comma separated values, the
// form environment variables use.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ValidateApp checks the GitHub App credentials.
func (c Config) ValidateApp() error {
	var errs []error
	if c.AppID <= 0 {
		errs = append(errs, errors.New("app id is required"))
	}
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("private key is required"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("webhook secret is required"))
	}
	return errors.Join(errs...)
}

// ValidateRelay checks the App credentials and the relay settings.
func (c Config) ValidateRelay() error {
	errs := []error{c.ValidateApp()}
	if c.Owner == "" {
		errs = append(errs, errors.New("owner is required"))
	}
	switch c.Transport {
	case TransportWebsocket:
		if c.HookToken == "" {
			errs = append(errs, errors.New("hook token is required for the websocket transport"))
		}
	case TransportSmee:
		if c.SmeeURL == "" {
			errs = append(errs, errors.New("smee url is required for the smee transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	return errors.Join(errs...)
}
