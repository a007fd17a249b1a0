// Package augment rewrites relayed webhook deliveries so they look like
// deliveries GitHub made to the App itself: the payload gains the App's
// installation and is re-signed with the App's webhook secret.
package augment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/kehao95/gh-app-relay/internal/relay"
)

// SignFunc signs the exact bytes that will be delivered.
type SignFunc func(body []byte) (string, error)

// Event is a relayed delivery carrying an installation and a signature
// computed over Body. Body must be passed on as-is: re-encoding it
// invalidates Signature.
type Event struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Body      string            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Signature string            `json:"signature"`

	// ReplacedInstallation is the id of a different installation the
	// relayed payload already carried, or 0.
	ReplacedInstallation int64 `json:"-"`
}

// MalformedPayloadError reports a relayed body that is not a JSON object.
type MalformedPayloadError struct {
	ID   string
	Name string
	Err  error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload in delivery %s: %v", e.Name, e.ID, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

type installation struct {
	ID int64 `json:"id"`
}

// Augment sets the payload's top-level "installation" to {"id": installationID},
// re-serializes it and signs the result. Every other top-level value keeps
// its original JSON text, compacted.
func Augment(raw relay.Event, installationID int64, sign SignFunc) (Event, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw.Body), &payload); err != nil {
		return Event{}, &MalformedPayloadError{ID: raw.ID, Name: raw.Name, Err: err}
	}
	if payload == nil {
		return Event{}, &MalformedPayloadError{ID: raw.ID, Name: raw.Name, Err: fmt.Errorf("payload is not a JSON object")}
	}

	replaced := existingInstallation(payload)
	if replaced == installationID {
		replaced = 0
	}

	injected, err := json.Marshal(installation{ID: installationID})
	if err != nil {
		return Event{}, err
	}
	payload["installation"] = injected

	body, err := encode(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload in delivery %s: %w", raw.Name, raw.ID, err)
	}

	signature, err := sign(body)
	if err != nil {
		return Event{}, err
	}

	return Event{
		ID:                   raw.ID,
		Name:                 raw.Name,
		Body:                 string(body),
		Headers:              maps.Clone(raw.Headers),
		Signature:            signature,
		ReplacedInstallation: replaced,
	}, nil
}

func existingInstallation(payload map[string]json.RawMessage) int64 {
	value, ok := payload["installation"]
	if !ok {
		return 0
	}
	var existing installation
	if err := json.Unmarshal(value, &existing); err != nil {
		return 0
	}
	return existing.ID
}

// encode marshals payload with sorted keys and without HTML escaping.
func encode(payload map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
