package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/go-github/v81/github"
)

const signaturePrefix = "sha256="

var (
	ErrMissingSecret    = errors.New("webhook secret is not configured")
	ErrMissingSignature = errors.New("missing " + github.SHA256SignatureHeader + " header")
	ErrInvalidSignature = errors.New("webhook signature mismatch")
)

// Sign returns the X-Hub-Signature-256 value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the exact bytes of body.
func Verify(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return ErrMissingSecret
	}
	if strings.TrimSpace(signature) == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return errors.Join(ErrInvalidSignature, errors.New("invalid signature prefix"))
	}
	if err := github.ValidateSignature(signature, body, secret); err != nil {
		return errors.Join(ErrInvalidSignature, err)
	}
	return nil
}
