// Package auth verifies admin credentials.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/config"
)

type Verifier interface {
	Verify(credential string) error
}

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return AllowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// AllowAll accepts any credential, including none.
type AllowAll struct{}

func (AllowAll) Verify(string) error { return nil }

// CredentialFromQuery reads apiKey or token from the query string. Each mode
// prefers its own parameter but accepts the other.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	var order [2]string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		order = [2]string{"apiKey", "token"}
	case config.AuthModeJWT:
		order = [2]string{"token", "apiKey"}
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	for _, key := range order {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v, nil
		}
	}
	return "", ErrMissingCredentials
}

// CredentialFromRequest looks at, in order, the Authorization header (Bearer
// or ApiKey scheme), X-API-Key, and the query string. Browsers cannot set
// headers on WebSocket upgrades, so the query fallback is what /admin/observe
// clients use.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		value = strings.TrimSpace(value)
		if ok && value != "" && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "ApiKey")) {
			return value, nil
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	return CredentialFromQuery(mode, r.URL.Query())
}
