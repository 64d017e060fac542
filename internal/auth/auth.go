// Package auth guards the control API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/omekit/ome-publisher/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns nil when auth is disabled.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest looks, in order, at "Authorization: Bearer <key>",
// X-API-Key and the apiKey query parameter. Browsers cannot set headers on a
// WebSocket handshake, hence the query fallback.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}
	if key := r.URL.Query().Get("apiKey"); key != "" {
		return key, nil
	}
	return "", ErrMissingCredentials
}

// Middleware rejects requests without a valid credential. A nil verifier
// lets everything through.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, err := CredentialFromRequest(r)
			if err == nil {
				err = v.Verify(cred)
			}
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ome-publisher"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
