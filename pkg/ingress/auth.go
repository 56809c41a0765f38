package ingress

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gati-run/gati/pkg/envelope"
	"github.com/gati-run/gati/pkg/passhash"
)

// Authenticator builds the opaque auth context for one inbound request, or
// rejects it. Admission failures never reach the queue fabric.
type Authenticator interface {
	Authenticate(r *http.Request) (*envelope.AuthContext, error)
}

// NoneAuthenticator admits every request with an unauthenticated context.
type NoneAuthenticator struct{}

// Authenticate implements Authenticator.
func (NoneAuthenticator) Authenticate(*http.Request) (*envelope.AuthContext, error) {
	return &envelope.AuthContext{}, nil
}

// APIKeyAuthenticator admits requests carrying the shared secret in a
// configured header. The secret is compared against an argon2id hash when
// one is configured, or in constant time against the plain value otherwise.
type APIKeyAuthenticator struct {
	Header     string
	SecretHash string // argon2id hash, preferred
	Secret     string // plain fallback for local development
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*envelope.AuthContext, error) {
	key := r.Header.Get(a.Header)
	if key == "" {
		return nil, fmt.Errorf("missing %s header", a.Header)
	}
	if a.SecretHash != "" {
		ok, err := passhash.VerifyPassword(key, a.SecretHash)
		if err != nil {
			return nil, fmt.Errorf("verifying api key: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("invalid api key")
		}
	} else if subtle.ConstantTimeCompare([]byte(key), []byte(a.Secret)) != 1 {
		return nil, fmt.Errorf("invalid api key")
	}
	return &envelope.AuthContext{Authenticated: true, Subject: "api-key"}, nil
}

// BearerAuthenticator admits requests carrying a JWT bearer token validated
// by the passhash JWT manager.
type BearerAuthenticator struct {
	Manager *passhash.JWTManager
}

// Authenticate implements Authenticator.
func (a *BearerAuthenticator) Authenticate(r *http.Request) (*envelope.AuthContext, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("authorization scheme must be Bearer")
	}
	claims, err := a.Manager.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &envelope.AuthContext{
		Authenticated: true,
		Subject:       claims.UserID,
		Roles:         claims.Roles,
		Claims: map[string]any{
			"username": claims.Username,
			"issuer":   claims.Issuer,
		},
	}, nil
}
