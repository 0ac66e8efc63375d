package api

import (
	"errors"
	"net/http"
	"strings"
)

type (
	// Authenticator resolves the user behind a request. Implementations
	// validate session tokens; the API layer only needs the user identity.
	Authenticator interface {
		Authenticate(r *http.Request) (userID string, err error)
	}

	// AuthenticatorFunc adapts a function to the Authenticator contract.
	AuthenticatorFunc func(r *http.Request) (string, error)

	// StaticAuthenticator maps bearer tokens to user IDs. It backs local
	// development and the test suites; production deployments plug a session
	// validator behind the same contract.
	StaticAuthenticator map[string]string
)

// ErrUnauthenticated signals a missing or invalid credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) {
	return f(r)
}

// Authenticate resolves the bearer token against the static map.
func (a StaticAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", ErrUnauthenticated
	}
	userID, ok := a[token]
	if !ok {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// bearerToken extracts the token of an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}
