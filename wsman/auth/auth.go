// Package auth provides authentication handlers for WSMan connections.
package auth

import (
	"log/slog"
	"net/http"
)

// Authenticator defines the interface for authentication handlers.
type Authenticator interface {
	// Transport wraps an http.RoundTripper with authentication.
	Transport(base http.RoundTripper) http.RoundTripper

	// Name returns the authentication scheme name.
	Name() string
}

// Credentials holds authentication credentials.
type Credentials struct {
	// Username is the user name for authentication.
	Username string

	// Password is the password for authentication.
	Password string

	// Domain is the optional domain for NTLM authentication.
	Domain string
}

// LogValue implements slog.LogValuer so that logging Credentials never
// writes the password in plaintext.
func (c Credentials) LogValue() slog.Value {
	password := ""
	if c.Password != "" {
		password = "REDACTED"
	}
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", password),
		slog.String("domain", c.Domain),
	)
}
