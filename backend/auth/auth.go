package auth

import (
	"context"
	"net/http"

	"Node-sync/backend/peer"

	"golang.org/x/xerrors"
)

var (
	// ErrNoCredentials is returned when a request carries no token.
	ErrNoCredentials = xerrors.New("no credentials")
	// ErrInvalidCredentials is returned when a token does not verify.
	ErrInvalidCredentials = xerrors.New("invalid credentials")
	// ErrExpiredCredentials is returned when a token expired.
	ErrExpiredCredentials = xerrors.New("expired credentials")
)

// Authenticator resolves the user making an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Anonymous authenticates every request as the same user. It is used when
// authentication is disabled.
//
// - implements auth.Authenticator
type Anonymous struct {
	User string
}

// Authenticate implements auth.Authenticator
func (a Anonymous) Authenticate(r *http.Request) (string, error) {
	if a.User != "" {
		return a.User, nil
	}
	return "anonymous", nil
}

// AllowAll grants write access to every user on every document.
//
// - implements peer.Authorizer
type AllowAll struct{}

// CanAccess implements peer.Authorizer
func (AllowAll) CanAccess(context.Context, string, string, peer.AccessMode) (bool, error) {
	return true, nil
}
