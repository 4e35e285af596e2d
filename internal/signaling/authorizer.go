package signaling

import (
	"net/http"

	"github.com/wilsonzlin/consult-signal/internal/auth"
	"github.com/wilsonzlin/consult-signal/internal/config"
)

// Authorizer decides whether a signaling request may proceed and who is
// behind it. hello holds the credentials of a WebSocket {type:"auth"}
// message and is nil for the upgrade request itself; returning
// auth.ErrMissingCredentials for the upgrade makes the transport wait for
// that message.
type Authorizer interface {
	Authorize(r *http.Request, hello *auth.Credentials) (auth.Identity, error)
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request, *auth.Credentials) (auth.Identity, error) {
	return auth.Identity{}, nil
}

// AuthAuthorizer enforces AUTH_MODE for the signaling endpoints and for
// anything else that hands out call resources, such as TURN credentials.
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (AuthAuthorizer, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return AuthAuthorizer{mode: cfg.AuthMode}, nil
	}
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return AuthAuthorizer{}, err
	}
	return AuthAuthorizer{mode: cfg.AuthMode, verifier: v}, nil
}

// Authorize verifies the auth message credentials when given, otherwise the
// request's headers and query string.
func (a AuthAuthorizer) Authorize(r *http.Request, hello *auth.Credentials) (auth.Identity, error) {
	if a.mode == config.AuthModeNone {
		return auth.Identity{}, nil
	}
	creds := auth.FromRequest(r)
	if hello != nil && !hello.Empty() {
		creds = *hello
	}
	cred, err := creds.For(a.mode)
	if err != nil {
		return auth.Identity{}, err
	}
	return a.verifier.Verify(cred)
}

// AuthenticateRequest is Authorize for plain HTTP endpoints.
func (a AuthAuthorizer) AuthenticateRequest(r *http.Request) (auth.Identity, error) {
	return a.Authorize(r, nil)
}
