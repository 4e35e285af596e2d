// Package auth verifies the credentials clinic and patient apps present to
// the signaling service and turns them into a participant identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wilsonzlin/consult-signal/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedJWT     = errors.New("unsupported jwt")
)

// IsCredentialError reports whether err is the client's fault (missing,
// wrong or unsupported credentials) rather than a server misconfiguration.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrUnsupportedJWT)
}

// Identity is who a credential speaks for. API keys authenticate an app, not
// a person, so they yield the zero Identity.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verified reports whether the identity came from a signed claim and must
// not be replaced by anything the client says later.
func (id Identity) Verified() bool {
	return id.UserID != ""
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

// NewVerifier returns the verifier for cfg.AuthMode. AuthModeNone has no
// verifier; callers skip verification entirely.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return NewAPIKeyVerifier(cfg.APIKey)
	case config.AuthModeJWT:
		return newJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// Credentials is everything a client presented, before the auth mode decides
// which of it counts.
type Credentials struct {
	APIKey string
	Token  string
}

// FromRequest collects credentials from an HTTP request. Headers win over the
// query string: an Authorization "Bearer" value is a token, an "ApiKey"
// value or X-API-Key header is an API key, and ?token= / ?apiKey= fill
// whatever is still empty. Browsers cannot set headers on a WebSocket
// upgrade, hence the query fallback.
func FromRequest(r *http.Request) Credentials {
	var c Credentials
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		value = strings.TrimSpace(value)
		switch strings.ToLower(scheme) {
		case "bearer":
			c.Token = value
		case "apikey":
			c.APIKey = value
		}
	}
	if c.APIKey == "" {
		c.APIKey = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}
	q := r.URL.Query()
	if c.APIKey == "" {
		c.APIKey = strings.TrimSpace(q.Get("apiKey"))
	}
	if c.Token == "" {
		c.Token = strings.TrimSpace(q.Get("token"))
	}
	return c
}

// Empty reports whether no credential was presented at all.
func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.Token == ""
}

// For picks the credential that mode verifies. The other field is accepted
// as an alias so a client keeps working when the server switches between
// api_key and jwt.
func (c Credentials) For(mode config.AuthMode) (string, error) {
	var primary, alias string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		primary, alias = c.APIKey, c.Token
	case config.AuthModeJWT:
		primary, alias = c.Token, c.APIKey
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	switch {
	case primary != "":
		return primary, nil
	case alias != "":
		return alias, nil
	default:
		return "", ErrMissingCredentials
	}
}

const (
	maxUserIDBytes      = 256
	maxDisplayNameRunes = 128
)

// ValidUserID accepts opaque identifiers from the identity provider: non-empty,
// bounded, no surrounding whitespace or control characters.
func ValidUserID(s string) bool {
	return s != "" && len(s) <= maxUserIDBytes && printable(s)
}

// ValidDisplayName accepts what a call screen can show next to a video tile.
func ValidDisplayName(s string) bool {
	return s != "" && utf8.RuneCountInString(s) <= maxDisplayNameRunes && printable(s)
}

func printable(s string) bool {
	if !utf8.ValidString(s) || s != strings.TrimSpace(s) {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
