// Package turnrest issues short-lived TURN credentials for browsers joining a
// consultation, using the coturn "TURN REST API" scheme:
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The TURN server verifies the credential with the same shared secret, so no
// per-user state is kept here.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL     = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix  = errors.New("turnrest: username prefix must be non-empty and contain no ':'")
	ErrInvalidSession = errors.New("turnrest: session id must be non-empty and contain no ':'")
)

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now and SessionID default to the wall clock and random UUIDs.
	Now       func() time.Time
	SessionID func() string
}

type Generator struct {
	secret    []byte
	ttl       int64
	prefix    string
	now       func() time.Time
	sessionID func() string
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTLSeconds <= 0 {
		return nil, ErrInvalidTTL
	}
	if !validPart(cfg.UsernamePrefix) {
		return nil, ErrInvalidPrefix
	}
	g := &Generator{
		secret:    []byte(cfg.SharedSecret),
		ttl:       cfg.TTLSeconds,
		prefix:    cfg.UsernamePrefix,
		now:       cfg.Now,
		sessionID: cfg.SessionID,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.sessionID == nil {
		g.sessionID = uuid.NewString
	}
	return g, nil
}

// Generate signs credentials for sessionID, expiring TTLSeconds from now.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if !validPart(sessionID) {
		return Credentials{}, ErrInvalidSession
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		ExpiresAt:  time.Unix(expiry, 0).UTC(),
	}, nil
}

// GenerateRandom signs credentials for a fresh session ID.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.sessionID())
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validPart(s string) bool {
	return s != "" && !strings.Contains(s, ":")
}
