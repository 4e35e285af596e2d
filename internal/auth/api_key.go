package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// APIKeyVerifier accepts any of a set of shared keys. API_KEY may list
// several, comma separated, so a key can be rotated without a window where
// deployed apps are locked out.
type APIKeyVerifier struct {
	keys [][]byte
}

func NewAPIKeyVerifier(raw string) (APIKeyVerifier, error) {
	var v APIKeyVerifier
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	if len(v.keys) == 0 {
		return APIKeyVerifier{}, errors.New("api key auth requires at least one key")
	}
	return v, nil
}

// Verify compares against every configured key so timing does not reveal
// which one matched.
func (v APIKeyVerifier) Verify(apiKey string) (Identity, error) {
	if apiKey == "" {
		return Identity{}, ErrInvalidCredentials
	}
	match := 0
	for _, k := range v.keys {
		match |= subtle.ConstantTimeCompare([]byte(apiKey), k)
	}
	if match != 1 {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{}, nil
}
