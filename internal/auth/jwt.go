package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"time"
)

const maxJWTLen = 8 * 1024

// b64 rejects padding and non-zero trailing bits, so each token has exactly
// one accepted spelling.
var b64 = base64.RawURLEncoding.Strict()

// jwtVerifier accepts HS256 tokens minted by the clinic backend. The token
// must name the user (sub); name is optional and becomes the display name.
type jwtVerifier struct {
	secret []byte
	now    func() time.Time
	// leeway absorbs clock skew between the minting backend and this host.
	leeway time.Duration
}

func newJWTVerifier(secret string) jwtVerifier {
	return jwtVerifier{
		secret: []byte(secret),
		now:    time.Now,
		leeway: 30 * time.Second,
	}
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

type jwtClaims struct {
	Sub  *string      `json:"sub"`
	Name *string      `json:"name"`
	Exp  *json.Number `json:"exp"`
	Nbf  *json.Number `json:"nbf"`
	Iat  *json.Number `json:"iat"`
}

func (v jwtVerifier) Verify(token string) (Identity, error) {
	if token == "" || len(token) > maxJWTLen {
		return Identity{}, ErrInvalidCredentials
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, ErrInvalidCredentials
	}

	var header jwtHeader
	if err := decodeSegment(parts[0], &header); err != nil {
		return Identity{}, err
	}
	if header.Alg != "HS256" {
		return Identity{}, ErrUnsupportedJWT
	}

	sig, err := b64.DecodeString(parts[2])
	if err != nil || len(sig) != sha256.Size {
		return Identity{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Identity{}, ErrInvalidCredentials
	}

	var claims jwtClaims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return Identity{}, err
	}
	if err := v.checkTimes(claims); err != nil {
		return Identity{}, err
	}

	if claims.Sub == nil || !ValidUserID(*claims.Sub) {
		return Identity{}, ErrInvalidCredentials
	}
	id := Identity{UserID: *claims.Sub}
	if claims.Name != nil {
		if !ValidDisplayName(*claims.Name) {
			return Identity{}, ErrInvalidCredentials
		}
		id.DisplayName = *claims.Name
	}
	return id, nil
}

func (v jwtVerifier) checkTimes(c jwtClaims) error {
	now := v.now()
	if c.Exp == nil {
		return ErrInvalidCredentials
	}
	exp, err := unixTime(*c.Exp)
	if err != nil || !now.Before(exp.Add(v.leeway)) {
		return ErrInvalidCredentials
	}
	if c.Nbf != nil {
		nbf, err := unixTime(*c.Nbf)
		if err != nil || now.Add(v.leeway).Before(nbf) {
			return ErrInvalidCredentials
		}
	}
	if c.Iat != nil {
		if _, err := unixTime(*c.Iat); err != nil {
			return ErrInvalidCredentials
		}
	}
	return nil
}

// decodeSegment decodes one base64url JSON object and nothing after it.
func decodeSegment(seg string, out any) error {
	raw, err := b64.DecodeString(seg)
	if err != nil {
		return ErrInvalidCredentials
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return ErrInvalidCredentials
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrInvalidCredentials
	}
	return nil
}

func unixTime(n json.Number) (time.Time, error) {
	secs, err := n.Int64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}
