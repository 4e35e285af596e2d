package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Unix(1_000_000, 0)

func testVerifier() jwtVerifier {
	return jwtVerifier{
		secret: []byte("secret"),
		now:    func() time.Time { return testNow },
		leeway: 30 * time.Second,
	}
}

func mustJWT(t *testing.T, secret string, header, claims map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return signRaw(secret, headerJSON, payloadJSON)
}

func signRaw(secret string, header, payload []byte) string {
	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(header) + "." + enc.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + enc.EncodeToString(mac.Sum(nil))
}

func hs256() map[string]any { return map[string]any{"alg": "HS256", "typ": "JWT"} }

func TestJWTVerifier_MapsSubjectAndName(t *testing.T) {
	token := mustJWT(t, "secret", hs256(), map[string]any{
		"iat":  testNow.Unix(),
		"exp":  testNow.Add(time.Minute).Unix(),
		"sub":  "patient-17",
		"name": "Ada Lovelace",
	})

	id, err := testVerifier().Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id != (Identity{UserID: "patient-17", DisplayName: "Ada Lovelace"}) {
		t.Fatalf("id=%+v", id)
	}
	if !id.Verified() {
		t.Fatalf("Verified()=false, want true")
	}
}

func TestJWTVerifier_NameIsOptional(t *testing.T) {
	token := mustJWT(t, "secret", hs256(), map[string]any{
		"exp": testNow.Add(time.Minute).Unix(),
		"sub": "dr-kal",
	})
	id, err := testVerifier().Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "dr-kal" || id.DisplayName != "" {
		t.Fatalf("id=%+v, want dr-kal with no name", id)
	}
}

func TestJWTVerifier_RejectsClaims(t *testing.T) {
	exp := testNow.Add(time.Minute).Unix()
	cases := map[string]map[string]any{
		"missing sub":       {"exp": exp},
		"empty sub":         {"exp": exp, "sub": ""},
		"numeric sub":       {"exp": exp, "sub": 17},
		"padded sub":        {"exp": exp, "sub": " patient-17"},
		"boolean name":      {"exp": exp, "sub": "p", "name": true},
		"empty name":        {"exp": exp, "sub": "p", "name": ""},
		"control char name": {"exp": exp, "sub": "p", "name": "Ada\nLovelace"},
		"overlong name":     {"exp": exp, "sub": "p", "name": strings.Repeat("é", maxDisplayNameRunes+1)},
		"missing exp":       {"sub": "p"},
		"non-numeric exp":   {"exp": "tomorrow", "sub": "p"},
		"fractional exp":    {"exp": 1.5e6 + 0.25, "sub": "p"},
		"non-numeric iat":   {"exp": exp, "iat": "yesterday", "sub": "p"},
		"expired":           {"exp": testNow.Add(-time.Minute).Unix(), "sub": "p"},
		"not yet valid":     {"exp": exp, "nbf": testNow.Add(time.Minute).Unix(), "sub": "p"},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			token := mustJWT(t, "secret", hs256(), claims)
			if _, err := testVerifier().Verify(token); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("err=%v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestJWTVerifier_LeewayCoversSmallSkew(t *testing.T) {
	v := testVerifier()
	token := mustJWT(t, "secret", hs256(), map[string]any{
		"exp": testNow.Add(-10 * time.Second).Unix(),
		"nbf": testNow.Add(10 * time.Second).Unix(),
		"sub": "p",
	})
	if _, err := v.Verify(token); err != nil {
		t.Fatalf("Verify within leeway: %v", err)
	}
	v.leeway = 0
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v without leeway, want ErrInvalidCredentials", err)
	}
}

func TestJWTVerifier_RejectsUnsupportedAlg(t *testing.T) {
	token := mustJWT(t, "secret", map[string]any{"alg": "none"}, map[string]any{"sub": "p"})
	if _, err := testVerifier().Verify(token); !errors.Is(err, ErrUnsupportedJWT) {
		t.Fatalf("err=%v, want ErrUnsupportedJWT", err)
	}
	if !IsCredentialError(ErrUnsupportedJWT) {
		t.Fatalf("IsCredentialError(ErrUnsupportedJWT)=false")
	}
}

func TestJWTVerifier_RejectsBadSignature(t *testing.T) {
	token := mustJWT(t, "wrong", hs256(), map[string]any{
		"exp": testNow.Add(time.Minute).Unix(),
		"sub": "p",
	})
	if _, err := testVerifier().Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
}

func TestJWTVerifier_RejectsMalformedTokens(t *testing.T) {
	valid := mustJWT(t, "secret", hs256(), map[string]any{
		"exp": testNow.Add(time.Minute).Unix(),
		"sub": "p",
	})
	parts := strings.Split(valid, ".")
	cases := map[string]string{
		"empty":         "",
		"one part":      "not-a-jwt",
		"two parts":     parts[0] + "." + parts[1],
		"four parts":    valid + ".x",
		"padded header": parts[0] + "=." + parts[1] + "." + parts[2],
		"short sig":     parts[0] + "." + parts[1] + "." + parts[2][:42],
		"oversized":     strings.Repeat("a", maxJWTLen+1),
		"trailing json": signRaw("secret", []byte(`{"alg":"HS256"}{}`), []byte(`{"sub":"p"}`)),
		"array payload": signRaw("secret", []byte(`{"alg":"HS256"}`), []byte(`["p"]`)),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := testVerifier().Verify(token); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("err=%v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestJWTVerifier_RejectsNonCanonicalSignature(t *testing.T) {
	valid := mustJWT(t, "secret", hs256(), map[string]any{
		"exp": testNow.Add(time.Minute).Unix(),
		"sub": "p",
	})
	// The last character of a 32-byte base64url value carries two unused
	// bits; flipping them decodes to the same bytes under a lenient decoder.
	last := valid[len(valid)-1]
	i := strings.IndexByte(base64URLAlphabet, last)
	tampered := valid[:len(valid)-1] + string(base64URLAlphabet[i^1])
	if _, err := testVerifier().Verify(tampered); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
}

const base64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

func TestAPIKeyVerifier(t *testing.T) {
	v, err := NewAPIKeyVerifier("current, previous ,")
	if err != nil {
		t.Fatalf("NewAPIKeyVerifier: %v", err)
	}
	for _, good := range []string{"current", "previous"} {
		if id, err := v.Verify(good); err != nil || id.Verified() {
			t.Fatalf("Verify(%q)=%+v, %v; want unverified identity, nil", good, id, err)
		}
	}
	for _, bad := range []string{"", "Current", "current,previous", " previous"} {
		if _, err := v.Verify(bad); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(%q) err=%v, want ErrInvalidCredentials", bad, err)
		}
	}
	if _, err := NewAPIKeyVerifier(" , "); err == nil {
		t.Fatalf("NewAPIKeyVerifier with no keys: want error")
	}
}
