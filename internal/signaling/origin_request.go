package signaling

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/consult-signal/internal/origin"
)

// normalizedOriginFromRequest returns a canonical Origin value for r, used to
// label connection logs.
//
// With no Origin header (native clients, tests) the origin is derived from
// the Host and the scheme, honoring X-Forwarded-Proto.
func normalizedOriginFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if len(r.Header.Values("Origin")) > 1 {
		return ""
	}

	if h := strings.TrimSpace(r.Header.Get("Origin")); h != "" {
		if normalized, _, ok := origin.NormalizeHeader(h); ok {
			return normalized
		}
		return h
	}

	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	candidate := requestScheme(r) + "://" + host
	if normalized, _, ok := origin.NormalizeHeader(candidate); ok {
		return normalized
	}
	return candidate
}

func requestScheme(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		if i := strings.IndexByte(xf, ','); i >= 0 {
			xf = xf[:i]
		}
		switch xf = strings.TrimSpace(xf); {
		case strings.EqualFold(xf, "http"):
			return "http"
		case strings.EqualFold(xf, "https"):
			return "https"
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
