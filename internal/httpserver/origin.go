package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/consult-signal/internal/origin"
)

// Request headers a browser app may send cross-origin: credentials for the
// signaling and ICE endpoints, and a correlation ID.
const corsAllowHeaders = "Authorization, X-API-Key, X-Request-ID"

// withOriginPolicy refuses browser requests from origins outside
// ALLOWED_ORIGINS and answers CORS preflights for allowed ones. Requests
// without an Origin header (native apps, curl) pass through.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Origin"))
		if raw == "" {
			next(w, r)
			return
		}

		normalized, host, ok := origin.NormalizeHeader(raw)
		if !ok || !origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
			s.log.Warn("rejected request origin", "origin", raw, "path", r.URL.Path, "request_id", requestID(r))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", normalized)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", headerRequestID)
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}
