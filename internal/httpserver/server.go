package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/consult-signal/internal/auth"
	"github.com/wilsonzlin/consult-signal/internal/config"
	"github.com/wilsonzlin/consult-signal/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Authenticator gates endpoints that hand out call resources, such as TURN
// credentials. A nil Authenticator leaves them open.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (auth.Identity, error)
}

// Server hosts the operational endpoints and /webrtc/ice; the signaling
// package registers its routes on the same mux.
type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	authn Authenticator

	// turn is nil unless TURN REST credentials are configured.
	turn *turnrest.Generator

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, authn Authenticator) (*Server, error) {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		authn: authn,
		mux:   http.NewServeMux(),
	}
	if cfg.TURNREST.Enabled() {
		g, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
		s.turn = g
	}

	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe(s.log, s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		// Write/idle timeouts stay zero: /signal upgrades to a long-lived
		// WebSocket with its own deadlines.
	}
	return s, nil
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// OriginScoped returns a registrar whose handlers run behind the browser
// origin policy. Like Mux, it must only be used during startup.
func (s *Server) OriginScoped() *OriginScopedMux {
	return &OriginScopedMux{s: s}
}

type OriginScopedMux struct {
	s *Server
}

// HandleFunc registers handler behind the origin policy. A GET pattern also
// gets an OPTIONS route so browsers can preflight it.
func (m *OriginScopedMux) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.s.mux.HandleFunc(pattern, m.s.withOriginPolicy(handler))
	if method, path, ok := strings.Cut(pattern, " "); ok && method == http.MethodGet {
		m.s.mux.HandleFunc(http.MethodOptions+" "+path, m.s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Allow", "GET, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
		}))
	}
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.OriginScoped().HandleFunc("GET /webrtc/ice", s.handleICE)
}

// authenticate runs the configured Authenticator and writes the error
// response itself when the request is refused.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if s.authn == nil {
		return auth.Identity{}, true
	}
	id, err := s.authn.AuthenticateRequest(r)
	switch {
	case err == nil:
		return id, true
	case auth.IsCredentialError(err):
		s.log.Info("rejected unauthenticated request", "path", r.URL.Path, "err", err, "request_id", requestID(r))
		w.Header().Set("WWW-Authenticate", `Bearer realm="consult-signal"`)
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
	default:
		s.log.Error("request authentication failed", "path", r.URL.Path, "err", err, "request_id", requestID(r))
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "authentication failed"})
	}
	return auth.Identity{}, false
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
