package httpserver

import (
	"net/http"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/consult-signal/internal/auth"
	"github.com/wilsonzlin/consult-signal/internal/turnrest"
)

// handleICE serves the ICE server list browsers pass to RTCPeerConnection.
// TURN credentials are call resources, so the endpoint sits behind the same
// credentials as signaling. With TURN REST enabled, TURN entries without
// static credentials get freshly signed ones.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
		return
	}

	creds, err := s.mintTURN(id)
	if err != nil {
		s.log.Error("failed to generate turn credentials", "err", err, "request_id", requestID(r))
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to generate turn credentials"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]any{
		"iceServers": withTURNRESTCredentials(servers, creds.Username, creds.Credential),
		"expiresAt":  creds.ExpiresAt.Format(time.RFC3339),
	})
}

// mintTURN ties the TURN username to the verified user when there is one, so
// relay usage in TURN server logs can be attributed to a participant.
func (s *Server) mintTURN(id auth.Identity) (turnrest.Credentials, error) {
	if id.Verified() {
		if creds, err := s.turn.Generate(id.UserID); err == nil {
			return creds, nil
		}
	}
	return s.turn.GenerateRandom()
}

func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if server.Username == "" && hasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u, err := stun.ParseURI(raw)
		if err == nil && (u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS) {
			return true
		}
	}
	return false
}
