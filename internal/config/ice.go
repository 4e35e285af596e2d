package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CONSULT_SIGNAL_ICE_SERVERS_JSON"
	envStunURLs       = "CONSULT_SIGNAL_STUN_URLS"
	// TURN servers whose credentials are minted per request from
	// TURN_REST_SHARED_SECRET. Static TURN credentials go in the JSON list.
	envTurnRESTURLs = "TURN_REST_URLS"
)

// iceSources is the raw ICE configuration before validation.
type iceSources struct {
	serversJSON  string
	stunURLs     string
	turnRESTURLs string
}

// buildICEServers assembles what browsers receive from /webrtc/ice: the
// explicit JSON list (or the STUN shorthand when no list is given), followed
// by one TURN entry for the TURN REST servers.
func buildICEServers(src iceSources, turnREST TurnRESTConfig) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if raw := strings.TrimSpace(src.serversJSON); raw != "" {
		parsed, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		servers = parsed
	} else if urls := splitCommaSeparated(src.stunURLs); len(urls) > 0 {
		for _, u := range urls {
			if _, err := parseICEURL(u, stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS); err != nil {
				return nil, fmt.Errorf("%s: %w", envStunURLs, err)
			}
		}
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}

	urls := splitCommaSeparated(src.turnRESTURLs)
	if len(urls) == 0 {
		return servers, nil
	}
	if !turnREST.Enabled() {
		return nil, fmt.Errorf("%s requires %s", envTurnRESTURLs, envVarTURNRESTSharedSecret)
	}
	for _, u := range urls {
		if _, err := parseICEURL(u, stun.SchemeTypeTURN, stun.SchemeTypeTURNS); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnRESTURLs, err)
		}
	}
	return append(servers, webrtc.ICEServer{URLs: urls}), nil
}

// iceServerEntry mirrors RTCIceServer as browsers accept it: urls may be a
// single string or a list.
type iceServerEntry struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

func (e iceServerEntry) urlList() ([]string, error) {
	var one string
	if err := json.Unmarshal(e.URLs, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(e.URLs, &many); err != nil {
		return nil, errors.New("urls must be a string or a list of strings")
	}
	return many, nil
}

// ParseICEServersJSON parses a static ICE server list. TURN entries must
// carry a username and credential; TURN servers that take minted
// credentials belong in TURN_REST_URLS instead.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var entries []iceServerEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		urls, err := e.urlList()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("iceServers[%d]: missing urls", i)
		}

		server := webrtc.ICEServer{Username: strings.TrimSpace(e.Username)}
		needsCredential := false
		for _, u := range urls {
			uri, err := parseICEURL(u)
			if err != nil {
				return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
			}
			if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
				needsCredential = true
			}
			server.URLs = append(server.URLs, strings.TrimSpace(u))
		}
		if cred := strings.TrimSpace(e.Credential); cred != "" {
			server.Credential = cred
		}
		if needsCredential && (server.Username == "" || server.Credential == nil) {
			return nil, fmt.Errorf("iceServers[%d]: turn urls require username and credential", i)
		}
		out = append(out, server)
	}
	return out, nil
}

// parseICEURL validates raw as a STUN/TURN URI (RFC 7064/7065). When schemes
// are given, the URI must use one of them.
func parseICEURL(raw string, schemes ...stun.SchemeType) (*stun.URI, error) {
	raw = strings.TrimSpace(raw)
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ice url %q: %w", raw, err)
	}
	if len(schemes) == 0 {
		return uri, nil
	}
	for _, s := range schemes {
		if uri.Scheme == s {
			return uri, nil
		}
	}
	return nil, fmt.Errorf("ice url %q: unexpected scheme %s", raw, uri.Scheme)
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
