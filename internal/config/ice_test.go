package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": "stun:stun.example.com:3478"},
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp", "turns:turn.example.com:5349"],
	    "username": "clinic",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("stun urls=%#v", got)
	}
	if servers[0].Credential != nil {
		t.Fatalf("stun credential=%#v, want none", servers[0].Credential)
	}
	if got := servers[1].URLs; len(got) != 2 {
		t.Fatalf("turn urls=%#v", got)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "pass" || servers[1].Username != "clinic" {
		t.Fatalf("turn auth=%q/%#v, want clinic/pass", servers[1].Username, servers[1].Credential)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not a list":           `{"urls":"stun:a"}`,
		"unknown field":        `[{"urls":"stun:a","credentialType":"oauth"}]`,
		"missing urls":         `[{"username":"u"}]`,
		"empty url list":       `[{"urls":[]}]`,
		"numeric urls":         `[{"urls":3478}]`,
		"non-ice scheme":       `[{"urls":"https://turn.example.com"}]`,
		"turn without creds":   `[{"urls":"turn:turn.example.com:3478"}]`,
		"turn without secret":  `[{"urls":"turns:turn.example.com","username":"u"}]`,
		"stun with query args": `[{"urls":"stun:stun.example.com?transport=udp"}]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseICEServersJSON(raw); err == nil {
				t.Fatalf("ParseICEServersJSON(%s) succeeded, want error", raw)
			}
		})
	}
}

func TestBuildICEServers_STUNShorthand(t *testing.T) {
	t.Parallel()

	servers, err := buildICEServers(iceSources{stunURLs: "stun:a.example.com:3478, stuns:b.example.com"}, TurnRESTConfig{})
	if err != nil {
		t.Fatalf("buildICEServers: %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 2 || servers[0].URLs[1] != "stuns:b.example.com" {
		t.Fatalf("servers=%+v", servers)
	}

	if _, err := buildICEServers(iceSources{stunURLs: "turn:t.example.com"}, TurnRESTConfig{}); err == nil || !strings.Contains(err.Error(), envStunURLs) {
		t.Fatalf("turn url in %s: err=%v", envStunURLs, err)
	}
}

func TestBuildICEServers_JSONTakesPrecedenceOverShorthand(t *testing.T) {
	t.Parallel()

	servers, err := buildICEServers(iceSources{
		serversJSON: `[{"urls":"stun:json.example.com"}]`,
		stunURLs:    "stun:shorthand.example.com",
	}, TurnRESTConfig{})
	if err != nil {
		t.Fatalf("buildICEServers: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com" {
		t.Fatalf("servers=%+v, want only the JSON entry", servers)
	}
}

func TestBuildICEServers_TURNRESTEntry(t *testing.T) {
	t.Parallel()

	src := iceSources{
		stunURLs:     "stun:stun.example.com",
		turnRESTURLs: "turn:turn.example.com:3478?transport=udp,turns:turn.example.com:5349",
	}
	servers, err := buildICEServers(src, TurnRESTConfig{SharedSecret: "s"})
	if err != nil {
		t.Fatalf("buildICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want stun entry plus turn entry", len(servers))
	}
	turn := servers[1]
	if len(turn.URLs) != 2 || turn.Username != "" || turn.Credential != nil {
		t.Fatalf("turn entry=%+v, want two urls and no static credentials", turn)
	}

	if _, err := buildICEServers(src, TurnRESTConfig{}); err == nil || !strings.Contains(err.Error(), envVarTURNRESTSharedSecret) {
		t.Fatalf("without shared secret: err=%v, want mention of %s", err, envVarTURNRESTSharedSecret)
	}
	src.turnRESTURLs = "stun:stun.example.com"
	if _, err := buildICEServers(src, TurnRESTConfig{SharedSecret: "s"}); err == nil {
		t.Fatalf("stun url in %s accepted", envTurnRESTURLs)
	}
}

func TestBuildICEServers_Empty(t *testing.T) {
	t.Parallel()

	servers, err := buildICEServers(iceSources{stunURLs: " , "}, TurnRESTConfig{SharedSecret: "s"})
	if err != nil || len(servers) != 0 {
		t.Fatalf("servers=%+v err=%v, want none", servers, err)
	}
}
