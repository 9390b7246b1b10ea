package config

import (
	"testing"
)

func TestParseICEServers_DefaultSTUN(t *testing.T) {
	servers, err := parseICEServers(lookupFromMap(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers = %v, want one default entry", servers)
	}
	if len(servers[0].URLs) != 3 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("urls = %v", servers[0].URLs)
	}
}

func TestParseICEServers_JSON(t *testing.T) {
	raw := `[{"urls": "stun:stun.example.com:3478"}, {"urls": ["turn:turn.example.com:3478"], "username": "u", "credential": "c"}]`
	servers, err := parseICEServers(lookupFromMap(map[string]string{"MESHCONF_ICE_SERVERS_JSON": raw}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %v", servers)
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("first urls = %v", servers[0].URLs)
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Fatalf("turn credentials not carried: %+v", servers[1])
	}
}

func TestParseICEServers_JSONInvalid(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":   "stun:stun.example.com",
		"empty urls": `[{"urls": []}]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseICEServers(lookupFromMap(map[string]string{"MESHCONF_ICE_SERVERS_JSON": raw}))
			if err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseICEServers_ConvenienceEnv(t *testing.T) {
	servers, err := parseICEServers(lookupFromMap(map[string]string{
		"MESHCONF_STUN_URLS":       "stun:a.example.com:3478, stun:b.example.com:3478",
		"MESHCONF_TURN_URLS":       "turn:t.example.com:3478",
		"MESHCONF_TURN_USERNAME":   "user",
		"MESHCONF_TURN_CREDENTIAL": "pass",
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %v", servers)
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("stun urls = %v", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Fatalf("turn username = %q", servers[1].Username)
	}
}

func TestParseICEServers_TURNRequiresCredentials(t *testing.T) {
	_, err := parseICEServers(lookupFromMap(map[string]string{
		"MESHCONF_TURN_URLS": "turn:t.example.com:3478",
	}))
	if err == nil {
		t.Fatalf("expected error for TURN urls without credentials")
	}
}
