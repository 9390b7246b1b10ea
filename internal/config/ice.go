package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MESHCONF_ICE_SERVERS_JSON"

	envSTUNURLs       = "MESHCONF_STUN_URLS"
	envTURNURLs       = "MESHCONF_TURN_URLS"
	envTURNUsername   = "MESHCONF_TURN_USERNAME"
	envTURNCredential = "MESHCONF_TURN_CREDENTIAL"
)

// DefaultSTUNURLs are used when no ICE configuration is provided at all.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

func parseICEServers(lookup func(string) (string, bool)) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(envOrDefault(lookup, envICEServersJSON, "")); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	stunURLs := splitURLList(envOrDefault(lookup, envSTUNURLs, ""))
	turnURLs := splitURLList(envOrDefault(lookup, envTURNURLs, ""))
	turnUsername := strings.TrimSpace(envOrDefault(lookup, envTURNUsername, ""))
	turnCredential := strings.TrimSpace(envOrDefault(lookup, envTURNCredential, ""))

	if len(stunURLs) == 0 && len(turnURLs) == 0 {
		return []webrtc.ICEServer{{URLs: DefaultSTUNURLs}}, nil
	}

	var servers []webrtc.ICEServer
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}
	if len(turnURLs) > 0 {
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s requires %s and %s", envTURNURLs, envTURNUsername, envTURNCredential)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnURLs,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses the MESHCONF_ICE_SERVERS_JSON value: a JSON
// array of {urls, username, credential} objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			urls = append(urls, u)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("ice server %d has no urls", i)
		}
		out = append(out, webrtc.ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(server.Username),
			Credential: strings.TrimSpace(server.Credential),
		})
	}
	return out, nil
}

func splitURLList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
