package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// parseICEServersFromValues prefers the JSON form and falls back to the
// convenience variables. With TURN REST enabled, TURN entries may omit static
// credentials because /webrtc/ice mints them per request.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err := parseICEServersJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}
	return parseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, turnREST)
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

// ParseICEServersJSON parses and validates AERO_ICE_SERVERS_JSON. TURN entries
// must carry static credentials.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		pcServer := webrtc.ICEServer{
			URLs:     splitTrimmed(server.URLs),
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}

		if err := validateICEServer(pcServer, turnREST); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from the
// comma-separated AERO_STUN_URLS / AERO_TURN_URLS variables.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	return parseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, false)
}

func parseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if !turnREST && (turnUsername == "" || turnCredential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}

		server := webrtc.ICEServer{
			URLs:     turnList,
			Username: turnUsername,
		}
		if turnCredential != "" {
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return splitTrimmed(strings.Split(value, ","))
}

func splitTrimmed(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// validateICEServer checks every URL with the STUN/TURN URI grammar and
// requires credentials on TURN entries unless they are minted per request.
func validateICEServer(server webrtc.ICEServer, turnREST bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds && !turnREST {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}
