package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": ["stun:stun.example.com:3478"]},
	  {"urls": ["turn:turn.example.com:3478?transport=udp"], "username": "user", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SupportsSingleStringURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": "stun:stun.example.com:3478"}]`)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		raw     string
		wantErr string
	}{
		"turn without creds":      {raw: `[{"urls": ["turn:turn.example.com:3478"]}]`, wantErr: "username"},
		"turn without credential": {raw: `[{"urls": ["turns:turn.example.com"], "username": "u"}]`, wantErr: "credential"},
		"http scheme":             {raw: `[{"urls": ["http://example.com"]}]`, wantErr: "invalid url"},
		"missing urls":            {raw: `[{"username": "u"}]`, wantErr: "missing urls"},
		"malformed json":          {raw: `[{`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseICEServersJSON(tc.raw)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.wantErr != "" && !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:stun1.example.com:3478, stun:stun2.example.com:3478",
		"turn:turn.example.com:3478?transport=udp",
		"user",
		"pass",
	)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 2 || got[1] != "stun:stun2.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:turn.example.com", "", ""); err == nil {
		t.Fatalf("expected error for TURN without credentials")
	}
}

func TestParseICEServersFromValues_TURNRESTAllowsMissingCreds(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues("", "", "turn:turn.example.com:3478", "", "", true)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || servers[0].Credential != nil {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersFromValues_JSONWins(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues(`[{"urls":"stun:a.example.com"}]`, "stun:b.example.com", "", "", "", false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:a.example.com" {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}
