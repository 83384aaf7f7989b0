package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/alarm"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/turnrest"
)

func startTestServer(t *testing.T, cfg config.Config, deps Deps) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, deps)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func getJSON(t *testing.T, url string, header http.Header, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(), Deps{})

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, baseURL+"/healthz", nil, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, baseURL+"/readyz", nil, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["ready"] != true {
			t.Fatalf("body=%v, want ready=true", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		var body BuildInfo
		resp := getJSON(t, baseURL+"/version", nil, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body.Commit != "abc" || body.BuildTime != "time" {
			t.Fatalf("body=%+v", body)
		}
	})

	t.Run("request id is echoed", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Request-ID", "req-123")
		resp := getJSON(t, baseURL+"/healthz", h, nil)
		if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
			t.Fatalf("X-Request-ID=%q, want req-123", got)
		}
	})
}

func TestWebRTCICE_StaticServers(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	}
	baseURL := startTestServer(t, cfg, Deps{})

	var body iceResponse
	resp := getJSON(t, baseURL+"/webrtc/ice", nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if len(body.ICEServers) != 2 || body.ICEServers[1].Username != "u" {
		t.Fatalf("iceServers=%+v", body.ICEServers)
	}
	if body.ExpiresAt != 0 {
		t.Fatalf("expiresAt=%d, want 0 without TURN REST", body.ExpiresAt)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q", got)
	}
}

func TestWebRTCICE_EmptyListEncodesAsArray(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(), Deps{})

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"iceServers":[]`) {
		t.Fatalf("body=%s", raw)
	}
}

func TestWebRTCICE_MintsTURNRESTCredentials(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:    "secret",
		TTLSeconds:      600,
		UsernamePrefix:  "aero",
		Now:             func() time.Time { return now },
		SessionIDSource: func() string { return "sess" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}
	baseURL := startTestServer(t, cfg, Deps{TURNREST: gen})

	var body iceResponse
	getJSON(t, baseURL+"/webrtc/ice", nil, &body)

	if body.ICEServers[0].Username != "" {
		t.Fatalf("stun entry got credentials: %+v", body.ICEServers[0])
	}
	wantUser := "1700000600:aero:sess"
	if body.ICEServers[1].Username != wantUser {
		t.Fatalf("username=%q, want %q", body.ICEServers[1].Username, wantUser)
	}
	if cred, _ := body.ICEServers[1].Credential.(string); cred == "" {
		t.Fatalf("missing credential: %+v", body.ICEServers[1])
	}
	if body.ExpiresAt != 1_700_000_600 {
		t.Fatalf("expiresAt=%d", body.ExpiresAt)
	}
}

func TestAlarmAndMetricsRoutes(t *testing.T) {
	store := alarm.NewStore(nil)
	store.Set(true, "planned maintenance")
	m := metrics.New()
	m.IncPairing()

	baseURL := startTestServer(t, baseConfig(), Deps{Alarm: store, Metrics: m})

	var st alarm.State
	resp := getJSON(t, baseURL+"/alarm", nil, &st)
	if resp.StatusCode != http.StatusOK || !st.Active || st.Message != "planned maintenance" {
		t.Fatalf("status=%d alarm=%+v", resp.StatusCode, st)
	}

	mresp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer mresp.Body.Close()
	raw, _ := io.ReadAll(mresp.Body)
	if !strings.Contains(string(raw), "aero_pairing_relay_pairings_total 1") {
		t.Fatalf("metrics body missing pairings counter:\n%s", raw)
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://chat.example"}
	baseURL := startTestServer(t, cfg, Deps{})

	t.Run("allowed origin gets cors headers", func(t *testing.T) {
		h := http.Header{}
		h.Set("Origin", "https://chat.example")
		resp := getJSON(t, baseURL+"/webrtc/ice", h, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://chat.example" {
			t.Fatalf("Access-Control-Allow-Origin=%q", got)
		}
	})

	t.Run("disallowed origin is forbidden", func(t *testing.T) {
		h := http.Header{}
		h.Set("Origin", "https://evil.example")
		var body errorResponse
		resp := getJSON(t, baseURL+"/webrtc/ice", h, &body)
		if resp.StatusCode != http.StatusForbidden || body.Code != "forbidden_origin" {
			t.Fatalf("status=%d body=%+v", resp.StatusCode, body)
		}
	})

	t.Run("no origin passes", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/healthz", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d", resp.StatusCode)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, baseURL+"/admin/alarm", nil)
		req.Header.Set("Origin", "https://chat.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("options: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status=%d", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://chat.example" {
			t.Fatalf("Access-Control-Allow-Origin=%q", got)
		}
	})
}

func TestRecoverMiddleware(t *testing.T) {
	srv := New(baseConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{}, Deps{})
	srv.Mux().HandleFunc("GET /panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	resp, err := http.Get("http://" + ln.Addr().String() + "/panic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
