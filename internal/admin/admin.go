// Package admin serves the authenticated operator surface: live presence
// observation and the global alarm.
package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/alarm"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/presence"
)

const (
	wsWriteWait = 1 * time.Second

	maxAlarmBodyBytes    = 4 << 10
	maxAlarmMessageRunes = 500
)

// Observer is the read side of pairing.Engine.
type Observer interface {
	Observe() pairing.Snapshot
	Snapshot() pairing.Snapshot
}

type Config struct {
	Engine   Observer
	Presence *presence.Broadcaster
	// Peers is presence from other relay processes. Nil when running alone.
	Peers *presence.Peers
	Alarm *alarm.Store

	AuthMode config.AuthMode
	Verifier auth.Verifier

	AllowedOrigins []string
	PingInterval   time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Handler struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = auth.AllowAll{}
	}
	h := &Handler{cfg: cfg, log: cfg.Logger}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := origin.CheckRequest(r, cfg.AllowedOrigins)
			return ok
		},
	}
	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /admin/observe", h.requireAuth(http.HandlerFunc(h.handleObserve)))
	mux.Handle("GET /admin/presence", h.requireAuth(http.HandlerFunc(h.handlePresence)))
	mux.Handle("GET /admin/alarm", h.requireAuth(http.HandlerFunc(h.handleGetAlarm)))
	mux.Handle("POST /admin/alarm", h.requireAuth(http.HandlerFunc(h.handleSetAlarm)))
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := auth.CredentialFromRequest(h.cfg.AuthMode, r)
		if err == nil {
			err = h.cfg.Verifier.Verify(cred)
		}
		if err != nil {
			h.cfg.Metrics.IncAuthFailure()
			h.log.Warn("admin auth failed", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "err", err)
			if errors.Is(err, auth.ErrMissingCredentials) {
				httpserver.WriteJSONError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
				return
			}
			httpserver.WriteJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, h.cfg.Engine.Snapshot())
}

func (h *Handler) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, h.cfg.Alarm.Get())
}

type setAlarmRequest struct {
	Active  bool   `json:"active"`
	Message string `json:"message"`
}

func (h *Handler) handleSetAlarm(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAlarmBodyBytes))
	if err != nil {
		httpserver.WriteJSONError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}
	var req setAlarmRequest
	if err := decodeStrictJSON(body, &req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if n := len([]rune(req.Message)); n > maxAlarmMessageRunes {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("message is %d characters; max %d", n, maxAlarmMessageRunes))
		return
	}

	st := h.cfg.Alarm.Set(req.Active, req.Message)
	h.log.Info("alarm set", "active", st.Active, "message", st.Message, "remote_addr", r.RemoteAddr)
	httpserver.WriteJSON(w, http.StatusOK, st)
}

// presenceMessage carries this process's snapshot, or a peer's when Origin is
// set.
type presenceMessage struct {
	Type     string           `json:"type"`
	Origin   string           `json:"origin,omitempty"`
	Snapshot pairing.Snapshot `json:"snapshot"`
}

// handleObserve streams presence snapshots, local and from peer processes,
// until the observer disconnects. Slow observers skip intermediate snapshots.
func (h *Handler) handleObserve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	snaps, cancel := h.cfg.Presence.Subscribe()
	defer cancel()
	var peers <-chan presence.PeerSnapshot
	if h.cfg.Peers != nil {
		ch, cancelPeers := h.cfg.Peers.Subscribe()
		defer cancelPeers()
		peers = ch
	}
	h.cfg.Metrics.AddPresenceObservers(1)
	defer h.cfg.Metrics.AddPresenceObservers(-1)
	h.log.Info("admin observer connected", "remote_addr", r.RemoteAddr)

	// Forces a publish so the observer starts from the current state even if
	// the broadcaster has not seen one yet.
	h.cfg.Engine.Observe()

	// Observers only listen; reading drives control frames and detects close.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var ping <-chan time.Time
	if h.cfg.PingInterval > 0 {
		t := time.NewTicker(h.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	write := func(msg presenceMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}

	for {
		select {
		case <-readDone:
			h.log.Info("admin observer disconnected", "remote_addr", r.RemoteAddr)
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := write(presenceMessage{Type: "presence", Snapshot: snap}); err != nil {
				return
			}
		case ps, ok := <-peers:
			if !ok {
				return
			}
			if err := write(presenceMessage{Type: "presence", Origin: ps.Origin, Snapshot: ps.Snapshot}); err != nil {
				return
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
