// Package turnrest mints short-lived coturn "TURN REST" credentials so paired
// browsers can fall back to relayed candidates.
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL     = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix  = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidSession = errors.New("turnrest: session id must be non-empty and must not contain ':'")
)

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// SessionIDSource names anonymous sessions; defaults to random UUIDs.
	SessionIDSource func() string
}

type Generator struct {
	sharedSecret    []byte
	ttlSeconds      int64
	usernamePrefix  string
	now             func() time.Time
	sessionIDSource func() string
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTLSeconds <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	g := &Generator{
		sharedSecret:    []byte(cfg.SharedSecret),
		ttlSeconds:      cfg.TTLSeconds,
		usernamePrefix:  cfg.UsernamePrefix,
		now:             cfg.Now,
		sessionIDSource: cfg.SessionIDSource,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.sessionIDSource == nil {
		g.sessionIDSource = uuid.NewString
	}
	return g, nil
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidSession
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.sessionIDSource())
}

// Apply returns a copy of servers with creds set on every TURN entry. STUN
// entries are passed through unchanged.
func (c Credentials) Apply(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if HasTURNURL(server) {
			out[i].Username = c.Username
			out[i].Credential = c.Credential
		}
	}
	return out
}

// HasTURNURL reports whether any URL uses the turn or turns scheme.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
