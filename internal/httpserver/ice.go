package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is the unix time at which minted TURN credentials stop working.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// handleICE returns the STUN/TURN list browsers pass to RTCPeerConnection.
// With TURN REST enabled every response carries freshly minted credentials.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSONError(w, http.StatusServiceUnavailable, "ice_misconfigured", err.Error())
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	resp := iceResponse{ICEServers: servers}

	if s.deps.TURNREST != nil {
		creds, err := s.deps.TURNREST.GenerateRandom()
		if err != nil {
			s.log.Error("mint turn credentials", "err", err)
			WriteJSONError(w, http.StatusInternalServerError, "turn_rest_failed", "failed to mint TURN credentials")
			return
		}
		resp.ICEServers = creds.Apply(servers)
		resp.ExpiresAt = creds.ExpiryUnix
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}
