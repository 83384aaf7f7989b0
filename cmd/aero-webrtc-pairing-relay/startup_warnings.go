package main

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/turnrest"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none leaves the admin endpoints unauthenticated",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxClients <= 0 {
		logger.Warn("startup security warning: MAX_CLIENTS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_clients_unlimited_in_prod",
			"max_clients", cfg.MaxClients,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (client messages are not rate limited)",
			"warning_code", "signaling_rate_limit_disabled",
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() {
		return
	}
	for _, server := range cfg.ICEServers {
		if !turnrest.HasTURNURL(server) || strings.TrimSpace(server.Username) == "" {
			continue
		}
		logger.Warn("startup security warning: static TURN credentials are served to every browser; prefer TURN_REST_SHARED_SECRET",
			"warning_code", "static_turn_credentials",
			"turn_urls", server.URLs,
			"mode", cfg.Mode,
		)
	}
}
