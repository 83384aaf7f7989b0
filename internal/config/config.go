package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/origin"
)

const (
	envVarListenAddr      = "AERO_PAIRING_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_PAIRING_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_PAIRING_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_PAIRING_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_PAIRING_RELAY_MODE"

	// Admin auth.
	envVarAuthMode  = "AUTH_MODE"
	envVarAPIKey    = "API_KEY"
	envVarJWTSecret = "JWT_SECRET"

	// Client WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarClientSendQueue               = "CLIENT_SEND_QUEUE"

	// Pairing engine.
	envVarMaxClients               = "MAX_CLIENTS"
	envVarWaitTimeout              = "WAIT_TIMEOUT"
	envVarConsistencyCheckInterval = "CONSISTENCY_CHECK_INTERVAL"
	envVarBroadcastUserCount       = "BROADCAST_USER_COUNT"

	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	// Optional cross-process fan-out.
	envVarRedisAddr          = "REDIS_ADDR"
	envVarRedisDB            = "REDIS_DB"
	envVarRedisChannelPrefix = "REDIS_CHANNEL_PREFIX"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultShutdown   = 15 * time.Second
	DefaultMode       = ModeDev
	DefaultAuthMode   = AuthModeAPIKey

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultClientSendQueue               = 256

	DefaultConsistencyCheckInterval = 30 * time.Second

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "aero"

	DefaultRedisChannelPrefix = "aero-pairing"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type RedisConfig struct {
	Addr          string
	DB            int
	ChannelPrefix string
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Admin endpoint auth.
	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	ClientSendQueue               int

	// MaxClients caps concurrently connected clients (0 = unlimited).
	MaxClients int
	// WaitTimeout removes unmatched waiters after this long (0 = never).
	WaitTimeout              time.Duration
	ConsistencyCheckInterval time.Duration
	// BroadcastUserCount sends every client the connected count whenever it
	// changes.
	BroadcastUserCount bool

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
	Redis      RedisConfig

	iceConfigErr error
}

// ICEConfigError reports a problem with the ICE server settings. It does not
// fail Load: pairing works without ICE servers, and /readyz reports the error.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authModeStr := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeStr = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	clientSendQueue, err := envIntOrDefault(lookup, envVarClientSendQueue, DefaultClientSendQueue)
	if err != nil {
		return Config{}, err
	}

	maxClients, err := envIntOrDefault(lookup, envVarMaxClients, 0)
	if err != nil {
		return Config{}, err
	}
	waitTimeout, err := envDurationOrDefault(lookup, envVarWaitTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	consistencyCheckInterval, err := envDurationOrDefault(lookup, envVarConsistencyCheckInterval, DefaultConsistencyCheckInterval)
	if err != nil {
		return Config{}, err
	}

	broadcastUserCount, err := envBoolOrDefault(lookup, envVarBroadcastUserCount, true)
	if err != nil {
		return Config{}, err
	}

	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	redisChannelPrefix := envOrDefault(lookup, envVarRedisChannelPrefix, DefaultRedisChannelPrefix)

	fs := flag.NewFlagSet("aero-webrtc-pairing-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Admin auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "Admin API key when --auth-mode=api_key (env "+envVarAPIKey+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for admin JWTs when --auth-mode=jwt (env "+envVarJWTSecret+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle client WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on client WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound client WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound client WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&clientSendQueue, "client-send-queue", clientSendQueue, "Outbound messages buffered per client before drops (env "+envVarClientSendQueue+")")

	fs.IntVar(&maxClients, "max-clients", maxClients, "Maximum concurrently connected clients (0 = unlimited)")
	fs.DurationVar(&waitTimeout, "wait-timeout", waitTimeout, "Drop unmatched waiters after this duration (0 = wait indefinitely; env "+envVarWaitTimeout+")")
	fs.DurationVar(&consistencyCheckInterval, "consistency-check-interval", consistencyCheckInterval, "How often to verify pairing state (0 = never; env "+envVarConsistencyCheckInterval+")")
	fs.BoolVar(&broadcastUserCount, "broadcast-user-count", broadcastUserCount, "Send every client the connected count when it changes (env "+envVarBroadcastUserCount+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (AERO_ICE_SERVERS_JSON)")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (AERO_STUN_URLS)")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (AERO_TURN_URLS)")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (AERO_TURN_USERNAME)")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (AERO_TURN_CREDENTIAL)")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for cross-process presence and alarm fan-out (empty = disabled; env "+envVarRedisAddr+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.StringVar(&redisChannelPrefix, "redis-channel-prefix", redisChannelPrefix, "Redis pub/sub channel prefix (env "+envVarRedisChannelPrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if clientSendQueue <= 0 {
		return Config{}, fmt.Errorf("%s/--client-send-queue must be > 0", envVarClientSendQueue)
	}
	if maxClients < 0 {
		return Config{}, fmt.Errorf("%s/--max-clients must be >= 0 (0 = unlimited)", envVarMaxClients)
	}
	if waitTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--wait-timeout must be >= 0 (0 = wait indefinitely)", envVarWaitTimeout)
	}
	if consistencyCheckInterval < 0 {
		return Config{}, fmt.Errorf("%s/--consistency-check-interval must be >= 0 (0 = never)", envVarConsistencyCheckInterval)
	}
	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}
	if redisDB < 0 {
		return Config{}, fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}
	if strings.TrimSpace(redisAddr) != "" && strings.TrimSpace(redisChannelPrefix) == "" {
		return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarRedisChannelPrefix, envVarRedisAddr)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		ClientSendQueue:               clientSendQueue,

		MaxClients:               maxClients,
		WaitTimeout:              waitTimeout,
		ConsistencyCheckInterval: consistencyCheckInterval,
		BroadcastUserCount:       broadcastUserCount,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
		Redis: RedisConfig{
			Addr:          strings.TrimSpace(redisAddr),
			DB:            redisDB,
			ChannelPrefix: redisChannelPrefix,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == origin.Wildcard {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
