package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/admin"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/alarm"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/turnrest"
)

const busPublishTimeout = 2 * time.Second

// app is the fully wired relay. Background goroutines stop when the context
// passed to newApp is done; Close waits for them.
type app struct {
	http     *httpserver.Server
	engine   *pairing.Engine
	hub      *signaling.Hub
	alarm    *alarm.Store
	presence *presence.Broadcaster
	peers    *presence.Peers
	metrics  *metrics.Metrics
	bus      *presence.RedisBus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure admin auth: %w", err)
	}

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("configure turn rest: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &app{
		metrics:  metrics.New(),
		presence: presence.NewBroadcaster(),
		peers:    presence.NewPeers(),
		alarm:    alarm.NewStore(nil),
		cancel:   cancel,
	}

	if cfg.Redis.Enabled() {
		a.bus, err = presence.NewRedisBus(ctx, presence.RedisConfig{
			Addr:          cfg.Redis.Addr,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		}, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	a.hub = signaling.NewHub(a.metrics, logger)
	a.engine = pairing.NewEngine(pairing.Config{
		Notifier:                 a.hub,
		Presence:                 a.presence,
		Metrics:                  a.metrics,
		Logger:                   logger,
		MaxClients:               cfg.MaxClients,
		WaitTimeout:              cfg.WaitTimeout,
		ConsistencyCheckInterval: cfg.ConsistencyCheckInterval,
		BroadcastUserCount:       cfg.BroadcastUserCount,
	})

	a.alarm.OnChange(func(st alarm.State, src alarm.Source) {
		a.hub.BroadcastAlarm(st)
		if src != alarm.SourceLocal || a.bus == nil {
			return
		}
		pubCtx, cancel := context.WithTimeout(ctx, busPublishTimeout)
		defer cancel()
		if err := a.bus.PublishAlarm(pubCtx, st); err != nil {
			logger.Warn("alarm publish failed", "err", err)
		}
	})

	a.http = httpserver.New(cfg, logger, build, httpserver.Deps{
		Alarm:    a.alarm,
		Metrics:  a.metrics,
		TURNREST: turnGen,
	})

	signaling.NewServer(signaling.Config{
		Engine:               a.engine,
		Hub:                  a.hub,
		Alarm:                a.alarm,
		Metrics:              a.metrics,
		Logger:               logger,
		AllowedOrigins:       cfg.AllowedOrigins,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueue:            cfg.ClientSendQueue,
	}).RegisterRoutes(a.http.Mux())

	admin.New(admin.Config{
		Engine:         a.engine,
		Presence:       a.presence,
		Peers:          a.peers,
		Alarm:          a.alarm,
		AuthMode:       cfg.AuthMode,
		Verifier:       verifier,
		AllowedOrigins: cfg.AllowedOrigins,
		PingInterval:   cfg.SignalingWSPingInterval,
		Metrics:        a.metrics,
		Logger:         logger,
	}).RegisterRoutes(a.http.Mux())

	a.goRun(func() { a.engine.Run(ctx) })
	if a.bus != nil {
		a.goRun(func() { a.bus.ForwardPresence(ctx, a.presence) })
		a.goRun(func() {
			a.bus.SubscribePresence(ctx, func(ps presence.PeerSnapshot) { a.peers.Publish(ps) })
		})
		a.goRun(func() {
			a.bus.SubscribeAlarms(ctx, func(st alarm.State) {
				if a.alarm.Apply(st) {
					logger.Info("alarm received from peer process", "active", st.Active)
				}
			})
		})
	}

	return a, nil
}

func (a *app) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Close stops background work and releases the redis connection.
func (a *app) Close() {
	a.cancel()
	a.wg.Wait()
	if a.bus != nil {
		_ = a.bus.Close()
	}
}
