package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/alarm"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

const (
	subscribeBackoffMin = 100 * time.Millisecond
	subscribeBackoffMax = 5 * time.Second
)

type RedisConfig struct {
	Addr          string
	DB            int
	ChannelPrefix string
}

// envelope is the wire format on both channels. Origin lets a process skip
// its own messages.
type envelope struct {
	Origin   string            `json:"origin"`
	Presence *pairing.Snapshot `json:"presence,omitempty"`
	Alarm    *alarm.State      `json:"alarm,omitempty"`
}

// RedisBus shares presence snapshots and alarm changes between relay
// processes. Matching state is never shared.
type RedisBus struct {
	rdb    *redis.Client
	log    *slog.Logger
	prefix string
	origin string

	backoffMin time.Duration
	backoffMax time.Duration
}

// NewRedisBus connects to redis and verifies connectivity.
func NewRedisBus(ctx context.Context, cfg RedisConfig, log *slog.Logger) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, errors.New("presence: redis address is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "aero-pairing"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("presence: ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisBus{
		rdb:        rdb,
		log:        log,
		prefix:     prefix,
		origin:     uuid.NewString(),
		backoffMin: subscribeBackoffMin,
		backoffMax: subscribeBackoffMax,
	}, nil
}

func (b *RedisBus) PresenceChannel() string { return b.prefix + ":presence" }
func (b *RedisBus) AlarmChannel() string    { return b.prefix + ":alarm" }

func (b *RedisBus) PublishPresence(ctx context.Context, snap pairing.Snapshot) error {
	return b.publish(ctx, b.PresenceChannel(), envelope{Origin: b.origin, Presence: &snap})
}

func (b *RedisBus) PublishAlarm(ctx context.Context, st alarm.State) error {
	return b.publish(ctx, b.AlarmChannel(), envelope{Origin: b.origin, Alarm: &st})
}

func (b *RedisBus) publish(ctx context.Context, channel string, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, raw).Err()
}

// ForwardPresence publishes every snapshot seen by src until ctx is done.
func (b *RedisBus) ForwardPresence(ctx context.Context, src *Broadcaster) {
	snaps, cancel := src.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := b.PublishPresence(ctx, snap); err != nil && ctx.Err() == nil {
				b.log.Warn("presence publish failed", "channel", b.PresenceChannel(), "err", err)
			}
		}
	}
}

// SubscribeAlarms invokes fn for every alarm published by another process
// until ctx is done. It blocks, resubscribing with backoff when redis is
// unavailable.
func (b *RedisBus) SubscribeAlarms(ctx context.Context, fn func(alarm.State)) {
	b.subscribe(ctx, b.AlarmChannel(), func(env envelope) {
		if env.Alarm != nil {
			fn(*env.Alarm)
		}
	})
}

// SubscribePresence invokes fn for every snapshot published by another
// process until ctx is done. It blocks like SubscribeAlarms.
func (b *RedisBus) SubscribePresence(ctx context.Context, fn func(PeerSnapshot)) {
	b.subscribe(ctx, b.PresenceChannel(), func(env envelope) {
		if env.Presence != nil {
			fn(PeerSnapshot{Origin: env.Origin, Snapshot: *env.Presence})
		}
	})
}

func (b *RedisBus) subscribe(ctx context.Context, channel string, fn func(envelope)) {
	backoff := b.backoffMin
	for {
		if b.listen(ctx, channel, fn) {
			backoff = b.backoffMin
		}
		if ctx.Err() != nil {
			return
		}
		b.log.Warn("redis subscription lost; retrying", "channel", channel, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, b.backoffMax)
	}
}

// listen runs one subscription until it ends. It reports whether the
// subscription was established.
func (b *RedisBus) listen(ctx context.Context, channel string, fn func(envelope)) bool {
	pubsub := b.rdb.Subscribe(ctx, channel)
	defer func() { _ = pubsub.Close() }()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			b.log.Warn("redis subscribe failed", "channel", channel, "err", err)
		}
		return false
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("dropping malformed bus message", "channel", channel, "err", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			fn(env)
		}
	}
}

// Close shuts down the redis connection.
func (b *RedisBus) Close() error { return b.rdb.Close() }
