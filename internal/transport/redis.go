package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// redisEnvelope wraps a payload on the wire so receivers learn the origin.
// Content is base64 in the JSON form.
type redisEnvelope struct {
	Sender    string  `json:"sender"`
	Content   []byte  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// Redis is a brokered transport over Redis pub/sub. Every node subscribes to
// its own channel plus a shared broadcast channel; addresses are channel
// suffixes rather than host:port pairs, so peer management is a no-op.
type Redis struct {
	client    *redis.Client
	prefix    string
	ownSuffix string
	logger    *slog.Logger

	mu      sync.RWMutex
	handler Handler
	sub     *redis.PubSub
	cancel  context.CancelFunc
	started bool
}

// NewRedis creates a Redis transport. url is a redis:// URL, prefix
// namespaces the channels, and ownSuffix is this node's address on the
// broker (its own channel is prefix:ownSuffix).
func NewRedis(url, prefix, ownSuffix string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{
		client:    redis.NewClient(opts),
		prefix:    prefix,
		ownSuffix: ownSuffix,
		logger:    logger.With("component", "redis-transport"),
	}, nil
}

func (t *Redis) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Redis) Addr() string { return t.ownSuffix }

func (t *Redis) channel(suffix string) string { return t.prefix + ":" + suffix }

// Start subscribes to this node's channel and the broadcast channel.
func (t *Redis) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := t.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	subCtx, subCancel := context.WithCancel(context.Background())
	sub := t.client.Subscribe(subCtx, t.channel(t.ownSuffix), t.channel("broadcast"))
	if _, err := sub.Receive(ctx); err != nil {
		subCancel()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	t.mu.Lock()
	t.sub = sub
	t.cancel = subCancel
	t.started = true
	t.mu.Unlock()

	go t.readLoop(sub)
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()

	t.logger.Info("subscribed", "channel", t.channel(t.ownSuffix))
	return nil
}

func (t *Redis) Stop() error {
	t.mu.Lock()
	sub := t.sub
	cancel := t.cancel
	t.sub = nil
	t.cancel = nil
	t.started = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Close()
	}
	return t.client.Close()
}

// Send publishes to the peer's channel. addr is the peer's channel suffix;
// "*" maps to the shared broadcast channel.
func (t *Redis) Send(addr string, data []byte) error {
	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	if addr == "*" {
		addr = "broadcast"
	}

	env := redisEnvelope{
		Sender:    t.ownSuffix,
		Content:   data,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := t.client.Publish(ctx, t.channel(addr), raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", addr, err)
	}
	return nil
}

// ConnectPeer is a no-op: the broker owns connectivity.
func (t *Redis) ConnectPeer(string) error { return nil }

// DisconnectPeer is a no-op for the same reason.
func (t *Redis) DisconnectPeer(string) error { return nil }

func (t *Redis) readLoop(sub *redis.PubSub) {
	for msg := range sub.Channel() {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.logger.Warn("invalid envelope", "channel", msg.Channel, "error", err)
			continue
		}
		// Our own broadcasts echo back; skip them.
		if env.Sender == t.ownSuffix {
			continue
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(env.Content, env.Sender)
		}
	}
}
