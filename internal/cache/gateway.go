// Package cache wraps the optional redis backend so that every operation
// degrades to a miss or a no-op when the backend is absent or unhealthy.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"gasguard/internal/config"
	"gasguard/internal/metrics"
)

// State is the connection state owned by the gateway.
type State int32

const (
	StateDisabled State = iota
	StateDisconnected
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "DISABLED"
	}
}

const (
	defaultDialTimeout = 2 * time.Second
	defaultOpTimeout   = time.Second
	defaultRetryAfter  = 5 * time.Second
)

// Gateway is a fault-tolerant facade over a redis client.
type Gateway struct {
	client     *redis.Client
	prefix     string
	opTimeout  time.Duration
	retryAfter time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	state    atomic.Int32
	failedAt atomic.Int64
}

// New builds a gateway from cache configuration. A disabled configuration
// yields a gateway that stays disabled for the lifetime of the process.
func New(cfg config.CacheConfig, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		prefix:     cfg.KeyPrefix,
		opTimeout:  orDefault(cfg.OpTimeout, defaultOpTimeout),
		retryAfter: orDefault(cfg.RetryAfter, defaultRetryAfter),
		logger:     logger.With().Str("component", "cache").Logger(),
		now:        time.Now,
	}
	g.state.Store(int32(StateDisabled))

	if !cfg.Enabled {
		g.logger.Info().Msg("cache disabled; running without cache")
		return g
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		g.logger.Warn().Err(err).Msg("invalid cache url; running without cache")
		return g
	}
	dial := orDefault(cfg.DialTimeout, defaultDialTimeout)
	opts.DialTimeout = dial
	opts.ReadTimeout = g.opTimeout
	opts.WriteTimeout = g.opTimeout
	opts.PoolTimeout = g.opTimeout
	opts.MaxRetries = 1
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
		g.markConnected()
		return nil
	}

	g.client = redis.NewClient(opts)
	g.state.Store(int32(StateDisconnected))

	ctx, cancel := context.WithTimeout(context.Background(), dial)
	defer cancel()
	if err := g.client.Ping(ctx).Err(); err != nil {
		g.markFailed("ping", err)
		g.logger.Warn().Err(err).Msg("cache unreachable; continuing without cache")
		return g
	}
	g.markConnected()
	g.logger.Info().Str("addr", opts.Addr).Msg("cache connected")
	return g
}

// Client exposes the shared redis client, nil when the cache is disabled.
func (g *Gateway) Client() *redis.Client {
	return g.client
}

// Enabled reports whether a backend was configured at all.
func (g *Gateway) Enabled() bool {
	return g.client != nil
}

// State returns the current connection state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsAvailable reports whether cache operations are currently worth attempting.
// A failed gateway becomes available again once the retry window elapsed, so
// the next operation doubles as a connectivity probe.
func (g *Gateway) IsAvailable() bool {
	switch g.State() {
	case StateConnected:
		return true
	case StateFailed:
		return g.now().UnixNano()-g.failedAt.Load() >= int64(g.retryAfter)
	default:
		return false
	}
}

// Get returns the stored value and whether it was present.
func (g *Gateway) Get(ctx context.Context, key string) (string, bool) {
	if !g.IsAvailable() {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	val, err := g.client.Get(ctx, g.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		g.markConnected()
		return "", false
	}
	if err != nil {
		g.markFailed("get", err)
		return "", false
	}
	g.markConnected()
	return val, true
}

// Set stores a value without expiry.
func (g *Gateway) Set(ctx context.Context, key, value string) {
	g.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL stores a value that expires after ttl. A non-positive ttl keeps it forever.
func (g *Gateway) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) {
	if !g.IsAvailable() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := g.client.Set(ctx, g.key(key), value, ttl).Err(); err != nil {
		g.markFailed("set", err)
		return
	}
	g.markConnected()
}

// Delete removes a key.
func (g *Gateway) Delete(ctx context.Context, key string) {
	if !g.IsAvailable() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	if err := g.client.Del(ctx, g.key(key)).Err(); err != nil {
		g.markFailed("delete", err)
		return
	}
	g.markConnected()
}

// Increment atomically increments a counter, returning 0 when the cache is unusable.
func (g *Gateway) Increment(ctx context.Context, key string) int64 {
	if !g.IsAvailable() {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	n, err := g.client.Incr(ctx, g.key(key)).Result()
	if err != nil {
		g.markFailed("increment", err)
		return 0
	}
	g.markConnected()
	return n
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Key returns the namespaced key as stored in redis.
func (g *Gateway) Key(key string) string {
	return g.key(key)
}

func (g *Gateway) key(key string) string {
	if g.prefix == "" {
		return key
	}
	return g.prefix + ":" + key
}

func (g *Gateway) markConnected() {
	if g.client == nil {
		return
	}
	if prev := State(g.state.Swap(int32(StateConnected))); prev == StateFailed {
		g.logger.Info().Msg("cache connection restored")
	}
}

func (g *Gateway) markFailed(op string, err error) {
	g.failedAt.Store(g.now().UnixNano())
	g.state.Store(int32(StateFailed))
	metrics.CacheErrors.WithLabelValues(op).Inc()
	g.logger.Warn().Err(err).Str("op", op).Msg("cache operation failed; degrading")
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
