package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nanjiek/dbd-gateway/internal/config"
)

// Key templates for the three configuration-like object spaces this
// gateway republishes through dbd containers.
const (
	keyFlagTmpl      = "%s:flag:{%s}"
	keyFlagScanTmpl  = "%s:flag:*"
	keyRouteTmpl     = "%s:route:{%s}"
	keyRouteScanTmpl = "%s:route:*"
	keyBackendTmpl     = "%s:backend:{%s}:{%s}"
	keyBackendScanTmpl = "%s:backend:{%s}:*"
)

// Repo abstracts the Redis-backed source of truth for flags, routes and
// backends, so the refresh path can be exercised in tests without a real
// cluster.
type Repo interface {
	KeyFlag(key string) string
	KeyRoute(id string) string
	KeyBackend(poolID, backendID string) string

	ScanFlags(ctx context.Context) (map[string]string, error)
	ScanRoutes(ctx context.Context) (map[string]string, error)
	ScanBackends(ctx context.Context, poolID string) (map[string]string, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	PublishUpdate(ctx context.Context, topic string) error
	Subscribe(ctx context.Context) (<-chan *redis.Message, func() error)

	Close() error
}

// RedisRepo is the production Repo backed by a Redis Cluster client,
// grounded on the teacher's cluster-options and SCAN-over-cursor style.
type RedisRepo struct {
	Prefix         string
	UpdateChannel  string
	Cli            *redis.ClusterClient
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// NewRedis builds a RedisRepo with functional options, pinging the cluster
// once before returning so a misconfigured endpoint fails fast at startup.
func NewRedis(cfg *config.Config, logger *slog.Logger, opts ...Option) (Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &RedisRepo{
		Prefix:         cfg.Redis.Prefix,
		UpdateChannel:  cfg.Redis.UpdatesChannel,
		logger:         logger,
		defaultTimeout: 200 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(r)
	}

	addrs := normalizeAddrs(cfg.Redis)
	if len(addrs) == 0 {
		return nil, errors.New("no redis addresses configured")
	}

	clusterOpts := buildClusterOptions(cfg.Redis)
	r.Cli = redis.NewClusterClient(clusterOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Cli.Ping(ctx).Err(); err != nil {
		logger.Error("redis cluster ping failed", "err", err)
		return nil, fmt.Errorf("redis cluster connect failed: %w", err)
	}

	return r, nil
}

// Option configures a RedisRepo at construction time.
type Option func(*RedisRepo)

// WithDefaultTimeout overrides the per-command timeout applied when the
// caller's context carries no deadline of its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RedisRepo) { r.defaultTimeout = d }
}

func (r *RedisRepo) withTimeout(ctx context.Context, opTimeout time.Duration) (context.Context, context.CancelFunc) {
	if opTimeout == 0 {
		opTimeout = r.defaultTimeout
	}
	return context.WithTimeout(ctx, opTimeout)
}

func (r *RedisRepo) KeyFlag(key string) string {
	return fmt.Sprintf(keyFlagTmpl, r.Prefix, key)
}

func (r *RedisRepo) KeyRoute(id string) string {
	return fmt.Sprintf(keyRouteTmpl, r.Prefix, id)
}

func (r *RedisRepo) KeyBackend(poolID, backendID string) string {
	return fmt.Sprintf(keyBackendTmpl, r.Prefix, poolID, backendID)
}

// ScanFlags bulk-loads every flag key using SCAN (never KEYS) over the
// cluster, the way the teacher's rule cache bootstraps from Redis.
func (r *RedisRepo) ScanFlags(ctx context.Context) (map[string]string, error) {
	return r.scanPrefix(ctx, fmt.Sprintf(keyFlagScanTmpl, r.Prefix))
}

// ScanRoutes bulk-loads every route key.
func (r *RedisRepo) ScanRoutes(ctx context.Context) (map[string]string, error) {
	return r.scanPrefix(ctx, fmt.Sprintf(keyRouteScanTmpl, r.Prefix))
}

// ScanBackends bulk-loads every backend key belonging to poolID.
func (r *RedisRepo) ScanBackends(ctx context.Context, poolID string) (map[string]string, error) {
	return r.scanPrefix(ctx, fmt.Sprintf(keyBackendScanTmpl, r.Prefix, poolID))
}

func (r *RedisRepo) scanPrefix(parentCtx context.Context, pattern string) (map[string]string, error) {
	ctx, cancel := r.withTimeout(parentCtx, 2*time.Second)
	defer cancel()

	out := make(map[string]string)
	err := r.Cli.ForEachMaster(ctx, func(ctx context.Context, shard *redis.Client) error {
		var cursor uint64
		for {
			keys, next, err := shard.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				return fmt.Errorf("scan %s: %w", pattern, err)
			}
			if len(keys) > 0 {
				vals, err := shard.MGet(ctx, keys...).Result()
				if err != nil {
					return fmt.Errorf("mget for pattern %s: %w", pattern, err)
				}
				for i, k := range keys {
					if s, ok := vals[i].(string); ok {
						out[k] = s
					}
				}
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get reads a single key, returning redis.Nil (wrapped) when absent.
func (r *RedisRepo) Get(parentCtx context.Context, key string) (string, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.Get(ctx, key).Result()
}

// Set writes a single key, used for single-object admin updates.
func (r *RedisRepo) Set(parentCtx context.Context, key, value string) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.Set(ctx, key, value, 0).Err()
}

// Delete removes a single key.
func (r *RedisRepo) Delete(parentCtx context.Context, key string) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.Del(ctx, key).Err()
}

// PublishUpdate notifies all subscribers (every worker's refresh goroutine)
// that the snapshot should be reloaded.
func (r *RedisRepo) PublishUpdate(parentCtx context.Context, topic string) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	if err := r.Cli.Publish(ctx, r.UpdateChannel, topic).Err(); err != nil {
		return fmt.Errorf("publish update %q: %w", topic, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the update channel. The
// returned close func must be called once the caller stops consuming.
func (r *RedisRepo) Subscribe(ctx context.Context) (<-chan *redis.Message, func() error) {
	sub := r.Cli.Subscribe(ctx, r.UpdateChannel)
	return sub.Channel(), sub.Close
}

func (r *RedisRepo) Close() error {
	return r.Cli.Close()
}

func normalizeAddrs(cfg config.RedisCfg) []string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	if cfg.Addr == "" {
		return nil
	}
	parts := strings.Split(cfg.Addr, ",")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func buildClusterOptions(cfg config.RedisCfg) *redis.ClusterOptions {
	return &redis.ClusterOptions{
		Addrs:          normalizeAddrs(cfg),
		Password:       cfg.Password,
		ReadOnly:       false,
		RouteByLatency: true,
		PoolSize:       max(cfg.PoolSize, 100),
		MinIdleConns:   max(cfg.MinIdleConns, 10),
		DialTimeout:    durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:    durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout:   durationOrDefault(cfg.WriteTimeoutMs, 800),
		MaxRetries:     max(cfg.MaxRetries, 2),
	}
}

func max(val, def int) int {
	if val > def {
		return val
	}
	return def
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}
