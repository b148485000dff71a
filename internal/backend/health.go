package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nanjiek/dbd-gateway/internal/repo"
)

type cacheEntry struct {
	value     bool
	expiresAt int64
}

type failureCounter struct {
	count     int64
	expiresAt int64
}

// HealthTracker provides a two-level cache in front of Redis for "is this
// backend marked unhealthy" checks, and drives Pool.SetHealthy from both
// local failure observations and cluster-wide invalidation pushes.
type HealthTracker struct {
	repo          repo.Repo
	pool          *Pool
	localCache    sync.Map
	failures      sync.Map
	defaultTTL    time.Duration
	failThreshold int64
	failWindow    time.Duration
	unhealthyTTL  time.Duration
	updateChannel string
	logger        *slog.Logger
	cancel        context.CancelFunc

	isUnhealthy   func(ctx context.Context, id string) (bool, error)
	markUnhealthy func(ctx context.Context, id, value string) error
	clearMark     func(ctx context.Context, id string) error
	publish       func(ctx context.Context, channel, msg string) error
}

func healthKey(r repo.Repo, id string) string {
	return r.KeyBackend("health", id)
}

// HealthOption configures a HealthTracker at construction time.
type HealthOption func(*HealthTracker)

// WithFailThreshold overrides the number of tracking-window failures
// required before a backend is marked unhealthy. The default is 5.
func WithFailThreshold(n int64) HealthOption {
	return func(h *HealthTracker) { h.failThreshold = n }
}

// NewHealthTracker wires a HealthTracker to a Redis-backed Repo and the
// Pool it marks healthy/unhealthy. A nil repo disables the Redis tier:
// CheckBackend then answers from the local cache only and reports a
// backend with no cached entry as not unhealthy; it does not consult the
// pool.
func NewHealthTracker(r repo.Repo, pool *Pool, updateChannel string, logger *slog.Logger, opts ...HealthOption) *HealthTracker {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthTracker{
		repo:          r,
		pool:          pool,
		defaultTTL:    30 * time.Second,
		failThreshold: 5,
		failWindow:    time.Minute,
		unhealthyTTL:  2 * time.Minute,
		updateChannel: updateChannel,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	if r != nil {
		h.isUnhealthy = func(ctx context.Context, id string) (bool, error) {
			v, err := r.Get(ctx, healthKey(r, id))
			if err != nil {
				if errors.Is(err, goredis.Nil) {
					return false, nil
				}
				return false, err
			}
			return v == "unhealthy", nil
		}
		h.markUnhealthy = func(ctx context.Context, id, value string) error {
			return r.Set(ctx, healthKey(r, id), value)
		}
		h.clearMark = func(ctx context.Context, id string) error {
			return r.Delete(ctx, healthKey(r, id))
		}
		h.publish = func(ctx context.Context, channel, msg string) error {
			return r.PublishUpdate(ctx, msg)
		}
	}
	if r != nil && updateChannel != "" {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		go h.watchUpdates(ctx)
	}
	return h
}

// CheckBackend resolves whether id is currently considered unhealthy,
// checking the local cache before falling back to Redis. Any Redis error
// is treated as "unknown", not "healthy" — callers should fail safe by
// preferring a different backend when err != nil.
func (h *HealthTracker) CheckBackend(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	if val, ok := h.get(id); ok {
		return val, nil
	}
	if h.isUnhealthy == nil {
		return false, nil
	}
	unhealthy, err := h.isUnhealthy(ctx, id)
	if err != nil {
		h.logger.Error("backend health check failed", "backend", id, "err", err)
		return false, err
	}
	h.set(id, unhealthy)
	return unhealthy, nil
}

// RecordFailure tracks a dispatch failure against id, and once failures in
// the tracking window reach failThreshold, marks the backend unhealthy in
// the pool. When a Redis-backed repo is configured, the mark is also
// pushed cross-cluster; without one, the effect stays local to this
// process.
func (h *HealthTracker) RecordFailure(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if val, ok := h.get(id); ok && val {
		return
	}
	if h.incrFailures(id) < h.failThreshold {
		return
	}

	h.pool.SetHealthy(id, false)
	h.setWithTTL(id, true, h.unhealthyTTL)
	if h.markUnhealthy == nil {
		return
	}
	if err := h.markUnhealthy(ctx, id, "unhealthy"); err != nil {
		h.logger.Error("mark backend unhealthy failed", "backend", id, "err", err)
		return
	}
	h.publishUpdate(ctx, id)
}

// incrFailures bumps id's failure count within failWindow and returns the
// new total, resetting the window if it has expired.
func (h *HealthTracker) incrFailures(id string) int64 {
	now := time.Now().UnixNano()
	for {
		prev, loaded := h.failures.Load(id)
		if !loaded || prev.(failureCounter).expiresAt < now {
			next := failureCounter{count: 1, expiresAt: now + h.failWindow.Nanoseconds()}
			if loaded {
				if h.failures.CompareAndSwap(id, prev, next) {
					return next.count
				}
				continue
			}
			if _, loaded := h.failures.LoadOrStore(id, next); !loaded {
				return next.count
			}
			continue
		}
		cur := prev.(failureCounter)
		next := failureCounter{count: cur.count + 1, expiresAt: cur.expiresAt}
		if h.failures.CompareAndSwap(id, prev, next) {
			return next.count
		}
	}
}

// RecordRecovery clears a backend's unhealthy marker once a probe
// succeeds again.
func (h *HealthTracker) RecordRecovery(ctx context.Context, id string) {
	if id == "" {
		return
	}
	h.pool.SetHealthy(id, true)
	h.setWithTTL(id, false, h.defaultTTL)
	h.failures.Delete(id)
	if h.clearMark != nil {
		if err := h.clearMark(ctx, id); err != nil {
			h.logger.Warn("clear backend unhealthy marker failed", "backend", id, "err", err)
		}
		h.publishUpdate(ctx, id)
	}
}

func (h *HealthTracker) get(key string) (bool, bool) {
	if val, ok := h.localCache.Load(key); ok {
		entry := val.(cacheEntry)
		if time.Now().UnixNano() <= entry.expiresAt {
			return entry.value, true
		}
		h.localCache.Delete(key)
	}
	return false, false
}

func (h *HealthTracker) set(key string, value bool) {
	h.setWithTTL(key, value, h.defaultTTL)
}

func (h *HealthTracker) setWithTTL(key string, value bool, ttl time.Duration) {
	if ttl <= 0 {
		ttl = h.defaultTTL
	}
	h.localCache.Store(key, cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl).UnixNano(),
	})
}

func (h *HealthTracker) watchUpdates(ctx context.Context) {
	ch, closeSub := h.repo.Subscribe(ctx)
	defer closeSub()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				h.logger.Warn("backend health pubsub channel closed, stopping watcher")
				return
			}
			h.logger.Debug("received backend health invalidation", "channel", msg.Channel)
			h.clear()
		}
	}
}

func (h *HealthTracker) clear() {
	h.localCache.Range(func(key, value any) bool {
		h.localCache.Delete(key)
		return true
	})
}

func (h *HealthTracker) publishUpdate(ctx context.Context, id string) {
	if h.publish == nil || h.updateChannel == "" {
		return
	}
	if err := h.publish(ctx, h.updateChannel, "backend_health:"+id); err != nil {
		h.logger.Warn("backend health publish update failed", "backend", id, "err", err)
	}
}

// Close stops the update watcher.
func (h *HealthTracker) Close() {
	if h.cancel != nil {
		h.cancel()
	}
}
