package backend

import (
	"context"
	"log/slog"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nanjiek/dbd-gateway/internal/config"
)

// stubRepo is a non-nil repo.Repo whose methods are never reached in these
// tests — HealthTracker routes all Redis access through its injected
// function fields, which are overridden below. It is assigned to h.repo
// only so the tracker looks like one built with a Redis tier;
// RecordFailure and RecordRecovery consult the function fields, not h.repo.
type stubRepo struct{}

func (stubRepo) KeyFlag(string) string                            { return "" }
func (stubRepo) KeyRoute(string) string                           { return "" }
func (stubRepo) KeyBackend(string, string) string                 { return "" }
func (stubRepo) ScanFlags(context.Context) (map[string]string, error)    { return nil, nil }
func (stubRepo) ScanRoutes(context.Context) (map[string]string, error)   { return nil, nil }
func (stubRepo) ScanBackends(context.Context, string) (map[string]string, error) { return nil, nil }
func (stubRepo) Get(context.Context, string) (string, error)      { return "", nil }
func (stubRepo) Set(context.Context, string, string) error        { return nil }
func (stubRepo) Delete(context.Context, string) error             { return nil }
func (stubRepo) PublishUpdate(context.Context, string) error      { return nil }
func (stubRepo) Subscribe(context.Context) (<-chan *goredis.Message, func() error) {
	return nil, func() error { return nil }
}
func (stubRepo) Close() error { return nil }

func newDummyHealthTracker() (*HealthTracker, *Pool) {
	pool := NewPool([]config.Backend{{ID: "b1", Weight: 1, Healthy: true}})
	h := &HealthTracker{
		repo:          nil,
		pool:          pool,
		defaultTTL:    time.Minute,
		failThreshold: 2,
		failWindow:    10 * time.Second,
		unhealthyTTL:  time.Minute,
		logger:        slog.Default(),
	}
	h.isUnhealthy = func(ctx context.Context, id string) (bool, error) { return false, nil }
	h.markUnhealthy = func(ctx context.Context, id, value string) error { return nil }
	h.clearMark = func(ctx context.Context, id string) error { return nil }
	h.publish = func(ctx context.Context, channel, msg string) error { return nil }
	h.repo = stubRepo{}
	return h, pool
}

func TestHealthTracker_L1Hit(t *testing.T) {
	h, _ := newDummyHealthTracker()
	h.localCache.Store("b1", cacheEntry{value: true, expiresAt: time.Now().Add(time.Minute).UnixNano()})

	unhealthy, err := h.CheckBackend(context.Background(), "b1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !unhealthy {
		t.Fatal("expected unhealthy from L1 cache")
	}
}

func TestHealthTracker_RecordFailureTripsAtThreshold(t *testing.T) {
	h, pool := newDummyHealthTracker()
	publishCalled := false
	h.publish = func(ctx context.Context, channel, msg string) error {
		publishCalled = true
		return nil
	}
	h.updateChannel = "updates"

	ctx := context.Background()
	h.RecordFailure(ctx, "b1")
	if publishCalled {
		t.Fatal("expected no publish before reaching failThreshold")
	}

	h.RecordFailure(ctx, "b1")
	if !publishCalled {
		t.Fatal("expected publish once failThreshold reached")
	}

	reader, _ := pool.Join()
	defer reader.Close()
	if _, err := reader.Pick("any"); err != ErrNoHealthyBackend {
		t.Fatalf("expected backend marked unhealthy in pool, got err=%v", err)
	}
}

func TestHealthTracker_RecordRecoveryClearsState(t *testing.T) {
	h, pool := newDummyHealthTracker()
	ctx := context.Background()
	h.RecordFailure(ctx, "b1")
	h.RecordFailure(ctx, "b1")

	h.RecordRecovery(ctx, "b1")

	reader, _ := pool.Join()
	defer reader.Close()
	b, err := reader.Pick("any")
	if err != nil {
		t.Fatalf("Pick after recovery: %v", err)
	}
	if b.ID != "b1" {
		t.Fatalf("Pick returned %q, want b1", b.ID)
	}
	if val, ok := h.get("b1"); ok && val {
		t.Fatal("expected local cache cleared to healthy after recovery")
	}
}

func TestHealthTracker_IncrFailuresResetsAfterWindow(t *testing.T) {
	h, _ := newDummyHealthTracker()
	h.failWindow = time.Nanosecond

	first := h.incrFailures("b1")
	time.Sleep(time.Millisecond)
	second := h.incrFailures("b1")

	if first != 1 {
		t.Fatalf("first count = %d, want 1", first)
	}
	if second != 1 {
		t.Fatalf("second count after window reset = %d, want 1", second)
	}
}
