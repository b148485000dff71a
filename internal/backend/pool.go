// Package backend republishes backend (dispatch target) pools through
// dbd.Container: two slots holding a list of servers, readers scanning
// the foreground list on every dispatch, writers mutating the
// background list on pool-membership change — the "backend lists,
// load-balancer state" use case the dbd package's own documentation
// names as a motivating example for the primitive.
package backend

import (
	"errors"
	"sort"
	"time"

	"github.com/nanjiek/dbd-gateway/internal/config"
	"github.com/nanjiek/dbd-gateway/internal/observability"
	"github.com/nanjiek/dbd-gateway/internal/util"

	"github.com/nanjiek/dbd-gateway/dbd"
)

const containerLabel = "backends"

// ErrNoHealthyBackend is returned by Pick when every backend in the pool is
// unhealthy or the pool is empty.
var ErrNoHealthyBackend = errors.New("backend: no healthy target in pool")

// List is an immutable, ID-ordered view of one backend pool.
type List struct {
	targets []config.Backend
}

// BuildList copies and sorts targets by ID for deterministic iteration.
func BuildList(targets []config.Backend) *List {
	out := make([]config.Backend, len(targets))
	copy(out, targets)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &List{targets: out}
}

func (l *List) healthy() []config.Backend {
	out := make([]config.Backend, 0, len(l.targets))
	for _, t := range l.targets {
		if t.Healthy {
			out = append(out, t)
		}
	}
	return out
}

// Pool owns the dbd.Container republishing one backend pool's List.
type Pool struct {
	container *dbd.Container[List, struct{}]
}

// NewPool constructs a Pool, optionally seeded with bootstrap targets.
func NewPool(bootstrap []config.Backend) *Pool {
	p := &Pool{container: dbd.New[List, struct{}]()}
	initial := BuildList(bootstrap)
	p.container.Modify(func(bg *List) int {
		*bg = *initial
		return 1
	})
	return p
}

// Replace publishes a full new target list.
func (p *Pool) Replace(targets []config.Backend) {
	next := BuildList(targets)
	start := time.Now()
	p.container.Modify(func(bg *List) int {
		*bg = *next
		return 1
	})
	observability.TimeModify(containerLabel, start, time.Now())
}

// SetHealthy flips one backend's health flag. It is a read-modify-write
// over the whole list (there is no per-element update in DBD, only
// whole-value replacement), matching the primitive's contract that every
// Modify republishes one complete logical value: the flag is set on a
// fresh copy of the targets, since both slots may share one backing array.
func (p *Pool) SetHealthy(id string, healthy bool) {
	p.container.Modify(func(bg *List) int {
		changed := 0
		for i := range bg.targets {
			if bg.targets[i].ID == id && bg.targets[i].Healthy != healthy {
				targets := make([]config.Backend, len(bg.targets))
				copy(targets, bg.targets)
				targets[i].Healthy = healthy
				bg.targets = targets
				changed = 1
			}
		}
		return changed
	})
	observability.SetBackendHealth(id, healthy)
}

// Reader is a per-goroutine handle for picking a dispatch target from the
// current pool snapshot.
type Reader struct {
	scope *dbd.Scope[List, struct{}]
}

// Join registers the calling goroutine as a reader of this pool.
func (p *Pool) Join() (*Reader, error) {
	scope, err := p.container.Join()
	if err != nil {
		return nil, err
	}
	observability.ReaderJoined(containerLabel)
	return &Reader{scope: scope}, nil
}

// Close releases this reader's registration.
func (r *Reader) Close() {
	r.scope.Close()
	observability.ReaderLeft(containerLabel)
}

// Pick deterministically selects one healthy backend for shardKey (e.g. a
// client key or request ID), weighted by config.Backend.Weight. It hashes
// shardKey directly into [0, total) via util.BucketN rather than reusing
// the flag store's percentage-scoped util.Bucket100, since the sum of
// healthy weights routinely exceeds 100 and a value already bounded to
// [0,100) cannot be reduced modulo some other total without leaving part
// of the cumulative-weight range unreachable.
func (r *Reader) Pick(shardKey string) (config.Backend, error) {
	g, err := r.scope.Read()
	if err != nil {
		return config.Backend{}, err
	}
	defer g.Release()

	healthy := g.Get().healthy()
	if len(healthy) == 0 {
		return config.Backend{}, ErrNoHealthyBackend
	}

	total := 0
	for _, t := range healthy {
		if t.Weight <= 0 {
			total++
		} else {
			total += t.Weight
		}
	}
	target := util.BucketN(shardKey, total)

	cursor := 0
	for _, t := range healthy {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		cursor += w
		if target < cursor {
			return t, nil
		}
	}
	return healthy[len(healthy)-1], nil
}

// Snapshot returns every target currently published, healthy or not,
// intended for admin/status endpoints rather than the dispatch hot path.
func (r *Reader) Snapshot() ([]config.Backend, error) {
	g, err := r.scope.Read()
	if err != nil {
		return nil, err
	}
	defer g.Release()
	out := make([]config.Backend, len(g.Get().targets))
	copy(out, g.Get().targets)
	return out, nil
}
