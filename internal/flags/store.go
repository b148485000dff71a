// Package flags republishes a feature-flag set through a dbd.Container so
// request-serving workers can evaluate flags against a client key with an
// almost lock-free read, while the control plane updates the whole set in
// one atomic publish.
package flags

import (
	"time"

	"github.com/nanjiek/dbd-gateway/internal/config"
	"github.com/nanjiek/dbd-gateway/internal/identity"
	"github.com/nanjiek/dbd-gateway/internal/observability"
	"github.com/nanjiek/dbd-gateway/internal/util"

	"github.com/nanjiek/dbd-gateway/dbd"
)

const containerLabel = "flags"

// Set is an immutable snapshot of every flag, keyed by Flag.Key.
type Set struct {
	byKey map[string]config.Flag
}

// BuildSet indexes a slice of flags by key. A later duplicate key
// overwrites an earlier one, matching map semantics.
func BuildSet(list []config.Flag) *Set {
	s := &Set{byKey: make(map[string]config.Flag, len(list))}
	for _, f := range list {
		s.byKey[f.Key] = f
	}
	return s
}

// Decision is the outcome of evaluating one flag for one client.
type Decision struct {
	Key     string
	On      bool
	Variant string
}

func evaluate(s *Set, key string, client identity.ClientKey) Decision {
	f, ok := s.byKey[key]
	if !ok || !f.Enabled {
		return Decision{Key: key, On: false}
	}
	if f.Rollout <= 0 {
		return Decision{Key: key, On: false}
	}
	if f.Rollout >= 100 {
		return Decision{Key: key, On: true, Variant: f.Variant}
	}
	bucket := util.Bucket100(client.Key + ":" + key)
	return Decision{Key: key, On: bucket < f.Rollout, Variant: f.Variant}
}

// Store owns the dbd.Container republishing the flag set.
type Store struct {
	container *dbd.Container[Set, struct{}]
}

// NewStore constructs a Store, optionally seeded with a bootstrap flag list.
func NewStore(bootstrap []config.Flag) *Store {
	st := &Store{container: dbd.New[Set, struct{}]()}
	initial := BuildSet(bootstrap)
	st.container.Modify(func(bg *Set) int {
		*bg = *initial
		return 1
	})
	return st
}

// Replace publishes a full new flag set.
func (st *Store) Replace(list []config.Flag) {
	next := BuildSet(list)
	start := time.Now()
	st.container.Modify(func(bg *Set) int {
		*bg = *next
		return 1
	})
	observability.TimeModify(containerLabel, start, time.Now())
}

// Reader is a per-goroutine handle for evaluating flags against the
// current set.
type Reader struct {
	scope *dbd.Scope[Set, struct{}]
}

// Join registers the calling goroutine as a reader of this flag store.
func (st *Store) Join() (*Reader, error) {
	scope, err := st.container.Join()
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

// Evaluate resolves a single flag for a client against the current
// snapshot.
func (r *Reader) Evaluate(key string, client identity.ClientKey) (Decision, error) {
	g, err := r.scope.Read()
	if err != nil {
		return Decision{}, err
	}
	defer g.Release()
	return evaluate(g.Get(), key, client), nil
}

// EvaluateAll resolves every known flag for a client in one read critical
// section, so the caller observes a consistent set rather than a mix of
// two different published generations.
func (r *Reader) EvaluateAll(client identity.ClientKey) ([]Decision, error) {
	g, err := r.scope.Read()
	if err != nil {
		return nil, err
	}
	defer g.Release()
	set := g.Get()
	out := make([]Decision, 0, len(set.byKey))
	for key := range set.byKey {
		out = append(out, evaluate(set, key, client))
	}
	return out, nil
}
