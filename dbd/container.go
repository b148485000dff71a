// Package dbd implements Doubly Buffered Data: a container that holds one
// logical value of a user-supplied type and makes Read almost lock-free by
// making Modify much slower. It is suitable for configuration-like state in
// request-serving systems — routing tables, backend lists, load-balancer
// state, feature flags — where readers vastly outnumber writers and must
// never observe a partially mutated value.
//
// Read begins with a per-goroutine mutex locked, then reads the foreground
// slot, which will not change before the mutex is unlocked. The mutex is
// only ever locked by Modify with an empty critical section (the drain
// phase), so Read is almost lock-free.
//
// Modify mutates the background slot — the one no Read is using — flips
// foreground and background, locks every registered reader's mutex once
// each to wait until all in-flight reads finish, then mutates the new
// background (the pre-flip foreground) the same way, so both slots
// converge. As a side effect the container can hold per-goroutine user
// data (TLS), exposed through ReadGuard.
//
// Go has no per-OS-thread storage or thread-exit destructor, so the
// per-thread registration brpc's original C++ performs implicitly on first
// Read is explicit here: call Container.Join once from a long-lived
// goroutine to obtain a Scope, and Scope.Close when that goroutine exits.
package dbd

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Container owns the two slots, the foreground index, the reader registry
// and the writer serialization lock, and exposes Join (registration),
// Modify and ModifyWithForeground (writes).
type Container[T, U any] struct {
	slots   [2]T
	fgIndex atomic.Int32

	registryMu sync.Mutex
	readers    []*reader[T, U]

	writerMu sync.Mutex

	logger      *slog.Logger
	initialized bool
	closed      atomic.Bool
}

// Option configures a Container at construction time.
type Option[T, U any] func(*Container[T, U])

// WithLogger overrides the *slog.Logger used for the WriterContractViolation
// diagnostic. The default is slog.Default().
func WithLogger[T, U any](logger *slog.Logger) Option[T, U] {
	return func(c *Container[T, U]) { c.logger = logger }
}

// New constructs a Container with both slots zero-valued and the
// foreground index at 0, reserving capacity for 64 readers the way the
// brpc original reserves its wrapper vector.
func New[T, U any](opts ...Option[T, U]) *Container[T, U] {
	c := &Container[T, U]{
		logger:      slog.Default(),
		initialized: true,
	}
	c.readers = make([]*reader[T, U], 0, 64)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join registers the calling goroutine as a reader and returns a Scope
// through which it can Read. The Scope should live as long as the
// goroutine does — register once, not once per request — and must be
// Closed before the goroutine exits.
func (c *Container[T, U]) Join() (*Scope[T, U], error) {
	if !c.initialized {
		return nil, ErrStorageUnavailable
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	r := &reader[T, U]{control: c}
	c.registryMu.Lock()
	c.readers = append(c.readers, r)
	c.registryMu.Unlock()
	return &Scope[T, U]{reg: r, owner: c}, nil
}

func (c *Container[T, U]) removeReader(r *reader[T, U]) {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	for i, w := range c.readers {
		if w == r {
			c.readers[i] = c.readers[len(c.readers)-1]
			c.readers[len(c.readers)-1] = nil
			c.readers = c.readers[:len(c.readers)-1]
			return
		}
	}
}

// ReaderCount reports the number of currently registered readers. It is
// intended for tests and metrics, not for synchronization.
func (c *Container[T, U]) ReaderCount() int {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	return len(c.readers)
}

// Modify applies fn to the container under the writer lock. fn receives a
// pointer to the slot being written and returns a caller-defined
// magnitude: 0 means "no effective change" and skips publication
// entirely; any other value publishes the new foreground, drains every
// registered reader, then applies fn a second time to the slot that was
// foreground a moment ago, so both slots converge on the same value.
//
// fn is therefore called once (when it returns 0) or twice per Modify. It
// must be deterministic on equivalent inputs — it runs once against the
// background slot and once against what was, an instant ago, the
// foreground slot, and those two invocations must agree or the two slots
// will silently diverge. fn must not call Modify or Read on the same
// container; both would deadlock (the former on the writer lock, the
// latter on this goroutine's own reader lock during drain).
//
// Concurrent callers of Modify serialize on the container's writer lock;
// Modify returns fn's return value from its second application, or 0 on
// the early-exit path.
func (c *Container[T, U]) Modify(fn func(bg *T) int) int {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	bg := int(int32(1) - c.fgIndex.Load())
	ret1 := fn(&c.slots[bg])
	if ret1 == 0 {
		return 0
	}

	// Release pairs with the acquire load in Scope.Read: any reader that
	// observes the new index after this store also observes every write
	// fn just made.
	c.fgIndex.Store(int32(bg))
	bg = 1 - bg

	c.drain()

	ret2 := fn(&c.slots[bg])
	if ret2 != ret1 {
		c.logger.Warn("dbd: modify fn returned inconsistent results across slots; foreground and background may have diverged",
			"first_result", ret1, "second_result", ret2)
	}
	return ret2
}

// ModifyWithForeground is Modify, except fn also receives a read-only
// pointer to the slot not being written at that instant — the current
// foreground on fn's first call, the slot that just became foreground on
// fn's second call — so a writer can fold the previous value into the new
// one without separately snapshotting it. As with Modify, composing
// values this way does not by itself guarantee slot convergence: fn must
// still be stable under repeated application (see spec Scenario E).
func (c *Container[T, U]) ModifyWithForeground(fn func(bg, fg *T) int) int {
	return c.Modify(func(bg *T) int {
		return fn(bg, c.other(bg))
	})
}

func (c *Container[T, U]) other(bg *T) *T {
	if bg == &c.slots[0] {
		return &c.slots[1]
	}
	return &c.slots[0]
}

// drain waits out every reader that began a critical section before the
// publish in Modify. It must be called with writerMu held and must not be
// called concurrently with itself, which the writer lock already ensures.
func (c *Container[T, U]) drain() {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	for _, r := range c.readers {
		r.waitReadDone()
	}
}

// Close detaches every registered reader, clearing each reader's
// back-pointer under the registry lock before releasing the registry, so
// a Scope.Close racing shutdown finds a nil back-pointer and skips
// registry removal rather than mutating a container that is going away.
// The caller is responsible for ensuring no goroutine is still calling
// Read or Modify on this container when Close runs.
func (c *Container[T, U]) Close() {
	c.closed.Store(true)
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	for _, r := range c.readers {
		r.control = nil
	}
	c.readers = nil
}
