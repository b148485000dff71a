package dbd

import "sync"

// reader is the per-goroutine registration record: one reader lock plus
// one instance of the caller's TLS type. It is the Go analogue of brpc's
// Wrapper, minus the back-pointer-as-pthread-key-value trick — here the
// back-pointer is guarded explicitly by the container's registry lock so
// a Scope.Close racing a Container.Close can tell whether the registry
// still owns it.
type reader[T, U any] struct {
	mu      sync.Mutex
	control *Container[T, U]
	tls     U
}

func (r *reader[T, U]) beginRead() { r.mu.Lock() }
func (r *reader[T, U]) endRead()   { r.mu.Unlock() }

// waitReadDone is used only by the writer's drain phase: it must acquire
// and release the lock, never hold it, so a reader that started before
// publication is allowed to finish its own critical section undisturbed.
func (r *reader[T, U]) waitReadDone() {
	r.mu.Lock()
	r.mu.Unlock()
}

// Scope is the explicit thread_scope object the spec's design notes call
// for in languages without built-in per-thread destructors. A long-lived
// goroutine (typically one worker in a fixed pool) calls Container.Join
// once at startup, keeps the returned Scope for its lifetime, and defers
// Scope.Close so the registration is removed on exit the way brpc's
// pthread-key destructor removes a Wrapper when an OS thread dies.
//
// A Scope is not safe for concurrent use by more than one goroutine, and
// at most one ReadGuard derived from it may be outstanding at a time —
// the reader lock it wraps is not recursive.
type Scope[T, U any] struct {
	mu      sync.Mutex
	closed  bool
	reg     *reader[T, U]
	owner   *Container[T, U]
}

// Read begins a read critical section, returning a guard over the current
// foreground slot. The guard must be released (typically via defer) before
// the next call to Read on the same Scope.
func (s *Scope[T, U]) Read() (*ReadGuard[T, U], error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	s.reg.beginRead()
	idx := int(s.owner.fgIndex.Load())
	return &ReadGuard[T, U]{data: &s.owner.slots[idx], r: s.reg}, nil
}

// Close removes this goroutine's registration from the container. It is
// idempotent. If the container was closed first, the registry has
// already been torn down and Close is a no-op, mirroring how a late
// pthread-key destructor in brpc finds a nil back-pointer and skips
// registry removal.
func (s *Scope[T, U]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	s.owner.registryMu.Lock()
	control := s.reg.control
	s.owner.registryMu.Unlock()
	if control == nil {
		return
	}
	s.owner.removeReader(s.reg)
}
