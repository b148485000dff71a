// Package workerpool runs a fixed set of long-lived goroutines, each
// joining the gateway's dbd containers exactly once at startup. This is
// the host-application expression of the primitive's own design
// constraint: a reader registration is meant for a long-lived thread, not
// a per-request allocation, so the dispatch unit here is a worker pulling
// off a queue, not a goroutine spawned per inbound request.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nanjiek/dbd-gateway/internal/backend"
	"github.com/nanjiek/dbd-gateway/internal/flags"
	"github.com/nanjiek/dbd-gateway/internal/router"
)

// ErrNoRouteMatched is returned in Result.Err by Dispatch when no route
// matches the job's request context.
var ErrNoRouteMatched = errors.New("workerpool: no route matched")

// Job is one unit of dispatch work handed to a worker: resolve a route
// for Route, then pick a backend target for ShardKey (typically the
// resolved client key) from the worker's backend pool.
type Job struct {
	Ctx      context.Context
	Route    router.RequestCtx
	ShardKey string
	Done     chan<- Result
}

// Result is what a worker reports back after handling a Job.
type Result struct {
	RouteID     string
	BackendAddr string
	Flags       []flags.Decision
	Err         error
}

// Readers bundles the three per-goroutine handles a worker needs: one for
// the route table, one for feature flags, one for the backend pool it
// dispatches to. Each is obtained via its owner's Join and released via
// Close when the worker exits.
type Readers struct {
	Routes   *router.Reader
	Flags    *flags.Reader
	Backends *backend.Reader
}

// Pool owns a fixed number of worker goroutines pulling from a shared job
// queue, each with its own Readers joined once at startup.
type Pool struct {
	jobs    chan Job
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New starts size workers, each calling newReaders once to join the
// gateway's containers, and returns a Pool ready to accept Submit calls.
// The caller must call Close to stop the workers and release every
// reader's registration.
func New(size int, queueDepth int, newReaders func() (*Readers, error), handle func(*Readers, Job), logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1
	}
	if queueDepth <= 0 {
		queueDepth = size * 4
	}

	p := &Pool{
		jobs:   make(chan Job, queueDepth),
		logger: logger,
	}

	readyErr := make(chan error, size)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			readers, err := newReaders()
			if err != nil {
				logger.Error("worker failed to join containers", "worker", id, "err", err)
				readyErr <- err
				return
			}
			readyErr <- nil
			defer readers.Routes.Close()
			defer readers.Flags.Close()
			defer readers.Backends.Close()

			for job := range p.jobs {
				handle(readers, job)
			}
		}(i)
	}

	for i := 0; i < size; i++ {
		if err := <-readyErr; err != nil {
			close(p.jobs)
			p.wg.Wait()
			return nil, err
		}
	}

	return p, nil
}

// Submit enqueues a job for the next available worker. It blocks if the
// queue is full; callers on a hot path should select on ctx.Done() as
// well.
func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// Dispatch is the standard handle func: match job.Route against the
// route table, then pick a backend target for job.ShardKey from
// readers.Backends. The matched route's Backend pool ID only decides
// whether a backend is picked at all (an empty ID skips the pick); it
// does not select among pools. It is the handler New's callers pass when they
// want the conventional match-then-pick behavior rather than something
// custom.
func Dispatch(readers *Readers, job Job) {
	result := Result{}
	matches, err := readers.Routes.Match(job.Route)
	if err != nil {
		result.Err = err
		sendResult(job.Done, result)
		return
	}
	if len(matches) == 0 {
		result.Err = ErrNoRouteMatched
		sendResult(job.Done, result)
		return
	}
	route := matches[0]
	result.RouteID = route.RouteID

	if decisions, err := readers.Flags.EvaluateAll(job.Route.Client); err == nil {
		result.Flags = decisions
	}

	if route.Backend != "" {
		target, err := readers.Backends.Pick(job.ShardKey)
		if err != nil {
			result.Err = err
			sendResult(job.Done, result)
			return
		}
		result.BackendAddr = target.Addr
	}
	sendResult(job.Done, result)
}

func sendResult(done chan<- Result, result Result) {
	if done == nil {
		return
	}
	done <- result
}

// Close stops accepting new jobs and waits for every worker to drain its
// in-flight job and release its readers.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
