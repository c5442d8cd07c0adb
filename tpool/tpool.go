// Package tpool implements a fixed-size worker pool with a bounded work
// queue, mirroring tpool.c's submit-or-reject contract.
package tpool

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool runs submitted work on a fixed number of workers, queuing at most
// maxQueue pending jobs.
type Pool struct {
	work           chan func(context.Context)
	sem            *semaphore.Weighted
	nonblockOnFull bool
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
}

// New creates a pool with the given worker count and queue depth. When
// nonblockOnFull is true, Submit rejects work immediately once the queue is
// full instead of blocking the caller — the do_not_block_when_full behavior
// of tpool_add_work.
func New(workers, maxQueue int, nonblockOnFull bool) *Pool {
	if workers < 1 {
		workers = 1
	}
	if maxQueue < 1 {
		maxQueue = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		work:           make(chan func(context.Context), maxQueue),
		sem:            semaphore.NewWeighted(int64(workers)),
		nonblockOnFull: nonblockOnFull,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Submit enqueues fn for execution. It reports whether the job was accepted:
// false means the queue was full and the pool rejects on full, or the pool
// has been shut down.
func (p *Pool) Submit(fn func(ctx context.Context)) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	if p.nonblockOnFull {
		select {
		case p.work <- fn:
			return true
		default:
			return false
		}
	}
	select {
	case p.work <- fn:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// dispatch takes a semaphore slot before pulling the next job off the queue,
// so at most `workers` jobs execute concurrently and a job waiting for a slot
// stays in the queue, which holds up to maxQueue pending jobs.
func (p *Pool) dispatch() {
	defer close(p.done)
	for {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		select {
		case fn, ok := <-p.work:
			if !ok {
				p.sem.Release(1)
				return
			}
			go func() {
				defer p.sem.Release(1)
				fn(p.ctx)
			}()
		case <-p.ctx.Done():
			p.sem.Release(1)
			return
		}
	}
}

// Shutdown stops accepting new work. If finish is true, it first waits until
// every queued job has been started, matching tpool_destroy's finish flag.
// In both cases it then cancels the context passed to jobs and stops the
// dispatcher; it does not wait for running jobs to return.
func (p *Pool) Shutdown(finish bool) {
	if finish {
		for len(p.work) > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	p.cancel()
	<-p.done
}
