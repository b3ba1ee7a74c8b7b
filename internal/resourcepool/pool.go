// ============================================================================
// localci Resource Pool
// ============================================================================
//
// Package: internal/resourcepool
// File: pool.go
// Purpose: typed multiset acquisition of heterogeneous resources without
// deadlock.
//
// Design:
//   A single mutex-protected state holds, per ResourceKey, a ready list of
//   available instances and a strict FIFO queue of pending requests. A
//   request names a multiset of keys->counts and is granted atomically: all
//   or nothing. On every release, the head of the wait queue is re-evaluated
//   first, so earlier requests are never starved by later, smaller ones.
//
//   This is the direct generalization of jobmanager.JobManager's
//   mutex+maps+FIFO-pop shape (see DESIGN.md) from a job-ID queue to a
//   resource-key multiset queue.
//
// ============================================================================

package resourcepool

import (
	"context"
	"fmt"
	"sync"

	"github.com/localci/localci/pkg/types"
)

// Pool is a typed multiset resource pool supporting atomic acquisition of
// heterogeneous resource keys.
type Pool struct {
	mu      sync.Mutex
	ready   map[types.ResourceKey][]any
	waiters []*waiter
}

type waiter struct {
	want  map[types.ResourceKey]int
	grant chan *Handle
}

// New builds a Pool seeded with the given populations: for each key, the
// slice of concrete instances available to hand out (worktree handles,
// token strings, ...). Each key's ready list starts in population order;
// Acquire takes instances from its front and Release appends returned
// instances to its back, so once instances come back in a different order
// than they went out, later claims follow that return order instead.
func New(populations map[types.ResourceKey][]any) *Pool {
	ready := make(map[types.ResourceKey][]any, len(populations))
	for k, v := range populations {
		cp := make([]any, len(v))
		copy(cp, v)
		ready[k] = cp
	}
	return &Pool{ready: ready}
}

// Handle is an owning claim over a multiset of resource instances. Release
// must be called exactly once to return the claimed instances to the pool;
// it is idempotent.
type Handle struct {
	pool     *Pool
	claimed  map[types.ResourceKey][]any
	released bool
}

// Resources exposes the claimed instances for the given key, in the order
// they were handed out.
func (h *Handle) Resources(key types.ResourceKey) []any {
	return h.claimed[key]
}

// Release returns every claimed instance to the pool and wakes any waiters
// that can now be satisfied. Safe to call more than once.
func (h *Handle) Release() {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	for k, instances := range h.claimed {
		h.pool.ready[k] = append(h.pool.ready[k], instances...)
	}
	h.pool.satisfyWaitersLocked()
}

// Acquire blocks until every requested count of every requested key is
// available, then returns a Handle owning those instances. It returns early
// with ctx.Err() if ctx is cancelled first; per the resource pool's
// contract, acquisition otherwise never fails.
func (p *Pool) Acquire(ctx context.Context, request map[types.ResourceKey]int) (*Handle, error) {
	p.mu.Lock()
	w := &waiter{want: request, grant: make(chan *Handle, 1)}
	p.waiters = append(p.waiters, w)
	p.satisfyWaitersLocked()
	p.mu.Unlock()

	select {
	case h := <-w.grant:
		return h, nil
	case <-ctx.Done():
		p.abandon(w)
		// A grant may have raced the cancellation; drain it so the
		// resources aren't silently leaked.
		select {
		case h := <-w.grant:
			h.Release()
		default:
		}
		return nil, ctx.Err()
	}
}

// abandon removes w from the wait queue if it is still pending.
func (p *Pool) abandon(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// satisfyWaitersLocked scans the wait queue in FIFO order, granting any
// prefix of requests that can be satisfied from the current ready state. A
// request that cannot yet be satisfied blocks every request behind it,
// implementing strict FIFO and preventing starvation (per §4.1's algorithm).
// Must be called with p.mu held.
func (p *Pool) satisfyWaitersLocked() {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		if !p.canSatisfyLocked(w.want) {
			return
		}
		claimed := make(map[types.ResourceKey][]any, len(w.want))
		for k, n := range w.want {
			claimed[k] = append([]any(nil), p.ready[k][:n]...)
			p.ready[k] = p.ready[k][n:]
		}
		p.waiters = p.waiters[1:]
		w.grant <- &Handle{pool: p, claimed: claimed}
	}
}

func (p *Pool) canSatisfyLocked(want map[types.ResourceKey]int) bool {
	for k, n := range want {
		if len(p.ready[k]) < n {
			return false
		}
	}
	return true
}

// Available returns the current ready-instance count for a key, for
// metrics/diagnostics.
func (p *Pool) Available(key types.ResourceKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready[key])
}

// ErrUnknownKey describes a request that names a key the pool was never
// seeded with. Nothing in this package returns it: Acquire of a positive
// count of such a key waits until its ctx is cancelled.
type ErrUnknownKey struct {
	Key types.ResourceKey
}

func (e *ErrUnknownKey) Error() string {
	return fmt.Sprintf("resourcepool: unknown resource key %s", e.Key)
}
