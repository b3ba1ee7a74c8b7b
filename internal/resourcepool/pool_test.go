package resourcepool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/localci/localci/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(map[types.ResourceKey][]any{
		types.WorktreeKey: {"wt0", "wt1"},
	})

	h, err := p.Acquire(context.Background(), map[types.ResourceKey]int{types.WorktreeKey: 1})
	require.NoError(t, err)
	assert.Equal(t, []any{"wt0"}, h.Resources(types.WorktreeKey))
	assert.Equal(t, 1, p.Available(types.WorktreeKey))

	h.Release()
	assert.Equal(t, 2, p.Available(types.WorktreeKey))
}

func TestAcquireBlocksUntilAvailable(t *testing.T) {
	p := New(map[types.ResourceKey][]any{types.WorktreeKey: {"wt0"}})
	h1, err := p.Acquire(context.Background(), map[types.ResourceKey]int{types.WorktreeKey: 1})
	require.NoError(t, err)

	acquired := make(chan *Handle, 1)
	go func() {
		h2, err := p.Acquire(context.Background(), map[types.ResourceKey]int{types.WorktreeKey: 1})
		require.NoError(t, err)
		acquired <- h2
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire returned before the first released")
	case <-time.After(50 * time.Millisecond):
	}

	h1.Release()

	select {
	case h2 := <-acquired:
		assert.Equal(t, []any{"wt0"}, h2.Resources(types.WorktreeKey))
	case <-time.After(time.Second):
		t.Fatal("second acquire never granted after release")
	}
}

func TestHeterogeneousAtomicAcquire(t *testing.T) {
	p := New(map[types.ResourceKey][]any{
		types.WorktreeKey:     {"wt0"},
		types.TokenKey("gpu"): {"gpu0", "gpu1"},
	})

	h, err := p.Acquire(context.Background(), map[types.ResourceKey]int{
		types.WorktreeKey:     1,
		types.TokenKey("gpu"): 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"wt0"}, h.Resources(types.WorktreeKey))
	assert.Equal(t, []any{"gpu0", "gpu1"}, h.Resources(types.TokenKey("gpu")))
	assert.Equal(t, 0, p.Available(types.WorktreeKey))
	assert.Equal(t, 0, p.Available(types.TokenKey("gpu")))
}

func TestStrictFIFOPreventsStarvation(t *testing.T) {
	// One worktree available. A big request (2) queues first; a small
	// request (1) queues second. Even though the small request could be
	// satisfied by a single release, FIFO means it must wait behind the
	// big one.
	p := New(map[types.ResourceKey][]any{types.WorktreeKey: {"wt0"}})
	// Drain it so both requests start out blocked.
	h0, err := p.Acquire(context.Background(), map[types.ResourceKey]int{types.WorktreeKey: 1})
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		h, err := p.Acquire(context.Background(), map[types.ResourceKey]int{types.WorktreeKey: 2})
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		h.Release()
	}()
	time.Sleep(20 * time.Millisecond) // ensure request 1 enqueues first

	wg.Add(1)
	go func() {
		defer wg.Done()
		h, err := p.Acquire(context.Background(), map[types.ResourceKey]int{types.WorktreeKey: 1})
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		h.Release()
	}()
	time.Sleep(20 * time.Millisecond)

	// Release enough for the small request alone (1) but not the big one (2).
	// FIFO must still make request 2 wait for request 1.
	h0.Release()
	time.Sleep(20 * time.Millisecond)

	// Add the second worktree in: now the big request can proceed.
	p.mu.Lock()
	p.ready[types.WorktreeKey] = append(p.ready[types.WorktreeKey], "wt1")
	p.satisfyWaitersLocked()
	p.mu.Unlock()

	wg.Wait()
	require.Equal(t, []int{1, 2}, order)
}

func TestAcquireCancellation(t *testing.T) {
	p := New(map[types.ResourceKey][]any{types.WorktreeKey: {"wt0"}})
	h, err := p.Acquire(context.Background(), map[types.ResourceKey]int{types.WorktreeKey: 1})
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, map[types.ResourceKey]int{types.WorktreeKey: 1})
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestCancelledAcquireDoesNotLeakResourceOnRace(t *testing.T) {
	p := New(map[types.ResourceKey][]any{types.WorktreeKey: {"wt0"}})
	h, err := p.Acquire(context.Background(), map[types.ResourceKey]int{types.WorktreeKey: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	grantRace := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, map[types.ResourceKey]int{types.WorktreeKey: 1})
		grantRace <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	h.Release()

	<-grantRace
	// Either outcome (grant won or cancellation won) must leave exactly one
	// instance available once both complete.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, p.Available(types.WorktreeKey))
}
