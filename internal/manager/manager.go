// ============================================================================
// localci Test Manager
// ============================================================================
//
// Package: internal/manager
// File: manager.go
// Purpose: the orchestration core - reconciles a desired revision set
// against in-flight work, consults the result cache, acquires resources,
// spawns supervisor jobs, and broadcasts their notifications.
//
// Design:
//   A mutex guards shared state, a WaitGroup tracks spawned goroutines, and
//   a lifetime context drives shutdown, but the loop is purely reactive:
//   there is no dispatch/timeout polling loop, every state transition is driven by a
//   call to SetRevisions or a job's own completion (see DESIGN.md).
//
//   The in-flight map tracks one cancel func per live job identity: an
//   entry is added when a job is spawned and removed ONLY when SetRevisions
//   decides that identity is no longer desired. A job that finishes on its
//   own (Completed/Error) does NOT remove its own map entry - calling an
//   already-inert context.CancelFunc later is harmless, and this is exactly
//   what stops an identity whose test already ran from being silently
//   re-spawned by a later SetRevisions call for the same revision set.
// ============================================================================

package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/localci/localci/internal/gitrepo"
	"github.com/localci/localci/internal/jobcounter"
	"github.com/localci/localci/internal/resourcepool"
	"github.com/localci/localci/internal/resultdb"
	"github.com/localci/localci/internal/supervisor"
	"github.com/localci/localci/pkg/types"
	"go.uber.org/zap"
)

var log = zap.Must(zap.NewProduction()).Sugar()

// Manager reconciles a desired revision set against in-flight supervisor
// jobs. The zero value is not usable; construct with New.
type Manager struct {
	mu       sync.Mutex
	inFlight map[types.TestCaseID]context.CancelFunc

	tests      []*types.Test
	testByName map[types.TestName]*types.Test

	pool      *resourcepool.Pool
	db        *resultdb.DB
	origin    gitrepo.Worktree
	originDir string
	sharedEnv []string

	counter *jobcounter.Counter
	bcast   *broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager. tests is the fixed list of test definitions shared
// by reference across every spawned TestCase; pool must already be seeded
// with every resource population the tests collectively need, including the
// worktree pool if any test needs one; origin is the un-checked-out source
// repository, used to resolve tree hashes for by-tree caching and as the
// working directory for tests that don't need their own worktree.
func New(tests []*types.Test, pool *resourcepool.Pool, db *resultdb.DB, origin gitrepo.Worktree, sharedEnv []string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	byName := make(map[types.TestName]*types.Test, len(tests))
	for _, t := range tests {
		byName[t.Name] = t
	}
	return &Manager{
		inFlight:   make(map[types.TestCaseID]context.CancelFunc),
		tests:      tests,
		testByName: byName,
		pool:       pool,
		db:         db,
		origin:     origin,
		originDir:  origin.Path(),
		sharedEnv:  sharedEnv,
		counter:    jobcounter.New(),
		bcast:      newBroadcaster(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Notifications returns a new subscriber to the broadcast stream. Must be
// called before triggering the work whose results are to be observed;
// earlier notifications are lost by design.
func (m *Manager) Notifications() *Subscriber {
	return m.bcast.subscribe()
}

// Settled completes once no supervisor job is active, or ctx is done first.
func (m *Manager) Settled(ctx context.Context) error {
	return m.counter.AwaitZeroContext(ctx)
}

// Close reconciles against the empty revision set and waits for every
// in-flight job to unwind. It is the manager-drop equivalent described in
// §4.5: dropping must not block on child processes indefinitely, but an
// orderly shutdown via Close is expected to complete once every supervisor
// observes its cancellation.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.SetRevisions(nil); err != nil {
		return err
	}
	if err := m.Settled(ctx); err != nil {
		return err
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// SetRevisions idempotently reconciles in-flight work with desired work,
// where desired = {(r, t) : r in revs, t in the manager's fixed test list}.
// Every identity no longer desired is cancelled and dropped from the
// in-flight map; every newly desired identity not already in-flight is
// either resolved as an immediate cache hit (emits Completed directly,
// never registered in-flight) or spawned as a new supervisor job.
func (m *Manager) SetRevisions(revs []types.CommitHash) error {
	desired := make(map[types.TestCaseID]types.CommitHash, len(revs)*len(m.tests))
	for _, r := range revs {
		for _, t := range m.tests {
			desired[types.TestCaseID{Commit: r, TestName: t.Name}] = r
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := 0
	for id, cancel := range m.inFlight {
		if _, ok := desired[id]; !ok {
			cancel()
			delete(m.inFlight, id)
			cancelled++
		}
	}

	started := 0
	for id, commit := range desired {
		if _, ok := m.inFlight[id]; ok {
			continue
		}
		if err := m.reconcileOne(id, commit); err != nil {
			return err
		}
		started++
	}

	log.Infow("reconciled revision set", "desired", len(desired), "started", started, "cancelled", cancelled)
	return nil
}

// reconcileOne resolves a single newly-desired identity: either an
// immediate cache hit (emitted synchronously, never registered in-flight)
// or a freshly spawned supervisor job (registered in-flight before this
// call returns, so a SetRevisions call racing in from another goroutine
// never double-spawns it). Must be called with m.mu held.
func (m *Manager) reconcileOne(id types.TestCaseID, commit types.CommitHash) error {
	test := m.testByName[id.TestName]

	contentHash, err := m.resolveContentHash(commit, test)
	if err != nil {
		m.bcast.publish(types.Notification{
			TestCase:           id,
			Status:             types.StatusError,
			Message:            fmt.Sprintf("resolving content hash: %v", err),
			EmittedAtUnixMilli: time.Now().UnixMilli(),
		})
		return nil
	}

	key := resultdb.Key{ContentHash: contentHash, TestName: test.Name, ConfigHash: test.ConfigHash}

	if test.CachePolicy != types.CacheNone {
		cached, found, err := m.db.CachedResult(m.ctx, key)
		if err != nil {
			log.Errorw("cache read failed, treating as miss", "testCase", id, "error", err)
		} else if found {
			m.bcast.publish(types.Notification{
				TestCase:           id,
				Status:             types.StatusCompleted,
				ExitCode:           cached.ExitCode,
				EmittedAtUnixMilli: time.Now().UnixMilli(),
			})
			return nil
		}
	}

	output, err := m.db.CreateOutput(key, commit)
	if err != nil {
		return fmt.Errorf("allocating output for %s: %w", id, err)
	}

	jobCtx, jobCancel := context.WithCancel(m.ctx)
	m.inFlight[id] = jobCancel
	token := m.counter.Acquire()

	m.wg.Add(1)
	go m.runJob(jobCtx, id, commit, test, output, token)
	return nil
}

// resolveContentHash derives the cache key's content hash per the test's
// cache policy: the commit hash for none (it only keys the attempt's output
// and result record; the manager never looks it up) and for by-commit, the
// resolved tree hash for by-tree.
func (m *Manager) resolveContentHash(commit types.CommitHash, test *types.Test) (types.ContentHash, error) {
	switch test.CachePolicy {
	case types.CacheNone:
		return types.ContentHash(commit), nil
	case types.CacheByCommit:
		return types.ContentHash(commit), nil
	case types.CacheByTree:
		tree, err := m.origin.CommitTree(m.ctx, commit)
		if err != nil {
			return "", err
		}
		return types.ContentHash(tree), nil
	default:
		return "", fmt.Errorf("unknown cache policy %v", test.CachePolicy)
	}
}

// runJob is the supervisor task structure of §4.5: acquire a job-counter
// token (already held on entry), emit Enqueued, then select biased between
// observing cancellation and completing resource acquisition, running the
// supervisor algorithm on a grant, and finally emitting the terminal
// notification. It never returns an in-flight map entry to the caller -
// that bookkeeping lives entirely in SetRevisions.
func (m *Manager) runJob(ctx context.Context, id types.TestCaseID, commit types.CommitHash, test *types.Test, output *resultdb.OutputHandle, token *jobcounter.Token) {
	defer m.wg.Done()
	defer token.Release()

	m.bcast.publish(types.Notification{TestCase: id, Status: types.StatusEnqueued, EmittedAtUnixMilli: time.Now().UnixMilli()})

	// Emulates a biased select: Go's select has no syntactic bias, so a
	// non-blocking pre-check of cancellation reproduces "prefer
	// cancellation when both are simultaneously ready" (§9.1).
	select {
	case <-ctx.Done():
		output.Abandon()
		m.bcast.publish(types.Notification{TestCase: id, Status: types.StatusCancelled, EmittedAtUnixMilli: time.Now().UnixMilli()})
		return
	default:
	}

	handle, err := m.pool.Acquire(ctx, m.resourceRequest(test))
	if err != nil {
		output.Abandon()
		m.bcast.publish(types.Notification{TestCase: id, Status: types.StatusCancelled, EmittedAtUnixMilli: time.Now().UnixMilli()})
		return
	}
	defer handle.Release()

	m.bcast.publish(types.Notification{TestCase: id, Status: types.StatusStarted, EmittedAtUnixMilli: time.Now().UnixMilli()})

	job := m.buildJob(commit, test, handle, output)
	result := supervisor.Run(ctx, job)

	n := types.Notification{TestCase: id, EmittedAtUnixMilli: time.Now().UnixMilli()}
	switch result.Status {
	case types.StatusCompleted:
		if err := output.SetResult(result.ExitCode); err != nil {
			log.Errorw("failed to publish attempt result", "testCase", id, "error", err)
		}
		n.Status = types.StatusCompleted
		n.ExitCode = result.ExitCode
	case types.StatusCancelled:
		output.Abandon()
		n.Status = types.StatusCancelled
	default:
		output.Abandon()
		n.Status = types.StatusError
		n.Message = result.Message
	}
	m.bcast.publish(n)
}

// resourceRequest copies a test's declared resource needs (which already
// include the worktree key, for tests that need one) into a fresh map for
// the pool acquisition call.
func (m *Manager) resourceRequest(test *types.Test) map[types.ResourceKey]int {
	request := make(map[types.ResourceKey]int, len(test.NeedsResources))
	for k, n := range test.NeedsResources {
		request[k] = n
	}
	return request
}

// buildJob assembles a supervisor.Job from an acquired resource handle: a
// worktree from the claim if the test needs one, token strings for every
// other claimed resource, and the shared plus LCI_ORIGIN environment.
func (m *Manager) buildJob(commit types.CommitHash, test *types.Test, handle *resourcepool.Handle, output *resultdb.OutputHandle) *supervisor.Job {
	job := &supervisor.Job{
		Test:      test,
		Commit:    commit,
		OriginDir: m.originDir,
		Env:       append([]string{"LCI_ORIGIN=" + m.originDir}, m.sharedEnv...),
		Output:    output,
		Tokens:    make(map[string][]string),
	}

	if test.NeedsWorktree() {
		resources := handle.Resources(types.WorktreeKey)
		if len(resources) > 0 {
			job.Worktree = resources[0].(gitrepo.Worktree)
		}
	}

	names := make([]string, 0, len(test.NeedsResources))
	for k := range test.NeedsResources {
		if k.Kind == types.ResourceUserToken {
			names = append(names, k.Name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		key := types.TokenKey(name)
		tokens := make([]string, 0, len(handle.Resources(key)))
		for _, r := range handle.Resources(key) {
			tokens = append(tokens, r.(string))
		}
		job.Tokens[name] = tokens
	}

	return job
}
