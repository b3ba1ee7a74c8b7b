package types

import "errors"

// Error taxonomy, one sentinel per row of the error-handling design.
// Wrapped with fmt.Errorf("...: %w", Err*) at the call site so callers can
// still errors.Is against the sentinel while getting a specific message.
var (
	// ErrConfig covers a duplicate or undefined resource reference in the
	// loaded configuration. Fails manager construction; never observed at
	// runtime.
	ErrConfig = errors.New("config error")

	// ErrWorktreeSetup covers failure to create any worktree at startup.
	// Fails manager construction.
	ErrWorktreeSetup = errors.New("worktree setup error")

	// ErrCheckout covers a checkout failure within a single job.
	ErrCheckout = errors.New("checkout error")

	// ErrSpawn covers a child process failing to spawn.
	ErrSpawn = errors.New("spawn error")

	// ErrSignal covers failure to signal a child on cancellation.
	ErrSignal = errors.New("signal error")

	// ErrChildKilledBySignal covers a child terminated by a signal rather
	// than exiting normally.
	ErrChildKilledBySignal = errors.New("child killed by signal")

	// ErrCacheRead covers a result database read failure; treated as a
	// cache miss by the caller.
	ErrCacheRead = errors.New("cache read error")

	// ErrCacheWrite covers a result database write failure after a clean
	// exit; the Completed notification is still emitted.
	ErrCacheWrite = errors.New("cache write error")

	// ErrNotificationDropped marks a broadcast buffer overflow for a lagging
	// subscriber; logged, no retry.
	ErrNotificationDropped = errors.New("notification dropped")

	// ErrClosed marks an operation attempted after its owning component has
	// been closed. The pool, result database and manager do not return it.
	ErrClosed = errors.New("closed")

	// ErrNotFound covers a cache lookup miss surfaced as a typed error
	// where callers need to distinguish "miss" from "read failure".
	ErrNotFound = errors.New("not found")
)
