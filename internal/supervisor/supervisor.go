// ============================================================================
// localci Test Job Supervisor
// ============================================================================
//
// Package: internal/supervisor
// File: supervisor.go
// Purpose: runs a single test case's child process from checkout through
// terminal status, racing completion against cancellation.
//
// Design:
//   One goroutine owns exactly one test case from spawn to terminal state;
//   there is no fixed worker pool, concurrency is bounded entirely by the
//   resource pool (internal/resourcepool). One goroutine, one task, report
//   the result as Run's return value: owning a single real child process end to end
//   (see DESIGN.md).
//
//   Cancellation delivers SIGINT to the child's own process group (so a
//   SIGINT to the manager's own terminal doesn't also reach the child
//   directly - that's why the child is given its own pgid), then escalates
//   to SIGKILL if the test's shutdown grace period elapses before the child
//   exits.
// ============================================================================

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/localci/localci/internal/gitrepo"
	"github.com/localci/localci/internal/resultdb"
	"github.com/localci/localci/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var log = zap.Must(zap.NewProduction()).Sugar()

// Job describes a single spawned test case run.
type Job struct {
	Test   *types.Test
	Commit types.CommitHash

	// Worktree is nil when Test.NeedsWorktree() is false, in which case
	// OriginDir is used as the child's working directory instead and no
	// checkout is performed.
	Worktree  gitrepo.Worktree
	OriginDir string

	// Tokens maps each non-worktree resource key the test claimed to the
	// ordered list of token values handed out for it, for LCI_RESOURCE_*
	// environment injection.
	Tokens map[string][]string

	// Env is the shared environment list injected into every job, entries
	// already in "KEY=VALUE" form.
	Env []string

	Output *resultdb.OutputHandle
}

// Result is a job's terminal outcome.
type Result struct {
	Status   types.Status
	ExitCode int
	Message  string
}

// Run executes job to completion, or until ctx is cancelled. It never
// returns an error itself - every failure mode in §4.4's table is reported
// as Result{Status: StatusError, ...} so the caller has one place to look
// for the terminal outcome.
func Run(ctx context.Context, job *Job) Result {
	workDir := job.OriginDir
	if job.Worktree != nil {
		if err := job.Worktree.Checkout(ctx, job.Commit); err != nil {
			return Result{Status: types.StatusError, Message: fmt.Sprintf("checkout failed: %v", err)}
		}
		workDir = job.Worktree.Path()
	}

	cmd := exec.Command(job.Test.Program, job.Test.Args...)
	cmd.Dir = workDir
	cmd.Stdin = nil
	cmd.Stdout = job.Output.Stdout
	cmd.Stderr = job.Output.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = buildEnv(job)

	if err := cmd.Start(); err != nil {
		return Result{Status: types.StatusError, Message: fmt.Sprintf("spawn failed: %v", err)}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		return resultFromWait(err, cmd)
	case <-ctx.Done():
		return cancelAndAwait(cmd, waitErr, job.Test.ShutdownGracePeriod)
	}
}

// resultFromWait interprets cmd.Wait's return for a child that exited on
// its own (not via our own cancellation signal).
func resultFromWait(err error, cmd *exec.Cmd) Result {
	if err == nil {
		return Result{Status: types.StatusCompleted, ExitCode: cmd.ProcessState.ExitCode()}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return Result{Status: types.StatusError, Message: fmt.Sprintf("waiting for child: %v", err)}
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return Result{Status: types.StatusError, Message: fmt.Sprintf("terminated by signal %s", status.Signal())}
	}
	return Result{Status: types.StatusCompleted, ExitCode: exitErr.ExitCode()}
}

// cancelAndAwait delivers SIGINT to the child's process group, waits up to
// grace for it to exit, and escalates to SIGKILL if it doesn't. Per §4.4's
// failure table, a signal that is actually delivered always yields
// Cancelled once the child exits, but a delivery failure (the kill(2) call
// itself erroring, other than ESRCH for an already-dead group) is reported
// as Error so the caller knows the child's fate is unconfirmed - the
// resource is still released by the caller exactly as for any other
// terminal Result.
func cancelAndAwait(cmd *exec.Cmd, waitErr chan error, grace time.Duration) Result {
	pgid := cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGINT); err != nil && err != unix.ESRCH {
		log.Errorw("failed to SIGINT child process group", "pgid", pgid, "error", err)
		<-waitErr
		return Result{Status: types.StatusError, Message: fmt.Sprintf("signal delivery failed: %v", err)}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-waitErr:
	case <-timer.C:
		log.Warnw("shutdown grace period expired, sending SIGKILL", "pgid", pgid)
		if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			log.Errorw("failed to SIGKILL child process group", "pgid", pgid, "error", err)
			<-waitErr
			return Result{Status: types.StatusError, Message: fmt.Sprintf("signal delivery failed: %v", err)}
		}
		<-waitErr
	}
	return Result{Status: types.StatusCancelled}
}

// buildEnv assembles the child's full environment: our own process
// environment (so a test script can find git, bash builtins, and anything
// else on PATH - exec.Cmd.Env replaces rather than extends the parent
// environment once set, so it must be inherited explicitly), the shared
// job env list, LCI_COMMIT, and
// LCI_RESOURCE_<R>_<i> for every claimed token resource, ordered by resource
// key name and then the order the pool handed the tokens out, so results are
// deterministic for a given claim.
func buildEnv(job *Job) []string {
	env := append(os.Environ(), job.Env...)
	env = append(env, "LCI_COMMIT="+string(job.Commit))

	names := make([]string, 0, len(job.Tokens))
	for name := range job.Tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for i, token := range job.Tokens[name] {
			env = append(env, fmt.Sprintf("LCI_RESOURCE_%s_%d=%s", name, i, token))
		}
	}
	return env
}
