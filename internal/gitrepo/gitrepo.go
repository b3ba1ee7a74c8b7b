// ============================================================================
// localci Git Worktree Management
// ============================================================================
//
// Package: internal/gitrepo
// File: gitrepo.go
// Purpose: Worktree interface and the git-CLI-backed implementation that
// supervisors check commits out into.
//
// Design:
//   We shell out to the git binary via os/exec rather than using a Go git
//   library. Checkout can take real time on a large repo and must be
//   cancellable, and the CLI is the only git "API" with well-understood
//   behaviour for that. exec.Cmd plus exec.CommandContext gives us that
//   cancellation for free.
// ============================================================================

package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/localci/localci/pkg/types"
	"go.uber.org/zap"
)

var log = zap.Must(zap.NewProduction()).Sugar()

// Worktree is a single checkout directory that supervisors run child
// processes against. Checkout re-points the directory at a new commit;
// CommitTree resolves a commit to its tree hash for by-tree cache lookups.
type Worktree interface {
	// Path returns the worktree's filesystem directory.
	Path() string

	// Checkout re-points the worktree at commit. Cancelling ctx aborts an
	// in-progress checkout; the worktree's contents are then undefined and
	// must not be used until a subsequent successful Checkout.
	Checkout(ctx context.Context, commit types.CommitHash) error

	// CommitTree resolves commit to the tree hash of its root tree, for
	// content-addressed cache lookups. Does not require the worktree to
	// currently be checked out at commit.
	CommitTree(ctx context.Context, commit types.CommitHash) (types.TreeHash, error)
}

// GitWorktree is a Worktree backed by a real `git worktree` checkout
// directory alongside an origin repository.
type GitWorktree struct {
	originDir string // path to the repo GitWorktree's worktree was added from
	dir       string // this worktree's own directory
}

// AddWorktree creates a new worktree directory at dir (which must not
// already exist) checked out from the repository at originDir, initially
// pointed at commit.
func AddWorktree(ctx context.Context, originDir, dir string, commit types.CommitHash) (*GitWorktree, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", originDir, "worktree", "add", dir, string(commit))
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: git worktree add %s: %s", types.ErrWorktreeSetup, dir, combinedOutputTail(out, err))
	}
	log.Infow("created worktree", "dir", dir, "commit", commit)
	return &GitWorktree{originDir: originDir, dir: dir}, nil
}

// Path implements Worktree.
func (w *GitWorktree) Path() string {
	return w.dir
}

// Checkout implements Worktree by running `git checkout --detach` inside
// the worktree directory.
func (w *GitWorktree) Checkout(ctx context.Context, commit types.CommitHash) error {
	cmd := exec.CommandContext(ctx, "git", "checkout", "--detach", "--force", string(commit))
	cmd.Dir = w.dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: git checkout %s in %s: %s", types.ErrCheckout, commit, w.dir, combinedOutputTail(out, err))
	}
	return nil
}

// CommitTree implements Worktree by running `git rev-parse <commit>^{tree}`.
// It does not require commit to be checked out in this worktree; any
// worktree sharing the same object store can resolve it.
func (w *GitWorktree) CommitTree(ctx context.Context, commit types.CommitHash) (types.TreeHash, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", string(commit)+"^{tree}")
	cmd.Dir = w.dir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: git rev-parse %s^{tree}: %s", types.ErrCheckout, commit, strings.TrimSpace(stderr.String()))
	}
	return types.TreeHash(strings.TrimSpace(stdout.String())), nil
}

// Remove tears down the worktree via `git worktree remove`, run against the
// origin repository. A failure is logged and also returned, wrapped in
// ErrWorktreeSetup.
func (w *GitWorktree) Remove(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "-C", w.originDir, "worktree", "remove", "--force", w.dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Errorw("failed to remove worktree", "dir", w.dir, "error", err, "output", string(out))
		return fmt.Errorf("%w: git worktree remove %s: %s", types.ErrWorktreeSetup, w.dir, combinedOutputTail(out, err))
	}
	return nil
}

// OriginWorktree wraps the repository's own checkout directory (the one
// the user is actively working in). It implements Worktree so it can be
// resolved for CommitTree lookups and reported through diagnostics, but its
// Checkout always fails: invariant 6 requires that a job needing a worktree
// never runs its child process against the origin checkout, since doing so
// would race the user's own edits.
type OriginWorktree struct {
	dir string
}

// NewOriginWorktree wraps dir, the root of the repository the manager was
// pointed at.
func NewOriginWorktree(dir string) *OriginWorktree {
	return &OriginWorktree{dir: dir}
}

// Path implements Worktree.
func (o *OriginWorktree) Path() string {
	return o.dir
}

// Checkout always fails; see OriginWorktree's doc comment.
func (o *OriginWorktree) Checkout(ctx context.Context, commit types.CommitHash) error {
	return fmt.Errorf("%w: refusing to check out %s onto the origin worktree %s", types.ErrCheckout, commit, o.dir)
}

// CommitTree implements Worktree the same way GitWorktree does; resolving a
// tree hash doesn't touch the origin checkout's contents.
func (o *OriginWorktree) CommitTree(ctx context.Context, commit types.CommitHash) (types.TreeHash, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", string(commit)+"^{tree}")
	cmd.Dir = o.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: git rev-parse %s^{tree}: %s", types.ErrCheckout, commit, strings.TrimSpace(stderr.String()))
	}
	return types.TreeHash(strings.TrimSpace(stdout.String())), nil
}

// RevList resolves range_spec (e.g. "origin/main..HEAD") to the list of
// commit hashes it spans, newest first (git rev-list's default order). An exit code of 128 is git's
// (undocumented but empirically stable) signal for an invalid/empty range,
// which is treated as zero commits rather than an error.
func RevList(ctx context.Context, gitDir, rangeSpec string) ([]types.CommitHash, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", gitDir, "rev-list", rangeSpec)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 128 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("git rev-list %s: %s", rangeSpec, strings.TrimSpace(stderr.String()))
	}
	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	commits := make([]types.CommitHash, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		commits = append(commits, types.CommitHash(line))
	}
	return commits, nil
}

// GitDir resolves the .git directory backing path, following worktree
// pointer files to the real (non-worktree) .git directory. Used by watchers
// that need to recursively monitor it.
func GitDir(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--git-common-dir")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git rev-parse --git-common-dir in %s: %s", path, strings.TrimSpace(stderr.String()))
	}
	dir := strings.TrimSpace(stdout.String())
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	return filepath.Join(path, dir), nil
}

func combinedOutputTail(out []byte, err error) string {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return err.Error()
	}
	return trimmed
}
