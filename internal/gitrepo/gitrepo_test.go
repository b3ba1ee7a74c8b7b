package gitrepo

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/localci/localci/pkg/types"
	"github.com/stretchr/testify/require"
)

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return string(out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustGit(t, dir, "init")
	mustGit(t, dir, "commit", "--allow-empty", "-m", "initial")
	return dir
}

func TestAddWorktreeAndCheckout(t *testing.T) {
	origin := initRepo(t)
	head := mustGit(t, origin, "rev-parse", "HEAD")
	headCommit := types.CommitHash(trimNewline(head))

	mustGit(t, origin, "commit", "--allow-empty", "-m", "second")
	second := trimNewline(mustGit(t, origin, "rev-parse", "HEAD"))

	wtDir := filepath.Join(t.TempDir(), "wt")
	wt, err := AddWorktree(context.Background(), origin, wtDir, headCommit)
	require.NoError(t, err)
	require.Equal(t, wtDir, wt.Path())

	require.NoError(t, wt.Checkout(context.Background(), types.CommitHash(second)))

	tree, err := wt.CommitTree(context.Background(), types.CommitHash(second))
	require.NoError(t, err)
	require.NotEmpty(t, tree)

	require.NoError(t, wt.Remove(context.Background()))
}

func TestOriginWorktreeRefusesCheckout(t *testing.T) {
	origin := initRepo(t)
	ow := NewOriginWorktree(origin)
	require.Equal(t, origin, ow.Path())

	err := ow.Checkout(context.Background(), "deadbeef")
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrCheckout)
}

func TestOriginWorktreeCommitTree(t *testing.T) {
	origin := initRepo(t)
	head := trimNewline(mustGit(t, origin, "rev-parse", "HEAD"))
	ow := NewOriginWorktree(origin)

	tree, err := ow.CommitTree(context.Background(), types.CommitHash(head))
	require.NoError(t, err)
	require.NotEmpty(t, tree)
}

func TestRevListEmptyRangeReturnsNoError(t *testing.T) {
	origin := initRepo(t)
	commits, err := RevList(context.Background(), origin, "nonexistent-ref")
	require.NoError(t, err)
	require.Empty(t, commits)
}

func TestRevListResolvesRange(t *testing.T) {
	origin := initRepo(t)
	first := trimNewline(mustGit(t, origin, "rev-parse", "HEAD"))
	mustGit(t, origin, "commit", "--allow-empty", "-m", "second")
	second := trimNewline(mustGit(t, origin, "rev-parse", "HEAD"))

	commits, err := RevList(context.Background(), origin, first+".."+second)
	require.NoError(t, err)
	require.Equal(t, []types.CommitHash{types.CommitHash(second)}, commits)
}

func TestGitDirResolvesCommonDir(t *testing.T) {
	origin := initRepo(t)
	dir, err := GitDir(context.Background(), origin)
	require.NoError(t, err)
	require.DirExists(t, dir)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
