package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/localci/localci/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "localci.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
origin = "/repo"
worktree_dir = "/var/lib/localci/worktrees"
worktree_prefix = "localci-"
num_worktrees = 4

[env]
CI = "true"

[resources.gpu]
tokens = ["gpu0", "gpu1"]

[[tests]]
name = "unit"
program = "make"
args = ["test"]
cache_policy = "by-tree"
shutdown_grace_period = "5s"
[tests.needs_resources]

[[tests]]
name = "gpu-bench"
program = "./bench.sh"
cache_policy = "by-commit"
shutdown_grace_period = "30s"
[tests.needs_resources]
gpu = 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/repo", cfg.Origin)
	assert.Equal(t, 4, cfg.NumWorktrees)
	assert.Contains(t, cfg.Env, "CI=true")
	assert.Len(t, cfg.Tests, 2)

	unit := cfg.Tests[0]
	assert.Equal(t, types.TestName("unit"), unit.Name)
	assert.Equal(t, types.CacheByTree, unit.CachePolicy)
	assert.Equal(t, 5*time.Second, unit.ShutdownGracePeriod)
	assert.Empty(t, unit.NeedsResources)

	bench := cfg.Tests[1]
	assert.Equal(t, 1, bench.NeedsResources[types.TokenKey("gpu")])

	assert.Equal(t, []string{"gpu0", "gpu1"}, cfg.Resources[types.TokenKey("gpu")])
}

func TestLoadRejectsMissingOrigin(t *testing.T) {
	path := writeConfig(t, `num_worktrees = 1`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestLoadRejectsZeroWorktrees(t *testing.T) {
	path := writeConfig(t, `
origin = "/repo"
num_worktrees = 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestLoadRejectsUndefinedResourceReference(t *testing.T) {
	path := writeConfig(t, `
origin = "/repo"
num_worktrees = 1

[[tests]]
name = "unit"
program = "make"
[tests.needs_resources]
nonexistent = 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfig)
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestLoadRejectsDuplicateTestNames(t *testing.T) {
	path := writeConfig(t, `
origin = "/repo"
num_worktrees = 1

[[tests]]
name = "unit"
program = "make"

[[tests]]
name = "unit"
program = "make"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestLoadRejectsUnknownCachePolicy(t *testing.T) {
	path := writeConfig(t, `
origin = "/repo"
num_worktrees = 1

[[tests]]
name = "unit"
program = "make"
cache_policy = "by-vibes"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestWorktreeResourceNameMapsToWorktreeKey(t *testing.T) {
	path := writeConfig(t, `
origin = "/repo"
num_worktrees = 2

[[tests]]
name = "unit"
program = "make"
[tests.needs_resources]
worktree = 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Tests[0].NeedsResources[types.WorktreeKey])
}

func TestConfigHashDiffersAcrossEditedTests(t *testing.T) {
	path1 := writeConfig(t, `
origin = "/repo"
num_worktrees = 1

[[tests]]
name = "unit"
program = "make"
args = ["test"]
`)
	path2 := writeConfig(t, `
origin = "/repo"
num_worktrees = 1

[[tests]]
name = "unit"
program = "make"
args = ["test", "-v"]
`)
	cfg1, err := Load(path1)
	require.NoError(t, err)
	cfg2, err := Load(path2)
	require.NoError(t, err)

	assert.NotEqual(t, cfg1.Tests[0].ConfigHash, cfg2.Tests[0].ConfigHash)
}
