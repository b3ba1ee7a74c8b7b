// ============================================================================
// localci Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: loads and validates the TOML configuration describing the
// origin repository, worktree pool, resource pools, test definitions, and
// shared job environment (§6.1).
//
// Design:
//   TOML, not YAML: go-toml/v2 is a natural fit for exactly this kind of
//   "load a struct from a config file" job, and its array-of-tables syntax
//   maps directly onto repeated test/resource definitions without the
//   indentation sensitivity YAML would add.
// ============================================================================

package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/localci/localci/pkg/types"
	"github.com/pelletier/go-toml/v2"
)

// File is the raw shape of the TOML configuration file, matching
// SPEC_FULL.md §6.1.
type File struct {
	Origin         string            `toml:"origin"`
	WorktreeDir    string            `toml:"worktree_dir"`
	WorktreePrefix string            `toml:"worktree_prefix"`
	NumWorktrees   int               `toml:"num_worktrees"`
	Env            map[string]string `toml:"env"`
	Resources      map[string]struct {
		Tokens []string `toml:"tokens"`
	} `toml:"resources"`
	Tests []testFile `toml:"tests"`
}

type testFile struct {
	Name                 string         `toml:"name"`
	Program              string         `toml:"program"`
	Args                 []string       `toml:"args"`
	CachePolicy          string         `toml:"cache_policy"`
	ShutdownGracePeriod  string         `toml:"shutdown_grace_period"`
	NeedsResources       map[string]int `toml:"needs_resources"`
}

// Config is the validated, ready-to-use configuration: a File turned into
// the domain types the rest of the system consumes directly.
type Config struct {
	Origin         string
	WorktreeDir    string
	WorktreePrefix string
	NumWorktrees   int
	Env            []string // "KEY=VALUE" entries, for supervisor.Job.Env
	Resources      map[types.ResourceKey][]string
	Tests          []*types.Test
}

// Load reads, parses, and validates the TOML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config %s: %v", types.ErrConfig, path, err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing config %s: %v", types.ErrConfig, path, err)
	}

	return f.validate()
}

func (f File) validate() (*Config, error) {
	if f.Origin == "" {
		return nil, fmt.Errorf("%w: origin is required", types.ErrConfig)
	}
	if f.NumWorktrees < 1 {
		return nil, fmt.Errorf("%w: num_worktrees must be >= 1, got %d", types.ErrConfig, f.NumWorktrees)
	}
	if f.WorktreePrefix == "" {
		f.WorktreePrefix = "localci-"
	}

	resourceNames := make(map[string]bool, len(f.Resources))
	resources := make(map[types.ResourceKey][]string, len(f.Resources))
	for name, pool := range f.Resources {
		if resourceNames[name] {
			return nil, fmt.Errorf("%w: duplicate resource %q", types.ErrConfig, name)
		}
		resourceNames[name] = true
		resources[types.TokenKey(name)] = pool.Tokens
	}

	env := make([]string, 0, len(f.Env))
	for k, v := range f.Env {
		env = append(env, k+"="+v)
	}

	seenNames := make(map[string]bool, len(f.Tests))
	tests := make([]*types.Test, 0, len(f.Tests))
	for _, tf := range f.Tests {
		if tf.Name == "" {
			return nil, fmt.Errorf("%w: test with empty name", types.ErrConfig)
		}
		if seenNames[tf.Name] {
			return nil, fmt.Errorf("%w: duplicate test name %q", types.ErrConfig, tf.Name)
		}
		seenNames[tf.Name] = true

		if tf.Program == "" {
			return nil, fmt.Errorf("%w: test %q has no program", types.ErrConfig, tf.Name)
		}

		policy, err := parseCachePolicy(tf.CachePolicy)
		if err != nil {
			return nil, fmt.Errorf("%w: test %q: %v", types.ErrConfig, tf.Name, err)
		}

		grace := 10 * time.Second
		if tf.ShutdownGracePeriod != "" {
			grace, err = time.ParseDuration(tf.ShutdownGracePeriod)
			if err != nil {
				return nil, fmt.Errorf("%w: test %q: invalid shutdown_grace_period %q: %v", types.ErrConfig, tf.Name, tf.ShutdownGracePeriod, err)
			}
		}

		needs := make(map[types.ResourceKey]int, len(tf.NeedsResources))
		for name, n := range tf.NeedsResources {
			if name == "worktree" {
				needs[types.WorktreeKey] = n
				continue
			}
			if !resourceNames[name] {
				return nil, fmt.Errorf("%w: test %q references undefined resource %q", types.ErrConfig, tf.Name, name)
			}
			needs[types.TokenKey(name)] = n
		}

		tests = append(tests, &types.Test{
			Name:                types.TestName(tf.Name),
			ConfigHash:          hashTest(tf),
			Program:             tf.Program,
			Args:                tf.Args,
			NeedsResources:      needs,
			ShutdownGracePeriod: grace,
			CachePolicy:         policy,
		})
	}

	return &Config{
		Origin:         f.Origin,
		WorktreeDir:    f.WorktreeDir,
		WorktreePrefix: f.WorktreePrefix,
		NumWorktrees:   f.NumWorktrees,
		Env:            env,
		Resources:      resources,
		Tests:          tests,
	}, nil
}

func parseCachePolicy(s string) (types.CachePolicy, error) {
	switch s {
	case "", "none":
		return types.CacheNone, nil
	case "by-commit":
		return types.CacheByCommit, nil
	case "by-tree":
		return types.CacheByTree, nil
	default:
		return 0, fmt.Errorf("unknown cache_policy %q", s)
	}
}

// hashTest derives a test's ConfigHash from its own effective configuration,
// so that editing a test's program/args/resources invalidates its cache
// entries without a cache-format bump (§4.2).
func hashTest(tf testFile) types.ConfigHash {
	h := fnv1a(tf.Name)
	h = fnv1aAppend(h, tf.Program)
	for _, a := range tf.Args {
		h = fnv1aAppend(h, a)
	}
	h = fnv1aAppend(h, tf.CachePolicy)
	h = fnv1aAppend(h, tf.ShutdownGracePeriod)
	names := make([]string, 0, len(tf.NeedsResources))
	for name := range tf.NeedsResources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h = fnv1aAppend(h, fmt.Sprintf("%s=%d", name, tf.NeedsResources[name]))
	}
	return types.ConfigHash(h)
}

const fnvOffset64 = 14695981039346656037
const fnvPrime64 = 1099511628211

func fnv1a(s string) uint64 {
	return fnv1aAppend(fnvOffset64, s)
}

func fnv1aAppend(h uint64, s string) uint64 {
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}
