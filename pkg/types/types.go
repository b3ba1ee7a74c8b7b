// ============================================================================
// localci Core Type Definitions
// ============================================================================
//
// Package: pkg/types
// Purpose: Core domain models and data structures
//
// Design Principles:
//   1. Domain-Driven Design (DDD) - Business concepts as types
//   2. Type Safety - Custom types prevent primitive obsession
//   3. JSON Serialization - Full serialization support where persisted
//
// Core Types:
//   - Test / TestCase: the (commit, test) unit of work
//   - ResourceKey: the pool's acquisition unit
//   - Notification / Status: the broadcast stream's payload
//
// Timestamps:
//   Unix milliseconds for cross-platform compatibility and JSON
//   portability, consistent across every persisted record.
//
// ============================================================================

// Package types defines core domain models shared across the localci system.
package types

import (
	"fmt"
	"time"
)

// CommitHash identifies a source-control revision.
type CommitHash string

// TreeHash identifies a source tree snapshot, derived from a commit hash
// via the Worktree interface.
type TreeHash string

// ContentHash is the cache key component derived from either a commit hash
// or a tree hash, depending on a test's CachePolicy.
type ContentHash string

// TestName uniquely identifies a Test within a Manager.
type TestName string

// ConfigHash is an integer digest of a test's effective configuration,
// including its dependencies; it participates in the cache key so that a
// config change invalidates stale cache entries without a cache-format bump.
type ConfigHash uint64

// CachePolicy controls whether and how a test's results are cached.
type CachePolicy int

const (
	// CacheNone never consults the cache; the test always runs. Its attempt
	// is still recorded in the result database.
	CacheNone CachePolicy = iota
	// CacheByCommit keys the cache on the commit hash.
	CacheByCommit
	// CacheByTree keys the cache on the tree hash, so commits sharing a tree
	// share a cache entry.
	CacheByTree
)

func (p CachePolicy) String() string {
	switch p {
	case CacheNone:
		return "none"
	case CacheByCommit:
		return "by-commit"
	case CacheByTree:
		return "by-tree"
	default:
		return "unknown"
	}
}

// ResourceKeyKind distinguishes the two flavors of resource a test can need.
type ResourceKeyKind int

const (
	// ResourceWorktree identifies the pool of reusable on-disk worktrees.
	ResourceWorktree ResourceKeyKind = iota
	// ResourceUserToken identifies a named pool of opaque user tokens.
	ResourceUserToken
)

// ResourceKey identifies a named resource pool. Worktree is a singleton key;
// UserToken pools are distinguished by Name.
type ResourceKey struct {
	Kind ResourceKeyKind
	Name string // empty for ResourceWorktree
}

// WorktreeKey is the single ResourceKey identifying the worktree pool.
var WorktreeKey = ResourceKey{Kind: ResourceWorktree}

// TokenKey builds the ResourceKey for a named user-token pool.
func TokenKey(name string) ResourceKey {
	return ResourceKey{Kind: ResourceUserToken, Name: name}
}

func (k ResourceKey) String() string {
	if k.Kind == ResourceWorktree {
		return "worktree"
	}
	return "token:" + k.Name
}

// Test is an immutable test definition, shared by reference across every
// TestCase derived from it. Constructed once at manager construction time
// and never mutated thereafter.
type Test struct {
	Name                 TestName
	ConfigHash           ConfigHash
	Program              string
	Args                 []string
	NeedsResources       map[ResourceKey]int
	ShutdownGracePeriod  time.Duration
	CachePolicy          CachePolicy
}

// NeedsWorktree reports whether this test requires a checked-out worktree.
func (t *Test) NeedsWorktree() bool {
	_, ok := t.NeedsResources[WorktreeKey]
	return ok
}

// TestCaseID is the identity of a TestCase: (commit, test name). The
// cache-hash is deliberately excluded — it is redundant for identity
// per the data model's definition of TestCase.
type TestCaseID struct {
	Commit   CommitHash
	TestName TestName
}

func (id TestCaseID) String() string {
	return fmt.Sprintf("%s@%s", id.TestName, id.Commit)
}

// TestCase is a (commit, test) pair awaiting or undergoing execution.
// CacheHash is empty iff Test.CachePolicy == CacheNone.
type TestCase struct {
	Commit    CommitHash
	CacheHash ContentHash
	Test      *Test
}

// ID derives this test case's identity.
func (tc TestCase) ID() TestCaseID {
	return TestCaseID{Commit: tc.Commit, TestName: tc.Test.Name}
}

// Status is the terminal-or-transitional state reported in a Notification.
type Status int

const (
	StatusEnqueued Status = iota
	StatusStarted
	StatusCompleted
	StatusCancelled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusEnqueued:
		return "Enqueued"
	case StatusStarted:
		return "Started"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Notification is a single event on the manager's broadcast stream.
type Notification struct {
	TestCase TestCaseID
	Status   Status
	ExitCode int    // valid iff Status == StatusCompleted
	Message  string // valid iff Status == StatusError

	// EmittedAtUnixMilli records wall-clock emission time for observers.
	EmittedAtUnixMilli int64
}

// CachedResult is what the result database persists for a clean exit.
type CachedResult struct {
	ExitCode            int   `json:"exit_code"`
	FinishedAtUnixMilli int64 `json:"finished_at_ms"`
}
