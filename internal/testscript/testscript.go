// ============================================================================
// localci Test Script Harness
// ============================================================================
//
// Package: internal/testscript
// File: testscript.go
// Purpose: test-only helper that writes a small bash script usable as a
// manager test's command, for exercising internal/manager end to end
// against a real git repository and real child processes.
//
// Design:
//   A bash script per commit writes a PID file on start, traps SIGINT to
//   leave a marker file behind, optionally takes a lockfile to catch two
//   instances sharing a worktree, and reads commit-message-embedded control
//   tags to choose whether it blocks and what it ultimately exits with.
//   Built with t.TempDir for the marker files and fmt.Sprintf for the script
//   body, which runs via bash -c; marker files are polled with a deadline
//   rather than any file-watch mechanism.
// ============================================================================

package testscript

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/localci/localci/pkg/types"
	"github.com/stretchr/testify/require"
)

// BlockCommitMsgTag, when present in a commit's message, makes the script
// block (sleeping) until it receives SIGINT.
const BlockCommitMsgTag = "block_this_test"

// ExitCodeTag builds the commit-message tag that makes a blocked script
// exit with the given code upon SIGINT, instead of being killed directly
// by the signal.
func ExitCodeTag(code int) string {
	return fmt.Sprintf("exit_code(%d)", code)
}

const scriptTemplate = `
trap 'touch %[1]q$(git rev-parse "$LCI_COMMIT"); exit' SIGINT
echo $$ >> %[2]q$(git rev-parse "$LCI_COMMIT")

if [ -n %[3]q ]; then
	if [ -e "./%[3]s" ]; then
		echo overlap >> %[4]q
	fi
	trap 'rm -f "./%[3]s"' EXIT
	touch "./%[3]s"
fi

commit_msg="$(git log -n1 --format=%%B "$LCI_COMMIT")"
exit_code=$(echo "$commit_msg" | grep -oE 'exit_code\([0-9]+\)' | grep -oE '[0-9]+')
if [[ "$commit_msg" == *block_this_test* ]]; then
	if [[ -n "$exit_code" ]]; then
		trap "exit $exit_code" SIGINT
	fi
	sleep infinity &
	wait $!
fi
exit "${exit_code:-0}"
`

// Script is a runnable command usable as a Test's program/args, with
// assertions about when and how many times it has run for a given commit.
type Script struct {
	t           *testing.T
	dir         string
	testName    types.TestName
	useLockfile bool
}

// New creates a Script backed by a fresh temp directory. useLockfile turns
// on the worktree-sharing detector: a second concurrent run for the same
// worktree will write to bugDetectedPath, which AssertNoBugDetected fails
// the test on.
func New(t *testing.T, testName types.TestName, useLockfile bool) *Script {
	t.Helper()
	dir := t.TempDir()
	return &Script{t: t, dir: dir, testName: testName, useLockfile: useLockfile}
}

func (s *Script) pidPrefix() string      { return filepath.Join(s.dir, "pid.") }
func (s *Script) sigintedPrefix() string { return filepath.Join(s.dir, "siginted.") }
func (s *Script) lockFilename() string {
	if s.useLockfile {
		return "lockfile"
	}
	return ""
}
func (s *Script) bugDetectedPath() string { return filepath.Join(s.dir, "bug_detected") }

// Program returns the program to pass into a types.Test.
func (s *Script) Program() string { return "bash" }

// Args returns the args to pass into a types.Test.
func (s *Script) Args() []string {
	script := fmt.Sprintf(scriptTemplate, s.sigintedPrefix(), s.pidPrefix(), s.lockFilename(), s.bugDetectedPath())
	return []string{"-c", script}
}

// AsTest builds a types.Test running this script.
func (s *Script) AsTest(cachePolicy types.CachePolicy, needsWorktree bool, configHash types.ConfigHash) *types.Test {
	resources := map[types.ResourceKey]int{}
	if needsWorktree {
		resources[types.WorktreeKey] = 1
	}
	return &types.Test{
		Name:                s.testName,
		ConfigHash:          configHash,
		Program:             s.Program(),
		Args:                s.Args(),
		NeedsResources:      resources,
		ShutdownGracePeriod: 2 * time.Second,
		CachePolicy:         cachePolicy,
	}
}

func (s *Script) pidPath(hash types.CommitHash) string {
	return s.pidPrefix() + string(hash)
}

func (s *Script) sigintedPath(hash types.CommitHash) string {
	return s.sigintedPrefix() + string(hash)
}

// WasStarted reports whether the script has ever run for hash.
func (s *Script) WasStarted(hash types.CommitHash) bool {
	_, err := os.Stat(s.pidPath(hash))
	return err == nil
}

// NumRuns returns how many times the script has been spawned for hash.
func (s *Script) NumRuns(hash types.CommitHash) int {
	data, err := os.ReadFile(s.pidPath(hash))
	if err != nil {
		return 0
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return 0
	}
	return len(lines)
}

// Started blocks (up to 10s) until the script has started for hash, then
// returns a handle for asserting on/controlling that running instance.
func (s *Script) Started(hash types.CommitHash) *Started {
	s.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.WasStarted(hash) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.True(s.t, s.WasStarted(hash), "script never started for %s", hash)

	data, err := os.ReadFile(s.pidPath(hash))
	require.NoError(s.t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[len(lines)-1]))
	require.NoError(s.t, err)

	return &Started{script: s, hash: hash, pid: pid}
}

// AssertNoBugDetected fails the test if two script instances ever held the
// same worktree's lockfile at once.
func (s *Script) AssertNoBugDetected() {
	s.t.Helper()
	if _, err := os.Stat(s.bugDetectedPath()); err == nil {
		s.t.Fatalf("test script detected overlapping worktree use for %s", s.testName)
	}
}

// Started is a running instance of a Script, for a specific commit.
type Started struct {
	script *Script
	hash   types.CommitHash
	pid    int
}

// AwaitSigInted blocks (up to 5s) until the process has observed SIGINT.
func (r *Started) AwaitSigInted() {
	r.script.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(r.script.sigintedPath(r.hash)); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	r.script.t.Fatalf("script for %s never observed SIGINT", r.hash)
}

// SigTerm delivers SIGTERM directly to the running script, simulating an
// external kill that the manager should report as an Error rather than a
// Cancelled outcome.
func (r *Started) SigTerm() {
	r.script.t.Helper()
	require.NoError(r.script.t, syscall.Kill(r.pid, syscall.SIGTERM))
}

// ResetStarted removes the PID marker so Script.WasStarted/Started can be
// used again to observe a subsequent run for the same commit.
func (r *Started) ResetStarted() {
	r.script.t.Helper()
	require.NoError(r.script.t, os.Remove(r.script.pidPath(r.hash)))
}
