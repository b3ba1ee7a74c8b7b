// ============================================================================
// localci Result Database
// ============================================================================
//
// Package: internal/resultdb
// File: resultdb.go
// Purpose: content-addressed cache of test attempt outcomes, backed by a
// single bbolt file plus a directory of per-attempt output files.
//
// Design:
//   Cache hits and output writes are two different shapes of problem.
//   Lookup is a tiny, latency-sensitive key->struct read, which is exactly
//   what a bbolt bucket is for. Output is a pair of growing byte streams
//   that must survive a crash mid-write without corrupting a prior good
//   result, which is exactly the atomic temp-file-then-rename discipline
//   internal/snapshot.Manager.Write used for whole-state JSON snapshots
//   (see DESIGN.md) - here adapted from one snapshot file to one directory
//   per attempt (stdout, stderr, attempt.yaml), and with a CRC32 of the
//   output bytes (adapted from the WAL's checksum.go) so a later reader can
//   detect a truncated file without re-reading the whole thing.
// ============================================================================

package resultdb

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/localci/localci/pkg/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var log = zap.Must(zap.NewProduction()).Sugar()

var resultsBucket = []byte("results")

// Key identifies a cached result the way §4.2's external contract does:
// content hash (commit or tree hash, depending on a test's cache policy),
// test name, and a hash of the test's own configuration.
type Key struct {
	ContentHash types.ContentHash
	TestName    types.TestName
	ConfigHash  types.ConfigHash
}

func (k Key) bucketKey() []byte {
	return []byte(string(k.ContentHash) + "\x00" + string(k.TestName) + "\x00" +
		strconv.FormatUint(uint64(k.ConfigHash), 16))
}

func (k Key) dirName() string {
	return hex.EncodeToString(k.bucketKey())
}

// DB is a content-addressed result cache: a bbolt file recording
// exit-code/finish-time per Key, plus a directory of per-attempt output
// files underneath outputDir.
type DB struct {
	bolt      *bbolt.DB
	outputDir string
}

// Open opens (creating if absent) the bbolt file at boltPath and ensures
// outputDir exists for attempt output files.
func Open(boltPath, outputDir string) (*DB, error) {
	bdb, err := bbolt.Open(boltPath, 0644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening result database %s: %v", types.ErrCacheRead, boltPath, err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("%w: creating results bucket: %v", types.ErrCacheWrite, err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		bdb.Close()
		return nil, fmt.Errorf("%w: creating output directory %s: %v", types.ErrCacheWrite, outputDir, err)
	}
	return &DB{bolt: bdb, outputDir: outputDir}, nil
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// CachedResult returns a prior Completed result for key, if one exists. A
// read failure is reported as an error; per §4.2 the manager treats it as a
// cache miss and logs it rather than failing the job.
func (d *DB) CachedResult(ctx context.Context, key Key) (types.CachedResult, bool, error) {
	var result types.CachedResult
	var found bool
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(resultsBucket).Get(key.bucketKey())
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &result)
	})
	if err != nil {
		return types.CachedResult{}, false, fmt.Errorf("%w: %v", types.ErrCacheRead, err)
	}
	return result, found, nil
}

// OutputHandle is an in-progress attempt's output sinks. Stdout/Stderr are
// plain io.Writers, matching exec.Cmd's own Stdout/Stderr field type, so a
// supervisor can wire them in directly. SetResult must be called exactly
// once, after the child has exited, to finalize the attempt atomically.
type OutputHandle struct {
	db    *DB
	key   Key
	tmp   string
	final string

	Stdout io.Writer
	Stderr io.Writer

	stdoutFile, stderrFile *os.File
	stdoutHash, stderrHash hash.Hash32
	commit                 types.CommitHash
	startedAt              time.Time
}

// CreateOutput opens (overwriting any previous attempt) the output sinks
// for key. commit is recorded in the attempt's YAML sidecar for human
// inspection; it plays no role in the cache key itself. A cache entry is
// always published on SetResult, even for a test whose cache policy is
// "none" - the caller (internal/manager) is responsible for never issuing
// a CachedResult lookup for such a test, not for suppressing the write.
func (d *DB) CreateOutput(key Key, commit types.CommitHash) (*OutputHandle, error) {
	tmp := filepath.Join(d.outputDir, "tmp-"+key.dirName())
	final := filepath.Join(d.outputDir, key.dirName())

	if err := os.RemoveAll(tmp); err != nil {
		return nil, fmt.Errorf("%w: clearing stale temp dir %s: %v", types.ErrCacheWrite, tmp, err)
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating attempt dir %s: %v", types.ErrCacheWrite, tmp, err)
	}

	stdoutFile, err := os.Create(filepath.Join(tmp, "stdout"))
	if err != nil {
		return nil, fmt.Errorf("%w: creating stdout sink: %v", types.ErrCacheWrite, err)
	}
	stderrFile, err := os.Create(filepath.Join(tmp, "stderr"))
	if err != nil {
		stdoutFile.Close()
		return nil, fmt.Errorf("%w: creating stderr sink: %v", types.ErrCacheWrite, err)
	}

	stdoutHash := crc32.NewIEEE()
	stderrHash := crc32.NewIEEE()

	return &OutputHandle{
		db:         d,
		key:        key,
		tmp:        tmp,
		final:      final,
		Stdout:     io.MultiWriter(stdoutFile, stdoutHash),
		Stderr:     io.MultiWriter(stderrFile, stderrHash),
		stdoutFile: stdoutFile,
		stderrFile: stderrFile,
		stdoutHash: stdoutHash,
		stderrHash: stderrHash,
		commit:     commit,
		startedAt:  time.Now(),
	}, nil
}

type attemptSidecar struct {
	Commit              string `yaml:"commit"`
	TestName            string `yaml:"test_name"`
	ConfigHash          string `yaml:"config_hash"`
	ExitCode            int    `yaml:"exit_code"`
	StartedAtUnixMilli  int64  `yaml:"started_at_ms"`
	FinishedAtUnixMilli int64  `yaml:"finished_at_ms"`
	StdoutCRC32         uint32 `yaml:"stdout_crc32"`
	StderrCRC32         uint32 `yaml:"stderr_crc32"`
}

// SetResult closes the output sinks, writes the YAML attempt sidecar,
// atomically publishes the attempt directory, and records the cache entry.
// Must be called exactly once. A failure here is returned to the caller;
// internal/manager logs it and still reports the attempt as Completed, since
// the child itself exited cleanly.
func (h *OutputHandle) SetResult(exitCode int) error {
	finishedAt := time.Now()

	if err := h.stdoutFile.Close(); err != nil {
		return fmt.Errorf("%w: closing stdout sink: %v", types.ErrCacheWrite, err)
	}
	if err := h.stderrFile.Close(); err != nil {
		return fmt.Errorf("%w: closing stderr sink: %v", types.ErrCacheWrite, err)
	}

	sidecar := attemptSidecar{
		Commit:              string(h.commit),
		TestName:            string(h.key.TestName),
		ConfigHash:          strconv.FormatUint(uint64(h.key.ConfigHash), 16),
		ExitCode:            exitCode,
		StartedAtUnixMilli:  h.startedAt.UnixMilli(),
		FinishedAtUnixMilli: finishedAt.UnixMilli(),
		StdoutCRC32:         h.stdoutHash.Sum32(),
		StderrCRC32:         h.stderrHash.Sum32(),
	}
	yamlBytes, err := yaml.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("%w: marshalling attempt sidecar: %v", types.ErrCacheWrite, err)
	}
	if err := os.WriteFile(filepath.Join(h.tmp, "attempt.yaml"), yamlBytes, 0644); err != nil {
		return fmt.Errorf("%w: writing attempt sidecar: %v", types.ErrCacheWrite, err)
	}

	if err := os.RemoveAll(h.final); err != nil {
		return fmt.Errorf("%w: clearing prior attempt dir %s: %v", types.ErrCacheWrite, h.final, err)
	}
	if err := os.Rename(h.tmp, h.final); err != nil {
		return fmt.Errorf("%w: publishing attempt dir: %v", types.ErrCacheWrite, err)
	}

	result := types.CachedResult{ExitCode: exitCode, FinishedAtUnixMilli: finishedAt.UnixMilli()}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: marshalling cache entry: %v", types.ErrCacheWrite, err)
	}
	err = h.db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resultsBucket).Put(h.key.bucketKey(), data)
	})
	if err != nil {
		return fmt.Errorf("%w: writing cache entry: %v", types.ErrCacheWrite, err)
	}

	log.Infow("recorded test attempt", "test", h.key.TestName, "commit", h.commit, "exitCode", exitCode)
	return nil
}

// Abandon discards an in-progress attempt's temp files without publishing
// anything, for use when a job is cancelled before completion.
func (h *OutputHandle) Abandon() {
	h.stdoutFile.Close()
	h.stderrFile.Close()
	if err := os.RemoveAll(h.tmp); err != nil {
		log.Errorw("failed to clean up abandoned attempt dir", "dir", h.tmp, "error", err)
	}
}
