// ============================================================================
// localci Repository Watcher
// ============================================================================
//
// Package: internal/watch
// File: watch.go
// Purpose: watches a repository's .git directory for changes and pushes the
// debounced, resolved revision set for a range spec into a Manager.
//
// Design:
//   Recursively watch the real .git directory (following worktree pointer
//   files, since .git itself may just be a file in a worktree checkout),
//   debounce any burst of events into a single re-resolution 1s after the
//   last event, and re-run `git rev-list range_spec` on each debounced tick.
//   fsnotify does not recurse on its own, so every subdirectory is walked
//   and added explicitly at Watch-time, and again as new directories appear.
// ============================================================================

package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/localci/localci/internal/gitrepo"
	"github.com/localci/localci/pkg/types"
	"go.uber.org/zap"
)

var log = zap.Must(zap.NewProduction()).Sugar()

const debounce = time.Second

// Watcher recursively watches a repository's .git directory and emits the
// range's resolved revision list on a debounced channel whenever it changes.
type Watcher struct {
	fsw       *fsnotify.Watcher
	gitDir    string
	repoPath  string
	rangeSpec string
	revisions chan []types.CommitHash
}

// New opens a watcher on repoPath's .git directory (resolved via
// gitrepo.GitDir, so it works from inside a worktree checkout too),
// watching for changes relevant to rangeSpec (e.g. "origin/main..HEAD").
func New(ctx context.Context, repoPath, rangeSpec string) (*Watcher, error) {
	gitDir, err := gitrepo.GitDir(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:       fsw,
		gitDir:    gitDir,
		repoPath:  repoPath,
		rangeSpec: rangeSpec,
		revisions: make(chan []types.CommitHash, 1),
	}

	if err := w.addRecursive(gitDir); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil {
				log.Warnw("failed to watch directory", "dir", path, "error", addErr)
			}
		}
		return nil
	})
}

// Revisions returns the channel of debounced, resolved revision lists. The
// channel is closed when Run returns.
func (w *Watcher) Revisions() <-chan []types.CommitHash {
	return w.revisions
}

// Run drives the debounce loop until ctx is cancelled, emitting an initial
// resolution immediately and then one resolution per debounced burst of
// filesystem events. Close the Watcher after Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.revisions)

	if err := w.resolveAndEmit(ctx); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					if addErr := w.fsw.Add(event.Name); addErr != nil {
						log.Warnw("failed to watch new directory", "dir", event.Name, "error", addErr)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.resolveAndEmit(ctx); err != nil {
				log.Errorw("failed to resolve revision range after change", "range", w.rangeSpec, "error", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Errorw("filesystem watch error", "error", err)
		}
	}
}

func (w *Watcher) resolveAndEmit(ctx context.Context) error {
	revs, err := gitrepo.RevList(ctx, w.gitDir, w.rangeSpec)
	if err != nil {
		return err
	}
	select {
	case w.revisions <- revs:
	case <-ctx.Done():
	}
	return nil
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
