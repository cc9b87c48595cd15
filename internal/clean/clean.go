// Package clean implements the workflow-removal subsystem described in
// spec.md's Clean component: local run-dir removal via sorted,
// symlink-aware glob matching, and remote removal fanned out over
// install targets with shuffled-platform retry.
//
// Concurrent fan-out uses golang.org/x/sync/errgroup, an ecosystem
// dependency added for this package; the rest is grounded on the original cylc-flow
// implementation at _examples/original_source/cylc/flow/clean.py --
// glob_in_run_dir's "sort so parents precede children, exclude redundant
// subpaths, never follow non-standard symlinks" algorithm and
// remote_clean's "shuffle platforms, retry the next one on rc==255"
// dispatch loop are both carried over faithfully, re-expressed with Go's
// filepath.Glob and errgroup instead of Python's glob+deque.
package clean

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// GlobInRunDir executes a filepath.Glob search rooted at runDir, returning
// absolute paths that match pattern. The glob is not recursive: "**"
// matches a single path segment, like "*". It does not follow symlinks other
// than the given symlinkDirs, and suppresses subpaths of a path already
// returned (spec.md: "sorted-parents-before-children, symlink-dir
// exclusion, redundant-subpath suppression").
func GlobInRunDir(runDir, pattern string, symlinkDirs []string) ([]string, error) {
	full := filepath.Join(runDir, pattern)
	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	symSet := make(map[string]bool, len(symlinkDirs))
	for _, d := range symlinkDirs {
		symSet[d] = true
	}

	var results []string
	excluded := make(map[string]bool)
	for _, path := range matches {
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			continue
		}
		if blocked, _ := ancestorBlocks(runDir, rel, path, matches, symSet, excluded); blocked {
			continue
		}
		results = append(results, path)
	}
	return results, nil
}

// ancestorBlocks walks path's ancestors (most general first) deciding
// whether path should be excluded as a redundant subpath of something
// already covered, or as living under a non-standard symlink directory.
func ancestorBlocks(runDir, rel, path string, matches []string, symlinkDirs, excluded map[string]bool) (blocked, isRedundantSubpath bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	ancestor := runDir
	matchSet := make(map[string]bool, len(matches))
	for _, m := range matches {
		matchSet[m] = true
	}
	for i := 0; i < len(parts)-1; i++ {
		ancestor = filepath.Join(ancestor, parts[i])
		if excluded[ancestor] {
			return true, true
		}
		if isSymlink(ancestor) && !symlinkDirs[ancestor] {
			excluded[ancestor] = true
			return true, true
		}
		if len(symlinkDirs) == 0 && matchSet[ancestor] {
			excluded[ancestor] = true
			return true, true
		}
	}
	parentDir := filepath.Dir(path)
	if matchSet[parentDir] && !symlinkDirs[path] {
		return true, true
	}
	return false, false
}

func isSymlink(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

// CleanUsingGlob deletes the files/dirs in runDir matching pattern, per
// spec.md: symlink dirs are removed first (deepest to shallowest), then
// everything else.
func CleanUsingGlob(runDir, pattern string, symlinkDirs []string) error {
	absSym := make([]string, len(symlinkDirs))
	for i, d := range symlinkDirs {
		absSym[i] = filepath.Join(runDir, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(absSym)))

	matches, err := GlobInRunDir(runDir, pattern, absSym)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}
	matchSet := make(map[string]bool, len(matches))
	for _, m := range matches {
		matchSet[m] = true
	}
	for _, sym := range absSym {
		if !matchSet[sym] {
			continue
		}
		if err := removeDirAndTarget(sym); err != nil {
			return err
		}
		delete(matchSet, sym)
		if sym == runDir {
			return nil
		}
	}
	var rest []string
	for _, m := range matches {
		if matchSet[m] {
			rest = append(rest, m)
		}
	}
	for _, m := range rest {
		if err := removeDirOrFile(m); err != nil {
			return err
		}
	}
	return nil
}

// removeDirAndTarget removes a symlink directory and the directory it
// points to.
func removeDirAndTarget(path string) error {
	if target, err := os.Readlink(path); err == nil {
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(path), target)
		}
		os.RemoveAll(resolved)
	}
	return os.RemoveAll(path)
}

func removeDirOrFile(path string) error {
	return os.RemoveAll(path)
}

// Clean performs wholesale (rmDirs nil/empty) or targeted removal inside a
// workflow's run dir. A wholesale clean removes every top-level entry of
// runDir; runDir itself and a runN symlink beside it are left in place.
func Clean(runDir string, rmDirs []string, symlinkDirs []string) error {
	if len(rmDirs) == 0 {
		return CleanUsingGlob(runDir, "**", symlinkDirs)
	}
	for _, d := range rmDirs {
		if err := CleanUsingGlob(runDir, d, symlinkDirs); err != nil {
			return err
		}
	}
	return nil
}

// RemoteCleanCmd builds the argv used to clean one platform's install
// target remotely (spec.md: "cylc clean" dispatched over SSH).
func RemoteCleanCmd(workflowID string, rmDirs []string, timeoutSeconds int) []string {
	cmd := []string{"cylc", "clean", "--local-only", workflowID}
	for _, d := range rmDirs {
		cmd = append(cmd, "--rm", d)
	}
	return cmd
}

// RemoteRunner runs RemoteCleanCmd on one platform of an install target
// (the second argument is the platform name), returning its exit
// code; rc==255 means "could not connect", per spec.md retry semantics.
type RemoteRunner func(ctx context.Context, installTarget string, cmd []string) (rc int, err error)

// cannotConnectRC is the sentinel exit code meaning a platform in an
// install target's group couldn't be reached, so the next platform should
// be tried (spec.md: "rc==255 retries next platform").
const cannotConnectRC = 255

// RemoteClean fans out cleaning over install targets concurrently (one
// goroutine per install target, no concurrency limit), trying platforms
// within an install target's candidate list in shuffled order and moving
// to the next on a connection failure. One target's failure does not stop
// the others; every failed target's error is joined into the result.
func RemoteClean(ctx context.Context, workflowID string, installTargetPlatforms map[string][]string, rmDirs []string, timeoutSeconds int, run RemoteRunner) error {
	var g errgroup.Group
	var mu sync.Mutex
	var failed []error
	cmd := RemoteCleanCmd(workflowID, rmDirs, timeoutSeconds)

	targets := make([]string, 0, len(installTargetPlatforms))
	for t := range installTargetPlatforms {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, target := range targets {
		target := target
		platforms := append([]string(nil), installTargetPlatforms[target]...)
		rand.Shuffle(len(platforms), func(i, j int) { platforms[i], platforms[j] = platforms[j], platforms[i] })
		g.Go(func() error {
			if err := cleanOneTarget(ctx, target, platforms, cmd, run); err != nil {
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failed...)
}

func cleanOneTarget(ctx context.Context, target string, platforms []string, cmd []string, run RemoteRunner) error {
	var lastErr error
	for _, platform := range platforms {
		rc, err := run(ctx, platform, cmd)
		if err != nil {
			lastErr = err
			continue
		}
		if rc == cannotConnectRC {
			lastErr = fmt.Errorf("clean: cannot connect to platform %q for install target %q", platform, target)
			continue
		}
		if rc != 0 {
			return fmt.Errorf("clean: platform %q exited %d for install target %q", platform, rc, target)
		}
		return nil
	}
	return lastErr
}
