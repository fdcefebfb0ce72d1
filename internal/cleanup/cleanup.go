// Package cleanup finds and removes state that a crashed or killed process
// leaves behind: clone staging directories, capsule overlays of runs that no
// longer exist, and ephemeral git credential files.
//
// Discovery and removal are separate steps so callers can show what would be
// removed before doing it.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/gitexec"
	"github.com/Iron-Ham/simpleaide/internal/logging"
	"github.com/Iron-Ham/simpleaide/internal/runstore"
)

// DefaultMinAge is how old staging directories and credential files must be
// before they are treated as abandoned. It exceeds the default clone timeout.
const DefaultMinAge = time.Hour

// RunLookup resolves run metadata. *runstore.Store implements it.
type RunLookup interface {
	GetMetadata(runID string) (*runstore.RunMetadata, error)
}

// Options says where to look and what counts as stale.
type Options struct {
	StagingDir    string
	CapsulesDir   string
	CredentialDir string
	// MinAge protects in-flight clones and credentials; zero uses DefaultMinAge.
	MinAge time.Duration
	// Runs is consulted for every capsule overlay; nil skips capsules.
	Runs RunLookup
	// IncludeFinished also selects overlays of completed, failed or
	// cancelled runs.
	IncludeFinished bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// StaleCapsule is a capsule overlay selected for removal.
type StaleCapsule struct {
	RunID  string `json:"run_id"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result lists what Discover found.
type Result struct {
	StagingDirs     []string       `json:"staging_dirs"`
	Capsules        []StaleCapsule `json:"capsules"`
	CredentialFiles []string       `json:"credential_files"`
}

// Empty reports whether nothing was found.
func (r *Result) Empty() bool {
	return len(r.StagingDirs) == 0 && len(r.Capsules) == 0 && len(r.CredentialFiles) == 0
}

// Results counts what Perform removed.
type Results struct {
	StagingRemoved     int      `json:"staging_removed"`
	CapsulesRemoved    int      `json:"capsules_removed"`
	CredentialsRemoved int      `json:"credentials_removed"`
	Errors             []string `json:"errors,omitempty"`
}

// Discover scans the configured directories. Missing directories are not an
// error; there is simply nothing to clean in them.
func Discover(opts Options) (*Result, error) {
	if opts.MinAge <= 0 {
		opts.MinAge = DefaultMinAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cutoff := opts.Now().Add(-opts.MinAge)

	result := &Result{}
	var err error

	if opts.StagingDir != "" {
		result.StagingDirs, err = olderThan(opts.StagingDir, cutoff, func(e os.DirEntry) bool { return e.IsDir() })
		if err != nil {
			return nil, err
		}
	}

	if opts.CredentialDir != "" {
		result.CredentialFiles, err = olderThan(opts.CredentialDir, cutoff, func(e os.DirEntry) bool {
			return !e.IsDir() && (strings.HasPrefix(e.Name(), gitexec.TokenFilePrefix) ||
				strings.HasPrefix(e.Name(), gitexec.HelperFilePrefix))
		})
		if err != nil {
			return nil, err
		}
	}

	if opts.CapsulesDir != "" && opts.Runs != nil {
		result.Capsules, err = staleCapsules(opts.CapsulesDir, opts.Runs, opts.IncludeFinished)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func olderThan(dir string, cutoff time.Time, keep func(os.DirEntry) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if !keep(entry) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func staleCapsules(dir string, runs RunLookup, includeFinished bool) ([]StaleCapsule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var stale []StaleCapsule
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		path := filepath.Join(dir, runID)

		meta, err := runs.GetMetadata(runID)
		switch {
		case errors.Is(err, errors.ErrRunNotFound):
			stale = append(stale, StaleCapsule{RunID: runID, Path: path, Reason: "run no longer exists"})
		case err != nil:
			// A corrupt run is left for a human to look at.
			continue
		case includeFinished && meta.Status.IsTerminal():
			stale = append(stale, StaleCapsule{RunID: runID, Path: path, Reason: "run " + string(meta.Status)})
		}
	}
	return stale, nil
}

// Perform removes everything in result, continuing past individual failures.
func Perform(result *Result, logger *logging.Logger) *Results {
	logger = logging.OrNop(logger).With("component", "cleanup")
	res := &Results{}

	remove := func(kind, path string, all bool) bool {
		var err error
		if all {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil && !os.IsNotExist(err) {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", kind, path, err))
			logger.Warn("cleanup failed", "kind", kind, "path", path, "error", err)
			return false
		}
		logger.Info("removed", "kind", kind, "path", path)
		return true
	}

	for _, path := range result.StagingDirs {
		if remove("staging", path, true) {
			res.StagingRemoved++
		}
	}
	for _, c := range result.Capsules {
		if remove("capsule", c.Path, true) {
			res.CapsulesRemoved++
		}
	}
	for _, path := range result.CredentialFiles {
		if remove("credential", path, false) {
			res.CredentialsRemoved++
		}
	}
	return res
}
