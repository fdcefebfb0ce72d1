package capsule

import (
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/logging"
)

var runIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Registry owns the capsules of active runs. Each run has at most one
// capsule, rooted at <root>/<runID>.
type Registry struct {
	fs     afero.Fs
	root   string
	policy Policy
	logger *logging.Logger

	mu       sync.Mutex
	capsules map[string]*Capsule
}

// NewRegistry creates a Registry storing overlays under root on fsys.
func NewRegistry(fsys afero.Fs, root string, policy Policy, logger *logging.Logger) *Registry {
	return &Registry{
		fs:       fsys,
		root:     root,
		policy:   policy,
		logger:   logging.OrNop(logger),
		capsules: make(map[string]*Capsule),
	}
}

// Open returns the capsule for runID, creating it over repoPath if needed.
// An overlay left on disk by an earlier process is picked up. Opening an
// existing run with a different repoPath is an error.
func (r *Registry) Open(runID, repoPath string) (*Capsule, error) {
	if !runIDRegex.MatchString(runID) {
		return nil, errors.NewValidationError("invalid run id").WithField("run_id").WithValue(runID)
	}
	if repoPath == "" {
		return nil, errors.NewValidationError("repository path is required").WithField("repo_path")
	}
	repoPath = filepath.Clean(repoPath)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.capsules[runID]; ok {
		if c.repoPath != repoPath {
			return nil, errors.NewCapsuleError("run already has a capsule for another repository", nil).WithRunID(runID).WithPath(c.repoPath)
		}
		return c, nil
	}

	c, err := newCapsule(r.fs, runID, repoPath, filepath.Join(r.root, runID), r.policy, r.logger)
	if err != nil {
		return nil, err
	}
	r.capsules[runID] = c
	r.logger.WithRun(runID).Info("capsule opened", "repo", repoPath)
	return c, nil
}

// Get returns the open capsule for runID.
func (r *Registry) Get(runID string) (*Capsule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.capsules[runID]
	if !ok {
		return nil, errors.NewNotFoundError("capsule", runID)
	}
	return c, nil
}

// Close cleans up the capsule for runID and forgets it.
func (r *Registry) Close(runID string) error {
	r.mu.Lock()
	c, ok := r.capsules[runID]
	delete(r.capsules, runID)
	r.mu.Unlock()

	if !ok {
		return errors.NewNotFoundError("capsule", runID)
	}
	return c.Cleanup()
}

// Runs returns the ids of open capsules, sorted.
func (r *Registry) Runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.capsules))
	for id := range r.capsules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll cleans up every open capsule, returning the first error.
func (r *Registry) CloseAll() error {
	var first error
	for _, id := range r.Runs() {
		if err := r.Close(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}
