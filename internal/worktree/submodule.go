package worktree

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/gitexec"
	"github.com/Iron-Ham/simpleaide/internal/util"
)

// SubmoduleInfo contains information about a git submodule.
type SubmoduleInfo struct {
	Name   string // The submodule name from .gitmodules
	Path   string // The relative path to the submodule
	URL    string // The submodule URL
	Branch string // Branch to track (empty if not specified)
}

// HasSubmodules checks if the project has a non-empty .gitmodules file.
func (m *Manager) HasSubmodules(projectID string) bool {
	repo, err := m.repoPath(projectID)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(repo, ".gitmodules"))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// Submodules returns the submodules declared by the project.
func (m *Manager) Submodules(projectID string) ([]SubmoduleInfo, error) {
	repo, err := m.repoPath(projectID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(repo, ".gitmodules"))
	if os.IsNotExist(err) {
		return []SubmoduleInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return parseGitmodules(f)
}

// InitSubmodules initializes submodules in a new worktree. It is a no-op when
// the project has none. Submodule URLs are not passed through the remote
// allow-list, so the local file transport stays at git's default (disabled).
func (m *Manager) InitSubmodules(ctx context.Context, projectID, worktreePath string) error {
	if !m.HasSubmodules(projectID) {
		return nil
	}

	res, err := m.exec.Run(ctx, []string{"submodule", "update", "--init", "--recursive"}, gitexec.Options{Dir: worktreePath})
	if err != nil {
		return err
	}
	output := res.Output()
	m.logger.Debug("git submodule update", "path", worktreePath, "output", util.TruncateString(output, 500))

	if res.Success() {
		m.logger.Info("submodules initialized", "path", worktreePath)
		return nil
	}
	if res.TimedOut || isSubmoduleCriticalError(output) {
		return gitFailure(res, "submodule init failed").WithWorktree(worktreePath)
	}
	m.logger.Warn("submodule initialization had issues", "path", worktreePath, "output", util.TruncateString(output, 500))
	return nil
}

// IsSubmodulePath reports whether relativePath is inside one of the
// project's submodules.
func (m *Manager) IsSubmodulePath(projectID, relativePath string) bool {
	submodules, err := m.Submodules(projectID)
	if err != nil {
		return false
	}

	relativePath = filepath.ToSlash(relativePath)
	for _, sm := range submodules {
		p := filepath.ToSlash(sm.Path)
		if relativePath == p || strings.HasPrefix(relativePath, p+"/") {
			return true
		}
	}
	return false
}

// parseGitmodules parses .gitmodules content. Entries without a path are
// skipped.
func parseGitmodules(r io.Reader) ([]SubmoduleInfo, error) {
	var submodules []SubmoduleInfo
	var current *SubmoduleInfo

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[submodule ") {
			if current != nil && current.Path != "" {
				submodules = append(submodules, *current)
			}
			name := strings.TrimSuffix(strings.TrimPrefix(line, "[submodule "), "]")
			current = &SubmoduleInfo{Name: strings.Trim(name, "\"")}
			continue
		}
		if current == nil {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "path":
			current.Path = value
		case "url":
			current.URL = value
		case "branch":
			current.Branch = value
		}
	}
	if current != nil && current.Path != "" {
		submodules = append(submodules, *current)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read .gitmodules")
	}
	return submodules, nil
}

// isSubmoduleCriticalError separates failures that should fail worktree
// creation from warnings that can be ignored.
func isSubmoduleCriticalError(output string) bool {
	criticalPatterns := []string{
		"fatal:",
		"permission denied",
		"could not read from remote",
		"repository not found",
		"unable to access",
		"authentication failed",
		"host key verification failed",
		"no submodule mapping found",
		"transport 'file' not allowed",
	}

	lower := strings.ToLower(output)
	for _, pattern := range criticalPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return strings.Contains(lower, "clone") && strings.Contains(lower, "failed")
}
