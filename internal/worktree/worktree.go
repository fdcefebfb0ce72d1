package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sourcegraph/conc/iter"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/gitexec"
	"github.com/Iron-Ham/simpleaide/internal/gitops"
	"github.com/Iron-Ham/simpleaide/internal/logging"
)

// MainWorkspaceID is reserved for a project's primary checkout.
const MainWorkspaceID = "main"

// Dir is the directory under a project that holds linked worktrees.
const Dir = ".worktrees"

var workspaceIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Workspace is one checkout of a project: the primary checkout or a linked
// worktree.
type Workspace struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
	Branch    string `json:"branch,omitempty"`
	Head      string `json:"head,omitempty"`
	Detached  bool   `json:"detached,omitempty"`
	Prunable  bool   `json:"prunable,omitempty"`
}

// Status describes a workspace relative to its upstream.
type Status struct {
	HasChanges bool   `json:"has_changes"`
	Ahead      int    `json:"ahead"`
	Behind     int    `json:"behind"`
	Upstream   string `json:"upstream,omitempty"`
}

// WorkspaceStatus pairs a workspace with its status. Status is nil when it
// could not be determined.
type WorkspaceStatus struct {
	Workspace
	Status *Status `json:"status"`
}

// Manager handles git worktree operations for projects under one directory.
type Manager struct {
	projectsDir string
	exec        gitexec.Executor
	logger      *logging.Logger
}

// New creates a Manager for projects under projectsDir.
func New(projectsDir string, exec gitexec.Executor, logger *logging.Logger) *Manager {
	return &Manager{
		projectsDir: projectsDir,
		exec:        exec,
		logger:      logging.OrNop(logger).With("component", "worktree"),
	}
}

// ProjectPath returns the primary checkout of projectID.
func (m *Manager) ProjectPath(projectID string) string {
	return filepath.Join(m.projectsDir, projectID)
}

// repoPath validates projectID and returns its primary checkout.
func (m *Manager) repoPath(projectID string) (string, error) {
	if err := gitops.ValidateProjectID(projectID); err != nil {
		return "", err
	}
	return m.ProjectPath(projectID), nil
}

// WorkspacePath returns where workspaceID lives. The main workspace is the
// primary checkout itself.
func (m *Manager) WorkspacePath(projectID, workspaceID string) string {
	if workspaceID == MainWorkspaceID {
		return m.ProjectPath(projectID)
	}
	return filepath.Join(m.ProjectPath(projectID), Dir, workspaceID)
}

// EnsureGitRepo initializes the project directory as a repository with one
// empty commit if it is not one already, so worktrees can be created from it
// immediately. It reports whether a repository was created.
func (m *Manager) EnsureGitRepo(ctx context.Context, projectID string) (bool, error) {
	repo, err := m.repoPath(projectID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(repo, ".git")); err == nil {
		return false, m.excludeWorktreeDir(repo)
	}

	if err := os.MkdirAll(repo, 0755); err != nil {
		return false, fmt.Errorf("failed to create project directory: %w", err)
	}
	if err := m.git(ctx, repo, "failed to initialize repository", "init"); err != nil {
		return false, err
	}
	// A commit identity may not be configured on the host.
	if err := m.git(ctx, repo, "failed to create initial commit",
		"-c", "user.name=simpleaide", "-c", "user.email=simpleaide@localhost", "-c", "commit.gpgsign=false",
		"commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return false, err
	}

	m.logger.WithProject(projectID).Info("initialized project repository", "path", repo)
	return true, m.excludeWorktreeDir(repo)
}

// CreateWorktree creates the linked worktree for workspaceID at
// <project>/.worktrees/<workspaceID>. If branch already exists it is checked
// out; otherwise it is created from baseBranch. A baseBranch of "main" (or
// empty) resolves to the repository's actual default branch when no local
// main exists. An occupied target path is an AlreadyExistsError and is left
// untouched.
func (m *Manager) CreateWorktree(ctx context.Context, projectID, workspaceID, branch, baseBranch string) (*Workspace, error) {
	if err := ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	if err := gitexec.ValidateBranchName(branch); err != nil {
		return nil, err
	}
	if baseBranch != "" {
		if err := gitexec.ValidateBranchName(baseBranch); err != nil {
			return nil, err
		}
	}

	repo, err := m.repoPath(projectID)
	if err != nil {
		return nil, err
	}
	path := m.WorkspacePath(projectID, workspaceID)
	if _, err := os.Lstat(path); err == nil {
		return nil, errors.NewAlreadyExistsError("worktree", path).WithCause(errors.ErrWorktreeExists)
	}
	if err := m.excludeWorktreeDir(repo); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree directory: %w", err)
	}

	var args []string
	if m.branchExists(ctx, repo, branch) {
		args = []string{"worktree", "add", "--", path, branch}
	} else {
		base := baseBranch
		if base == "" || (base == MainWorkspaceID && !m.branchExists(ctx, repo, base)) {
			base = m.DefaultBranch(ctx, projectID)
		}
		args = []string{"worktree", "add", "-b", branch, "--", path, base}
	}

	res, err := m.exec.Run(ctx, args, gitexec.Options{Dir: repo})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, gitFailure(res, "failed to create worktree").WithWorktree(path).WithBranch(branch)
	}

	if err := m.InitSubmodules(ctx, projectID, path); err != nil {
		return nil, err
	}

	m.logger.WithProject(projectID).Info("created worktree", "workspace", workspaceID, "branch", branch, "path", path)
	return &Workspace{ID: workspaceID, ProjectID: projectID, Path: path, Branch: branch}, nil
}

// RemoveWorktree removes the linked worktree for workspaceID. When git no
// longer recognizes the directory as a worktree, the directory is deleted
// and stale registrations are pruned instead.
func (m *Manager) RemoveWorktree(ctx context.Context, projectID, workspaceID string, force bool) error {
	if err := ValidateWorkspaceID(workspaceID); err != nil {
		return err
	}
	repo, err := m.repoPath(projectID)
	if err != nil {
		return err
	}
	path := m.WorkspacePath(projectID, workspaceID)

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "--", path)

	res, err := m.exec.Run(ctx, args, gitexec.Options{Dir: repo})
	if err != nil {
		return err
	}
	if res.Success() {
		m.logger.WithProject(projectID).Info("removed worktree", "workspace", workspaceID)
		return nil
	}
	if !IsNotWorktree(res.Output()) {
		return gitFailure(res, "failed to remove worktree").WithWorktree(path)
	}
	if _, statErr := os.Lstat(path); os.IsNotExist(statErr) && !isRegisteredButMissing(res.Output()) {
		// Neither registered nor on disk.
		if err := m.git(ctx, repo, "failed to prune worktrees", "worktree", "prune"); err != nil {
			return err
		}
		return errors.NewNotFoundError("worktree", workspaceID).WithCause(errors.ErrWorktreeNotFound)
	}

	m.logger.WithProject(projectID).Warn("worktree not registered, removing directory", "workspace", workspaceID, "path", path)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove worktree directory: %w", err)
	}
	return m.git(ctx, repo, "failed to prune worktrees", "worktree", "prune")
}

// GetWorktreeStatus reports uncommitted changes and ahead/behind counts
// against the configured upstream. It returns nil, nil when the workspace
// does not exist; callers must treat that as unknown rather than clean.
func (m *Manager) GetWorktreeStatus(ctx context.Context, projectID, workspaceID string) (*Status, error) {
	if _, err := m.repoPath(projectID); err != nil {
		return nil, err
	}
	if workspaceID != MainWorkspaceID {
		if err := ValidateWorkspaceID(workspaceID); err != nil {
			return nil, err
		}
	}
	path := m.WorkspacePath(projectID, workspaceID)
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}

	res, err := m.exec.Run(ctx, []string{"status", "--porcelain"}, gitexec.Options{Dir: path})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if isNotRepository(res.Output()) {
			return nil, errors.NewGitError("workspace is not a git repository", errors.ErrNotGitRepository).WithWorktree(path)
		}
		return nil, gitFailure(res, "failed to check status").WithWorktree(path)
	}
	status := &Status{HasChanges: strings.TrimSpace(res.Stdout) != ""}

	// No upstream is not an error; ahead and behind stay zero.
	res, err = m.exec.Run(ctx, []string{"rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}"}, gitexec.Options{Dir: path})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return status, nil
	}
	status.Upstream = strings.TrimSpace(res.Stdout)

	res, err = m.exec.Run(ctx, []string{"rev-list", "--left-right", "--count", "@{upstream}...HEAD"}, gitexec.Options{Dir: path})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, gitFailure(res, "failed to count commits against upstream").WithWorktree(path)
	}
	status.Behind, status.Ahead, err = parseLeftRight(res.Stdout)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// List returns the project's workspaces, primary checkout first with id
// "main".
func (m *Manager) List(ctx context.Context, projectID string) ([]Workspace, error) {
	repo, err := m.repoPath(projectID)
	if err != nil {
		return nil, err
	}
	res, err := m.exec.Run(ctx, []string{"worktree", "list", "--porcelain"}, gitexec.Options{Dir: repo})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if isNotRepository(res.Output()) {
			return nil, errors.NewGitError("project is not a git repository", errors.ErrNotGitRepository).WithRepository(repo)
		}
		return nil, gitFailure(res, "failed to list worktrees").WithRepository(repo)
	}

	workspaces := parseWorktreeList(res.Stdout)
	for i := range workspaces {
		workspaces[i].ProjectID = projectID
		if i == 0 {
			workspaces[i].ID = MainWorkspaceID
			continue
		}
		workspaces[i].ID = filepath.Base(workspaces[i].Path)
	}
	return workspaces, nil
}

// ListWithStatus is List plus GetWorktreeStatus for every workspace,
// fetched concurrently.
func (m *Manager) ListWithStatus(ctx context.Context, projectID string) ([]WorkspaceStatus, error) {
	workspaces, err := m.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return iter.Map(workspaces, func(ws *Workspace) WorkspaceStatus {
		status, err := m.GetWorktreeStatus(ctx, projectID, ws.ID)
		if err != nil {
			m.logger.WithProject(projectID).Debug("status unavailable", "workspace", ws.ID, "error", err)
		}
		return WorkspaceStatus{Workspace: *ws, Status: status}
	}), nil
}

// DefaultBranch returns the repository's default branch: origin's HEAD if
// known, then main or master if present, then the branch checked out in the
// primary checkout.
func (m *Manager) DefaultBranch(ctx context.Context, projectID string) string {
	repo, err := m.repoPath(projectID)
	if err != nil {
		return gitexec.FallbackBranch
	}
	if out, ok := m.output(ctx, repo, "symbolic-ref", "--quiet", "--short", "refs/remotes/origin/HEAD"); ok {
		if branch, found := strings.CutPrefix(out, "origin/"); found && branch != "" {
			return branch
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if m.branchExists(ctx, repo, candidate) {
			return candidate
		}
	}
	if out, ok := m.output(ctx, repo, "symbolic-ref", "--quiet", "--short", "HEAD"); ok && out != "" {
		return out
	}
	return gitexec.FallbackBranch
}

// ValidateWorkspaceID rejects ids that could escape the worktree directory
// or that collide with the primary checkout.
func ValidateWorkspaceID(id string) error {
	if id == MainWorkspaceID {
		return errors.NewValidationError("workspace id 'main' is reserved for the primary checkout").WithField("workspace_id")
	}
	if !workspaceIDRegex.MatchString(id) || id == "." || id == ".." {
		return errors.NewValidationError("invalid workspace id").WithField("workspace_id").WithValue(id)
	}
	return nil
}

// IsNotWorktree reports whether git output says a path is not a registered
// worktree, or is registered but its directory is gone.
func IsNotWorktree(output string) bool {
	return strings.Contains(output, "is not a valid worktree") ||
		strings.Contains(output, "is not a working tree") ||
		isRegisteredButMissing(output)
}

// isRegisteredButMissing reports whether git knows the worktree but its
// directory is gone.
func isRegisteredButMissing(output string) bool {
	return strings.Contains(output, "cannot remove working tree") && strings.Contains(output, "does not exist")
}

func isNotRepository(output string) bool {
	return strings.Contains(output, "not a git repository")
}

func (m *Manager) branchExists(ctx context.Context, repo, branch string) bool {
	_, ok := m.output(ctx, repo, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return ok
}

// excludeWorktreeDir keeps linked worktrees out of the primary checkout's
// untracked files.
func (m *Manager) excludeWorktreeDir(repo string) error {
	exclude := filepath.Join(repo, ".git", "info", "exclude")
	pattern := "/" + Dir + "/"

	data, err := os.ReadFile(exclude)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read git exclude file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(exclude), 0755); err != nil {
		return fmt.Errorf("failed to create git info directory: %w", err)
	}
	f, err := os.OpenFile(exclude, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open git exclude file: %w", err)
	}
	defer func() { _ = f.Close() }()

	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + pattern + "\n")
	return err
}

func (m *Manager) git(ctx context.Context, dir, message string, args ...string) error {
	res, err := m.exec.Run(ctx, args, gitexec.Options{Dir: dir})
	if err != nil {
		return err
	}
	if !res.Success() {
		return gitFailure(res, message).WithRepository(dir)
	}
	return nil
}

func (m *Manager) output(ctx context.Context, dir string, args ...string) (string, bool) {
	res, err := m.exec.Run(ctx, args, gitexec.Options{Dir: dir})
	if err != nil || !res.Success() {
		return "", false
	}
	return strings.TrimSpace(res.Stdout), true
}

func gitFailure(res *gitexec.Result, message string) *errors.GitError {
	return errors.NewGitError(message, fmt.Errorf("%w: exit status %d", errors.ErrOperationFailed, res.ExitCode)).WithGitOutput(res.Output())
}

// parseWorktreeList parses `git worktree list --porcelain` into workspaces
// in the order git reports them.
func parseWorktreeList(output string) []Workspace {
	var (
		out     []Workspace
		current *Workspace
	)
	flush := func() {
		if current != nil {
			out = append(out, *current)
			current = nil
		}
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &Workspace{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			current.Detached = true
		case line == "prunable" || strings.HasPrefix(line, "prunable "):
			current.Prunable = true
		}
	}
	flush()
	return out
}

// parseLeftRight parses "<left>\t<right>" from rev-list --left-right --count.
func parseLeftRight(output string) (left, right int, err error) {
	fields := strings.Fields(output)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", strings.TrimSpace(output))
	}
	if left, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("parse behind count: %w", err)
	}
	if right, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("parse ahead count: %w", err)
	}
	return left, right, nil
}
