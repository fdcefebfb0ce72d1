// Package testutil provides git fixtures for simpleaide tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository with one commit on main.
// The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	RunGit(t, dir, "init")
	RunGit(t, dir, "config", "user.email", "test@simpleaide.dev")
	RunGit(t, dir, "config", "user.name", "Simpleaide Test")

	// git worktree requires at least one commit
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repository\n"), 0644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	RunGit(t, dir, "add", ".")
	RunGit(t, dir, "commit", "-m", "Initial commit")

	// some systems default to master
	RunGit(t, dir, "branch", "-M", "main")

	return dir
}

// SetupTestRepoWithRemote creates a repository whose origin is a bare
// repository with main pushed to it.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	remoteDir = t.TempDir()
	RunGit(t, remoteDir, "init", "--bare")
	// keep HEAD pointing at main regardless of init.defaultBranch
	RunGit(t, remoteDir, "symbolic-ref", "HEAD", "refs/heads/main")

	repoDir = SetupTestRepo(t)
	RunGit(t, repoDir, "remote", "add", "origin", remoteDir)
	RunGit(t, repoDir, "push", "-u", "origin", "main")

	return repoDir, remoteDir
}

// CloneProject clones remoteDir into projectsDir/projectID the way a
// finished clone operation would leave it.
func CloneProject(t *testing.T, remoteDir, projectsDir, projectID string) string {
	t.Helper()

	if err := os.MkdirAll(projectsDir, 0755); err != nil {
		t.Fatalf("failed to create projects dir: %v", err)
	}
	dest := filepath.Join(projectsDir, projectID)
	RunGit(t, projectsDir, "clone", remoteDir, dest)
	RunGit(t, dest, "config", "user.email", "test@simpleaide.dev")
	RunGit(t, dest, "config", "user.name", "Simpleaide Test")
	return dest
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	writeFile(t, repoDir, path, content)
	RunGit(t, repoDir, "add", path)
	RunGit(t, repoDir, "commit", "-m", message)
}

// CreateBranch creates a new branch in the repository.
func CreateBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	RunGit(t, repoDir, "branch", branch)
}

// CheckoutBranch switches to a branch.
func CheckoutBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	RunGit(t, repoDir, "checkout", branch)
}

// GetCurrentBranch returns the current branch name.
func GetCurrentBranch(t *testing.T, repoDir string) string {
	t.Helper()
	return RunGit(t, repoDir, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit returns the full hash of HEAD.
func HeadCommit(t *testing.T, repoDir string) string {
	t.Helper()
	return RunGit(t, repoDir, "rev-parse", "HEAD")
}

// GetCommitCount returns the number of commits reachable from HEAD.
func GetCommitCount(t *testing.T, repoDir string) int {
	t.Helper()

	count, err := strconv.Atoi(RunGit(t, repoDir, "rev-list", "--count", "HEAD"))
	if err != nil {
		t.Fatalf("failed to parse commit count: %v", err)
	}
	return count
}

// HasUncommittedChanges returns true if the repository has uncommitted changes.
func HasUncommittedChanges(t *testing.T, repoDir string) bool {
	t.Helper()
	return RunGit(t, repoDir, "status", "--porcelain") != ""
}

// ListWorktrees returns the paths of all worktrees, main checkout first.
func ListWorktrees(t *testing.T, repoDir string) []string {
	t.Helper()

	var worktrees []string
	for _, line := range strings.Split(RunGit(t, repoDir, "worktree", "list", "--porcelain"), "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// RunGit runs git in dir and returns its trimmed stdout, failing the test on
// a non-zero exit.
func RunGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Simpleaide Test",
		"GIT_AUTHOR_EMAIL=test@simpleaide.dev",
		"GIT_COMMITTER_NAME=Simpleaide Test",
		"GIT_COMMITTER_EMAIL=test@simpleaide.dev",
		"GIT_TERMINAL_PROMPT=0",
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %s in %s: %v\n%s", strings.Join(args, " "), dir, err, stderr.String())
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, path, content string) {
	t.Helper()

	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}
