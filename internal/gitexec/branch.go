package gitexec

import (
	"context"
	"strings"

	"github.com/Iron-Ham/simpleaide/internal/errors"
)

// FallbackBranch is used when a remote's HEAD cannot be determined.
const FallbackBranch = "main"

// RemoteHead asks the remote which branch HEAD points at using
// git ls-remote --symref.
func RemoteHead(ctx context.Context, exec Executor, url, token string) (string, error) {
	res, err := exec.Run(ctx, []string{"ls-remote", "--symref", url, "HEAD"}, Options{Token: token})
	if err != nil {
		return "", err
	}
	if err := res.Err("ls-remote failed"); err != nil {
		return "", err
	}
	branch := ParseSymref(res.Stdout)
	if branch == "" {
		return "", errors.NewGitError("remote HEAD is not a symbolic ref", errors.ErrBranchNotFound)
	}
	return branch, nil
}

// DefaultBranch is RemoteHead with any failure mapped to FallbackBranch.
func DefaultBranch(ctx context.Context, exec Executor, url, token string) string {
	branch, err := RemoteHead(ctx, exec, url, token)
	if err != nil {
		return FallbackBranch
	}
	return branch
}

// ParseSymref extracts the branch from ls-remote --symref output.
// Expected line: "ref: refs/heads/main\tHEAD"
func ParseSymref(output string) string {
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Fields(line)
		if len(parts) >= 2 && parts[0] == "ref:" && strings.HasPrefix(parts[1], "refs/heads/") {
			return strings.TrimPrefix(parts[1], "refs/heads/")
		}
	}
	return ""
}
