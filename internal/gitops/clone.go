package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/gitexec"
	"github.com/Iron-Ham/simpleaide/internal/remote"
	"github.com/Iron-Ham/simpleaide/internal/storage"
)

// CloneRequest describes a clone of a remote into a new project.
type CloneRequest struct {
	ProjectID   string
	ProjectName string
	URL         string
	// Branch is checked out after cloning; empty means the remote's default.
	Branch string
	// AuthRef names stored credentials for logging; the secret itself is Token.
	AuthRef string
	// Token enables HTTPS token authentication.
	Token string
	// Depth limits history; 0 uses Config.DefaultDepth.
	Depth int
	// RecurseSubmodules is OR'd with Config.RecurseSubmodules.
	RecurseSubmodules bool
	// OpID attaches to an operation created by NewOperation.
	OpID string
}

// Clone validates the remote, clones it into a staging directory, verifies the
// result and promotes it to the project path. It never overwrites an existing
// project path and always removes the staging directory.
func (p *Pipeline) Clone(ctx context.Context, req CloneRequest) Result {
	if err := ValidateProjectID(req.ProjectID); err != nil {
		return p.reject(req.OpID, err)
	}
	if req.Depth < 0 {
		return p.reject(req.OpID, errors.NewValidationError("depth must be non-negative").WithField("depth").WithValue(req.Depth))
	}
	if req.Branch != "" {
		if err := gitexec.ValidateBranchName(req.Branch); err != nil {
			return p.reject(req.OpID, err)
		}
	}
	if req.Token != "" && !remote.IsHTTPS(req.URL) {
		return p.reject(req.OpID, errors.NewValidationError("token authentication requires an https remote").WithField("url"))
	}
	info, err := p.validator.Validate(req.URL)
	if err != nil {
		return p.reject(req.OpID, err)
	}

	r, failed := p.begin(req.OpID, req.ProjectID, storage.OpClone)
	if failed != nil {
		return *failed
	}
	defer r.close()

	r.log.Printf("project %q from %s (provider=%s, auth=%s)", req.ProjectName, info.SanitizedURL, info.Provider, authLabel(req))

	finalPath := p.ProjectPath(req.ProjectID)
	if exists(finalPath) {
		return r.fail(errors.NewAlreadyExistsError("project path", finalPath).WithCause(errors.ErrProjectExists))
	}

	r.stage(StageResolveBranch)
	branch := req.Branch
	explicit := branch != ""
	if !explicit {
		head, err := gitexec.RemoteHead(ctx, p.exec, info.SanitizedURL, req.Token)
		if err == nil {
			err = gitexec.ValidateBranchName(head)
		}
		if err != nil {
			r.log.Printf("could not read remote HEAD, using %s: %v", gitexec.FallbackBranch, err)
			branch = gitexec.FallbackBranch
		} else {
			branch = head
			explicit = true
		}
	}
	r.log.Printf("target branch: %s", branch)

	if err := os.MkdirAll(p.cfg.StagingDir, 0755); err != nil {
		return r.fail(fmt.Errorf("failed to create staging directory: %w", err))
	}
	staging := filepath.Join(p.cfg.StagingDir, req.ProjectID+"-"+uuid.NewString())
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			r.logger.Warn("failed to remove staging directory", "path", staging, "error", err)
		}
	}()

	r.stage(StageClone)
	args := []string{"clone"}
	if explicit {
		args = append(args, "--branch", branch)
	}
	depth := req.Depth
	if depth == 0 {
		depth = p.cfg.DefaultDepth
	}
	if depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	if req.RecurseSubmodules || p.cfg.RecurseSubmodules {
		args = append(args, "--recurse-submodules")
	}
	args = append(args, "--", info.SanitizedURL, staging)

	res, err := r.git(ctx, args, gitexec.Options{Token: req.Token})
	if err != nil {
		return r.fail(err)
	}
	if err := res.Err("git clone failed"); err != nil {
		return r.fail(err)
	}

	r.stage(StageVerify)
	checkedOut, err := p.verifyClone(ctx, r, staging)
	if err != nil {
		return r.fail(err)
	}

	r.stage(StagePromote)
	if err := os.MkdirAll(p.cfg.ProjectsDir, 0755); err != nil {
		return r.fail(fmt.Errorf("failed to create projects directory: %w", err))
	}
	if exists(finalPath) {
		return r.fail(errors.NewAlreadyExistsError("project path", finalPath).WithCause(errors.ErrProjectExists))
	}
	if err := os.Rename(staging, finalPath); err != nil {
		return r.fail(fmt.Errorf("failed to promote clone to %s: %w", finalPath, err))
	}

	r.stage(StageRegister)
	descriptor := &storage.RemoteDescriptor{
		ProjectID:     req.ProjectID,
		SanitizedURL:  info.SanitizedURL,
		Provider:      string(info.Provider),
		Owner:         info.Owner,
		Repo:          info.Repo,
		DefaultBranch: checkedOut,
	}
	if err := p.store.SaveRemote(descriptor); err != nil {
		return r.fail(fmt.Errorf("clone promoted but remote registration failed: %w", err))
	}

	return r.succeed(finalPath)
}

// verifyClone checks that dir holds git metadata with a resolvable HEAD and
// returns the checked-out branch.
func (p *Pipeline) verifyClone(ctx context.Context, r *run, dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", errors.NewGitError("clone produced no repository metadata", errors.ErrCloneIncomplete).WithRepository(dir)
	}

	res, err := r.git(ctx, []string{"rev-parse", "--verify", "HEAD"}, gitexec.Options{Dir: dir})
	if err != nil {
		return "", err
	}
	if !res.Success() || strings.TrimSpace(res.Stdout) == "" {
		return "", errors.NewGitError("clone has no resolvable HEAD", errors.ErrCloneIncomplete).WithGitOutput(res.Output())
	}

	res, err = r.git(ctx, []string{"rev-parse", "--abbrev-ref", "HEAD"}, gitexec.Options{Dir: dir})
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(res.Stdout)
	if !res.Success() || branch == "" || branch == "HEAD" {
		branch = gitexec.FallbackBranch
	}
	return branch, nil
}

func authLabel(req CloneRequest) string {
	switch {
	case req.AuthRef != "":
		return req.AuthRef
	case req.Token != "":
		return "token"
	default:
		return "none"
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
