package gitops

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/gitexec"
	"github.com/Iron-Ham/simpleaide/internal/remote"
	"github.com/Iron-Ham/simpleaide/internal/storage"
)

// PullRequest describes a fast-forward update of an existing project.
type PullRequest struct {
	ProjectID string
	// Token enables HTTPS token authentication; the registered remote must be https.
	Token string
	// OpID attaches to an operation created by NewOperation.
	OpID string
}

// NonFastForwardMessage is the error reported when local and remote history
// have diverged.
const NonFastForwardMessage = "branch has diverged from its upstream; manual merge or reset required"

// Pull fetches with prune and then pulls fast-forward only. It never creates
// a merge commit. On success the remote's LastFetchedAt is updated.
func (p *Pipeline) Pull(ctx context.Context, req PullRequest) Result {
	if err := ValidateProjectID(req.ProjectID); err != nil {
		return p.reject(req.OpID, err)
	}
	if req.Token != "" {
		desc, err := p.store.GetRemote(req.ProjectID)
		if err != nil {
			return p.reject(req.OpID, err)
		}
		if !remote.IsHTTPS(desc.SanitizedURL) {
			return p.reject(req.OpID, errors.NewValidationError("token authentication requires an https remote").WithField("token"))
		}
	}

	r, failed := p.begin(req.OpID, req.ProjectID, storage.OpPull)
	if failed != nil {
		return *failed
	}
	defer r.close()

	path := p.ProjectPath(req.ProjectID)
	if _, err := os.Stat(path); err != nil {
		return r.fail(errors.NewNotFoundError("project", req.ProjectID).WithCause(err))
	}

	r.stage(StageFetch)
	fetchStart := time.Now()
	res, err := r.git(ctx, []string{"fetch", "--prune"}, gitexec.Options{Dir: path, Token: req.Token})
	if err != nil {
		return r.fail(err)
	}
	if err := res.Err("git fetch failed"); err != nil {
		return r.fail(err)
	}
	r.log.Printf("fetch finished in %s", time.Since(fetchStart).Round(time.Millisecond))

	r.stage(StagePull)
	pullStart := time.Now()
	res, err = r.git(ctx, []string{"pull", "--ff-only"}, gitexec.Options{Dir: path, Token: req.Token})
	if err != nil {
		return r.fail(err)
	}
	if !res.Success() && !res.TimedOut && IsNonFastForward(res.Output()) {
		return r.fail(errors.NewGitError(NonFastForwardMessage, errors.ErrNonFastForward).WithRepository(path))
	}
	if err := res.Err("git pull failed"); err != nil {
		return r.fail(err)
	}
	r.log.Printf("pull finished in %s", time.Since(pullStart).Round(time.Millisecond))

	if err := p.store.TouchRemote(req.ProjectID, time.Now().UTC()); err != nil {
		r.logger.Warn("failed to update remote fetch time", "error", err)
	}

	return r.succeed(path)
}

// IsNonFastForward reports whether git output describes a rejected
// fast-forward.
func IsNonFastForward(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "not possible to fast-forward") ||
		strings.Contains(lower, "non-fast-forward") ||
		strings.Contains(lower, "divergent branches") ||
		strings.Contains(lower, "have diverged")
}
