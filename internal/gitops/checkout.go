package gitops

import (
	"context"
	"os"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/gitexec"
	"github.com/Iron-Ham/simpleaide/internal/storage"
)

// CheckoutRequest switches the primary checkout of a project to Branch.
type CheckoutRequest struct {
	ProjectID string
	Branch    string
	// OpID attaches to an operation created by NewOperation.
	OpID string
}

// Checkout switches the project's primary checkout to an existing local or
// remote-tracking branch.
func (p *Pipeline) Checkout(ctx context.Context, req CheckoutRequest) Result {
	if err := ValidateProjectID(req.ProjectID); err != nil {
		return p.reject(req.OpID, err)
	}
	if err := gitexec.ValidateBranchName(req.Branch); err != nil {
		return p.reject(req.OpID, err)
	}

	r, failed := p.begin(req.OpID, req.ProjectID, storage.OpCheckout)
	if failed != nil {
		return *failed
	}
	defer r.close()

	path := p.ProjectPath(req.ProjectID)
	if _, err := os.Stat(path); err != nil {
		return r.fail(errors.NewNotFoundError("project", req.ProjectID).WithCause(err))
	}

	r.stage(StageCheckout)
	res, err := r.git(ctx, []string{"checkout", req.Branch, "--"}, gitexec.Options{Dir: path})
	if err != nil {
		return r.fail(err)
	}
	if err := res.Err("git checkout failed"); err != nil {
		return r.fail(err)
	}
	return r.succeed(path)
}
