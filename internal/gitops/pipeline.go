package gitops

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/filelock"
	"github.com/Iron-Ham/simpleaide/internal/gitexec"
	"github.com/Iron-Ham/simpleaide/internal/logging"
	"github.com/Iron-Ham/simpleaide/internal/remote"
	"github.com/Iron-Ham/simpleaide/internal/storage"
)

// Stage markers recorded on the GitOperation as a pipeline advances.
const (
	StageValidate      = "validate"
	StageResolveBranch = "resolve_branch"
	StageClone         = "clone"
	StageVerify        = "verify"
	StagePromote       = "promote"
	StageRegister      = "register"
	StageFetch         = "fetch"
	StagePull          = "pull"
	StageCheckout      = "checkout"
	StageDone          = "done"
)

var projectIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// OperationStore is the persistence the pipelines need. *storage.SQLiteStore
// satisfies it.
type OperationStore interface {
	CreateOperation(op *storage.GitOperation) error
	GetOperation(id string) (*storage.GitOperation, error)
	SetStage(id, stage string) error
	UpdateOperationStatus(id string, status storage.OpStatus, errMsg string) error
	SaveRemote(r *storage.RemoteDescriptor) error
	GetRemote(projectID string) (*storage.RemoteDescriptor, error)
	TouchRemote(projectID string, at time.Time) error
}

// Config holds the directories and clone defaults for a Pipeline.
type Config struct {
	ProjectsDir       string
	StagingDir        string
	OpLogsDir         string
	DefaultDepth      int
	RecurseSubmodules bool
}

// Result is returned by every pipeline entry point.
type Result struct {
	Success     bool   `json:"success"`
	GitOpID     string `json:"git_op_id,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	Error       string `json:"error,omitempty"`
	LogPath     string `json:"log_path,omitempty"`
	// Retryable is set when the failure looks transient, such as a
	// timeout or a dropped connection.
	Retryable bool `json:"retryable,omitempty"`
}

// Pipeline runs git operations against projects under Config.ProjectsDir.
type Pipeline struct {
	cfg       Config
	exec      gitexec.Executor
	store     OperationStore
	validator *remote.Validator
	claims    *filelock.Registry
	logger    *logging.Logger
}

// New creates a Pipeline. A nil validator uses the built-in allow-list.
func New(cfg Config, exec gitexec.Executor, store OperationStore, validator *remote.Validator, logger *logging.Logger) *Pipeline {
	if validator == nil {
		validator = remote.NewValidator(nil)
	}
	return &Pipeline{
		cfg:       cfg,
		exec:      exec,
		store:     store,
		validator: validator,
		claims:    filelock.NewRegistry(),
		logger:    logging.OrNop(logger).With("component", "gitops"),
	}
}

// ProjectPath returns the primary checkout path for projectID.
func (p *Pipeline) ProjectPath(projectID string) string {
	return filepath.Join(p.cfg.ProjectsDir, projectID)
}

// NewOperation creates a queued operation that a later Clone, Pull or
// Checkout call can attach to through its OpID field. This lets a caller hand
// out the id for polling before the work starts.
func (p *Pipeline) NewOperation(projectID string, kind storage.OpKind) (*storage.GitOperation, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	op := &storage.GitOperation{
		ID:        id,
		ProjectID: projectID,
		Op:        kind,
		Status:    storage.OpQueued,
		LogPath:   LogPath(p.cfg.OpLogsDir, id),
	}
	if err := p.store.CreateOperation(op); err != nil {
		return nil, err
	}
	return op, nil
}

// ValidateProjectID rejects ids that are empty or could escape the projects
// directory.
func ValidateProjectID(projectID string) error {
	if !projectIDRegex.MatchString(projectID) || projectID == "." || projectID == ".." {
		return errors.NewValidationError("invalid project id").WithField("project_id").WithValue(projectID)
	}
	return nil
}

// run tracks one in-flight operation.
type run struct {
	p         *Pipeline
	op        *storage.GitOperation
	log       *opLog
	logger    *logging.Logger
	claimPath string
	started   time.Time
}

// reject reports a failure detected before any work started. If the caller
// supplied an operation id, that operation is marked failed at StageValidate.
func (p *Pipeline) reject(opID string, err error) Result {
	msg := gitexec.Redact(err.Error())
	res := Result{Error: msg}
	if opID == "" {
		return res
	}
	res.GitOpID = opID
	if stageErr := p.store.SetStage(opID, StageValidate); stageErr != nil {
		p.logger.Warn("failed to record stage", "op_id", opID, "stage", StageValidate, "error", stageErr)
	}
	if op, getErr := p.store.GetOperation(opID); getErr == nil {
		res.LogPath = op.LogPath
		if l, logErr := openOpLog(p.cfg.OpLogsDir, opID); logErr == nil {
			l.Printf("rejected: %s", msg)
			_ = l.Close()
		}
	}
	if updErr := p.store.UpdateOperationStatus(opID, storage.OpFailed, msg); updErr != nil {
		p.logger.Warn("failed to mark rejected operation", "op_id", opID, "error", updErr)
	}
	return res
}

// begin creates or attaches the operation, opens its log, claims the project
// path, and marks it running. On failure it returns a populated Result.
func (p *Pipeline) begin(opID, projectID string, kind storage.OpKind) (*run, *Result) {
	var op *storage.GitOperation
	if opID != "" {
		existing, err := p.store.GetOperation(opID)
		if err != nil {
			return nil, &Result{GitOpID: opID, Error: err.Error()}
		}
		if existing.ProjectID != projectID || existing.Op != kind {
			res := p.reject(opID, errors.NewValidationError(
				fmt.Sprintf("operation %s is a %s of %s, not a %s of %s", opID, existing.Op, existing.ProjectID, kind, projectID)))
			return nil, &res
		}
		op = existing
		if op.LogPath == "" {
			op.LogPath = LogPath(p.cfg.OpLogsDir, op.ID)
		}
	} else {
		op = &storage.GitOperation{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Op:        kind,
		}
		op.LogPath = LogPath(p.cfg.OpLogsDir, op.ID)
		if err := p.store.CreateOperation(op); err != nil {
			return nil, &Result{Error: err.Error()}
		}
	}

	r := &run{
		p:       p,
		op:      op,
		logger:  p.logger.WithProject(projectID).WithOperation(op.ID),
		started: time.Now(),
	}

	l, err := openOpLog(p.cfg.OpLogsDir, op.ID)
	if err != nil {
		res := r.fail(err)
		return nil, &res
	}
	r.log = l
	started := false
	defer func() {
		if !started {
			r.close()
		}
	}()

	if err := p.store.UpdateOperationStatus(op.ID, storage.OpRunning, ""); err != nil {
		res := r.fail(err)
		return nil, &res
	}

	claimPath := p.ProjectPath(projectID)
	if err := p.claims.Claim(op.ID, claimPath); err != nil {
		owner, _ := p.claims.Owner(claimPath)
		res := r.fail(fmt.Errorf("another operation (%s) is already running for project %s", owner, projectID))
		return nil, &res
	}
	r.claimPath = claimPath

	r.log.Printf("%s started for project %s", kind, projectID)
	r.logger.Info("git operation started", "op", string(kind))
	started = true
	return r, nil
}

// stage advances the operation's stage marker.
func (r *run) stage(name string) {
	r.log.Printf("stage: %s", name)
	if err := r.p.store.SetStage(r.op.ID, name); err != nil {
		r.logger.Warn("failed to record stage", "stage", name, "error", err)
	}
}

// git runs one git command and appends it to the operation log.
func (r *run) git(ctx context.Context, args []string, opts gitexec.Options) (*gitexec.Result, error) {
	res, err := r.p.exec.Run(ctx, args, opts)
	if err != nil {
		r.log.Printf("$ git %s: %s", args[0], err)
		return nil, err
	}
	r.log.Command(res)
	return res, nil
}

// fail marks the operation failed with a redacted message.
func (r *run) fail(err error) Result {
	msg := gitexec.Redact(err.Error())
	r.log.Printf("failed: %s", msg)
	retryable := errors.IsRetryable(err)
	r.logger.Failure(err, "git operation failed", "error", msg, "retryable", retryable, "duration_ms", time.Since(r.started).Milliseconds())
	if updErr := r.p.store.UpdateOperationStatus(r.op.ID, storage.OpFailed, msg); updErr != nil {
		r.logger.Error("failed to mark operation failed", "error", updErr)
	}
	return Result{GitOpID: r.op.ID, Error: msg, LogPath: r.op.LogPath, Retryable: retryable}
}

// succeed marks the operation succeeded.
func (r *run) succeed(projectPath string) Result {
	r.stage(StageDone)
	r.log.Printf("succeeded in %s", time.Since(r.started).Round(time.Millisecond))
	r.logger.Info("git operation succeeded", "duration_ms", time.Since(r.started).Milliseconds())
	if err := r.p.store.UpdateOperationStatus(r.op.ID, storage.OpSucceeded, ""); err != nil {
		return r.fail(err)
	}
	return Result{Success: true, GitOpID: r.op.ID, ProjectPath: projectPath, LogPath: r.op.LogPath}
}

// close releases the project claim and the log file.
func (r *run) close() {
	if r.claimPath != "" {
		_ = r.p.claims.Release(r.op.ID, r.claimPath)
	}
	_ = r.log.Close()
}
