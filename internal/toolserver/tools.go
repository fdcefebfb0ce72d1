package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Iron-Ham/simpleaide/internal/capsule"
	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/runstore"
)

// RunArgs identifies the run a tool acts on.
type RunArgs struct {
	RunID string `json:"run_id" jsonschema:"required,description=Run identifier"`
}

// PathArgs names a file inside the run's repository.
type PathArgs struct {
	RunID string `json:"run_id" jsonschema:"required,description=Run identifier"`
	Path  string `json:"path" jsonschema:"required,description=Path relative to the repository root"`
}

// WriteFileArgs is the input of write_file.
type WriteFileArgs struct {
	RunID         string `json:"run_id" jsonschema:"required,description=Run identifier"`
	Path          string `json:"path" jsonschema:"required,description=Path relative to the repository root"`
	Content       string `json:"content" jsonschema:"description=Full new file content"`
	ApprovalToken string `json:"approval_token,omitempty" jsonschema:"description=Token of a write an approver has approved"`
}

// CreateStepArgs is the input of create_step.
type CreateStepArgs struct {
	RunID    string         `json:"run_id" jsonschema:"required,description=Run identifier"`
	StepType string         `json:"step_type" jsonschema:"required,enum=plan,enum=implement,enum=review,enum=test,enum=fix"`
	Input    map[string]any `json:"input,omitempty" jsonschema:"description=Arbitrary step input"`
}

// StepStatusArgs is the input of update_step_status.
type StepStatusArgs struct {
	RunID        string `json:"run_id" jsonschema:"required,description=Run identifier"`
	StepNumber   int    `json:"step_number" jsonschema:"required,minimum=1"`
	Status       string `json:"status" jsonschema:"required,enum=pending,enum=running,enum=passed,enum=failed,enum=skipped"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ArtifactArgs is the input of write_artifact and read_artifact.
type ArtifactArgs struct {
	RunID      string `json:"run_id" jsonschema:"required,description=Run identifier"`
	StepNumber int    `json:"step_number" jsonschema:"required,minimum=1"`
	Name       string `json:"name" jsonschema:"required,description=Artifact file name"`
	Content    string `json:"content,omitempty" jsonschema:"description=Artifact content for write_artifact"`
}

// approvalPayload is the body of a write_file error when approval is needed.
type approvalPayload struct {
	Error         string                 `json:"error"`
	Path          string                 `json:"path"`
	Reason        string                 `json:"reason"`
	ApprovalToken string                 `json:"approval_token"`
	Findings      []errors.SecretFinding `json:"findings,omitempty"`
}

func (s *Server) registerCapsuleTools() {
	s.addTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a file as the run sees it, including its uncommitted changes."),
		mcp.WithInputSchema[PathArgs](),
	), s.handleReadFile)

	s.addTool(mcp.NewTool("write_file",
		mcp.WithDescription("Write a file in the run's capsule. Writes to protected paths or content that looks like a secret fail with an approval token. A human approves or rejects it; after approval, retry with the same content and approval_token."),
		mcp.WithInputSchema[WriteFileArgs](),
	), s.handleWriteFile)

	s.addTool(mcp.NewTool("delete_file",
		mcp.WithDescription("Delete a file in the run's capsule. Protected paths cannot be deleted."),
		mcp.WithInputSchema[PathArgs](),
	), s.handleDeleteFile)

	s.addTool(mcp.NewTool("list_changes",
		mcp.WithDescription("List files the run has added, modified or deleted."),
		mcp.WithInputSchema[RunArgs](),
	), s.handleListChanges)

	s.addTool(listPendingTool(), s.handleListPending)

	s.addTool(mcp.NewTool("export_patch",
		mcp.WithDescription("Render the run's changes as a unified diff."),
		mcp.WithInputSchema[RunArgs](),
	), s.handleExportPatch)
}

func listPendingTool() mcp.Tool {
	return mcp.NewTool("list_pending",
		mcp.WithDescription("List writes waiting for approval."),
		mcp.WithInputSchema[RunArgs](),
	)
}

func (s *Server) registerRunTools() {
	s.addTool(mcp.NewTool("get_run",
		mcp.WithDescription("Show a run with its steps."),
		mcp.WithInputSchema[RunArgs](),
	), s.handleGetRun)

	s.addTool(mcp.NewTool("create_step",
		mcp.WithDescription("Append a step to a run."),
		mcp.WithInputSchema[CreateStepArgs](),
	), s.handleCreateStep)

	s.addTool(mcp.NewTool("update_step_status",
		mcp.WithDescription("Record a step status change."),
		mcp.WithInputSchema[StepStatusArgs](),
	), s.handleUpdateStepStatus)

	s.addTool(mcp.NewTool("write_artifact",
		mcp.WithDescription("Store a named artifact for a step."),
		mcp.WithInputSchema[ArtifactArgs](),
	), s.handleWriteArtifact)

	s.addTool(mcp.NewTool("read_artifact",
		mcp.WithDescription("Read a named artifact of a step."),
		mcp.WithInputSchema[ArtifactArgs](),
	), s.handleReadArtifact)
}

// capsuleFor opens the capsule of runID over the run's repository.
func (s *toolset) capsuleFor(runID string) (*capsule.Capsule, error) {
	meta, err := s.runs.GetMetadata(runID)
	if err != nil {
		return nil, err
	}
	if meta.RepoPath == "" {
		return nil, errors.NewValidationError("run has no repository path").WithField("run_id").WithValue(runID)
	}
	return s.capsules.Open(runID, meta.RepoPath)
}

func bind[T any](request mcp.CallToolRequest) (T, *mcp.CallToolResult) {
	var args T
	if err := request.BindArguments(&args); err != nil {
		return args, mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return args, nil
}

func (s *toolset) handleReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[PathArgs](request)
	if bad != nil {
		return bad, nil
	}
	c, err := s.capsuleFor(args.RunID)
	if err != nil {
		return errorResult(err), nil
	}
	content, ok, err := c.Read(args.Path)
	if err != nil {
		return errorResult(err), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s was deleted in this run", args.Path)), nil
	}
	return mcp.NewToolResultText(string(content)), nil
}

func (s *toolset) handleWriteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[WriteFileArgs](request)
	if bad != nil {
		return bad, nil
	}
	c, err := s.capsuleFor(args.RunID)
	if err != nil {
		return errorResult(err), nil
	}

	err = c.WriteFile(args.Path, []byte(args.Content), args.ApprovalToken)
	var approval *errors.ApprovalRequiredError
	if errors.As(err, &approval) {
		data, _ := json.MarshalIndent(approvalPayload{
			Error:         "approval_required",
			Path:          approval.Path,
			Reason:        approval.Reason,
			ApprovalToken: approval.Token,
			Findings:      approval.Findings,
		}, "", "  ")
		return mcp.NewToolResultError(string(data)), nil
	}
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)), nil
}

func (s *toolset) handleDeleteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[PathArgs](request)
	if bad != nil {
		return bad, nil
	}
	c, err := s.capsuleFor(args.RunID)
	if err != nil {
		return errorResult(err), nil
	}
	if err := c.Delete(args.Path); err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted %s", args.Path)), nil
}

func (s *toolset) handleListChanges(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[RunArgs](request)
	if bad != nil {
		return bad, nil
	}
	c, err := s.capsuleFor(args.RunID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(c.Changes())
}

func (s *toolset) handleListPending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[RunArgs](request)
	if bad != nil {
		return bad, nil
	}
	c, err := s.capsuleFor(args.RunID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(c.Pending())
}

func (s *toolset) handleExportPatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[RunArgs](request)
	if bad != nil {
		return bad, nil
	}
	c, err := s.capsuleFor(args.RunID)
	if err != nil {
		return errorResult(err), nil
	}
	patch, err := c.ExportPatch()
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(patch), nil
}

func (s *toolset) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[RunArgs](request)
	if bad != nil {
		return bad, nil
	}
	run, err := s.runs.GetRun(args.RunID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(run)
}

func (s *toolset) handleCreateStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[CreateStepArgs](request)
	if bad != nil {
		return bad, nil
	}
	step, err := s.runs.CreateStep(args.RunID, runstore.StepType(args.StepType), args.Input)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(step)
}

func (s *toolset) handleUpdateStepStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[StepStatusArgs](request)
	if bad != nil {
		return bad, nil
	}
	status, err := s.runs.UpdateStepStatus(args.RunID, args.StepNumber, runstore.StepStatus(args.Status), args.ErrorMessage)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(status)
}

func (s *toolset) handleWriteArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[ArtifactArgs](request)
	if bad != nil {
		return bad, nil
	}
	if err := s.runs.WriteArtifact(args.RunID, args.StepNumber, args.Name, []byte(args.Content)); err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("stored artifact %s", args.Name)), nil
}

func (s *toolset) handleReadArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[ArtifactArgs](request)
	if bad != nil {
		return bad, nil
	}
	data, err := s.runs.ReadArtifact(args.RunID, args.StepNumber, args.Name)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
