package runstore

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepType names the kind of work a step performs.
type StepType string

const (
	StepPlan      StepType = "plan"
	StepImplement StepType = "implement"
	StepReview    StepType = "review"
	StepTest      StepType = "test"
	StepFix       StepType = "fix"
)

// StepTypes lists every step type in pipeline order.
var StepTypes = []StepType{StepPlan, StepImplement, StepReview, StepTest, StepFix}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepPassed || s == StepFailed || s == StepSkipped
}

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepPassed, StepFailed, StepSkipped:
		return true
	}
	return false
}

// RunMetadata is persisted as <runsRoot>/<runId>/run.json.
type RunMetadata struct {
	ID           string     `json:"id"`
	Goal         string     `json:"goal"`
	RepoPath     string     `json:"repoPath"`
	Status       RunStatus  `json:"status"`
	StepCount    int        `json:"stepCount"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// StatusMeta is persisted as <step dir>/status.json.
type StatusMeta struct {
	Status       StepStatus `json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	DurationMs   *int64     `json:"durationMs,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Step is a step rebuilt from its directory.
type Step struct {
	// ID is the step directory name, e.g. "02_implement".
	ID            string          `json:"id"`
	RunID         string          `json:"runId"`
	StepNumber    int             `json:"stepNumber"`
	StepType      StepType        `json:"stepType"`
	Input         json.RawMessage `json:"input,omitempty"`
	Status        StatusMeta      `json:"status"`
	ArtifactNames []string        `json:"artifactNames"`
}

// Run is a run with its steps, rebuilt from disk.
type Run struct {
	RunMetadata
	Steps []Step `json:"steps"`
	// CorruptSteps names step directories that could not be parsed.
	CorruptSteps []string `json:"corruptSteps,omitempty"`
	// Interrupted is set when a checkpoint rerun did not finish; see RepairRun.
	Interrupted bool `json:"interrupted,omitempty"`
}
