package runstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/logging"
)

// On-disk names inside a run directory.
const (
	RunFile      = "run.json"
	InputFile    = "input.json"
	StatusFile   = "status.json"
	truncateFile = ".truncate"
	tempPrefix   = ".tmp-"
)

var (
	runIDRegex    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	stepDirRegex  = regexp.MustCompile(`^(\d{2,})_([a-z]+)$`)
	artifactRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// StepDirName returns the directory name for a step, e.g. "03_review".
func StepDirName(number int, stepType StepType) string {
	return fmt.Sprintf("%02d_%s", number, stepType)
}

// ParseStepDirName is the inverse of StepDirName.
func ParseStepDirName(name string) (int, StepType, bool) {
	m := stepDirRegex.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, "", false
	}
	t := StepType(m[2])
	if !t.Valid() {
		return 0, "", false
	}
	return n, t, true
}

// truncateMarker records a checkpoint rerun in progress.
type truncateMarker struct {
	FromStep  int       `json:"fromStep"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists runs and steps as JSON files under a root directory. State
// is rebuilt purely from directory names and sidecar files, so any process
// can read what another wrote.
//
// Mutations are serialized by one mutex; reads are lock-free and rely on
// every file being replaced atomically.
type Store struct {
	fs     afero.Fs
	root   string
	logger *logging.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New creates a Store rooted at root, creating the directory if needed.
func New(fsys afero.Fs, root string, logger *logging.Logger) (*Store, error) {
	if err := fsys.MkdirAll(root, 0755); err != nil {
		return nil, errors.NewRunError("failed to create runs directory", err)
	}
	return &Store{
		fs:     fsys,
		root:   root,
		logger: logging.OrNop(logger).With("component", "runstore"),
		now:    time.Now,
	}, nil
}

// Root returns the directory runs are stored under.
func (s *Store) Root() string { return s.root }

// RunDir returns the directory of a run.
func (s *Store) RunDir(runID string) string { return filepath.Join(s.root, runID) }

// CreateRun allocates a new run in the pending state.
func (s *Store) CreateRun(goal, repoPath string) (*RunMetadata, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, errors.NewValidationError("goal is required").WithField("goal")
	}

	meta := &RunMetadata{
		ID:        uuid.NewString(),
		Goal:      goal,
		RepoPath:  repoPath,
		Status:    RunPending,
		StepCount: 0,
		StartedAt: s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Mkdir(s.RunDir(meta.ID), 0755); err != nil {
		return nil, errors.NewRunError("failed to create run directory", err).WithRunID(meta.ID)
	}
	if err := s.writeMeta(meta); err != nil {
		return nil, err
	}
	s.logger.WithRun(meta.ID).Info("run created", "repo", repoPath)
	return meta, nil
}

// CreateStep appends a step numbered stepCount+1. The step directory and its
// files exist before the incremented stepCount is written. Stray directories
// at or beyond the new number, left by an interrupted rerun, are removed
// first.
func (s *Store) CreateStep(runID string, stepType StepType, input any) (*Step, error) {
	if !stepType.Valid() {
		return nil, errors.NewValidationError("unknown step type").WithField("step_type").WithValue(string(stepType))
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, errors.NewValidationError("step input is not JSON-encodable").WithField("input").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(runID)
	if err != nil {
		return nil, err
	}
	number := meta.StepCount + 1

	removed, err := s.removeStepsFrom(runID, number)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		s.logger.WithRun(runID).Warn("removed stray step directories", "dirs", removed)
	}

	step := &Step{
		ID:            StepDirName(number, stepType),
		RunID:         runID,
		StepNumber:    number,
		StepType:      stepType,
		Input:         raw,
		Status:        StatusMeta{Status: StepPending},
		ArtifactNames: []string{},
	}
	dir := filepath.Join(s.RunDir(runID), step.ID)
	if err := s.fs.Mkdir(dir, 0755); err != nil {
		return nil, errors.NewRunError("failed to create step directory", err).WithRunID(runID).WithStep(number)
	}
	if err := s.writeFileAtomic(filepath.Join(dir, InputFile), raw); err != nil {
		return nil, errors.NewRunError("failed to write step input", err).WithRunID(runID).WithStep(number)
	}
	if err := s.writeJSON(filepath.Join(dir, StatusFile), step.Status); err != nil {
		return nil, errors.NewRunError("failed to write step status", err).WithRunID(runID).WithStep(number)
	}

	meta.StepCount = number
	if err := s.writeMeta(meta); err != nil {
		return nil, err
	}
	s.logger.WithRun(runID).Info("step created", "step", number, "type", stepType)
	return step, nil
}

// UpdateStepStatus merges a status change into the step's status.json.
// startedAt is stamped the first time the step becomes running, completedAt
// and durationMs the first time it reaches a terminal status. Re-applying a
// status keeps the recorded timing. An empty errorMessage keeps the previous
// one.
func (s *Store) UpdateStepStatus(runID string, stepNumber int, status StepStatus, errorMessage string) (*StatusMeta, error) {
	if !status.Valid() {
		return nil, errors.NewValidationError("unknown step status").WithField("status").WithValue(string(status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMeta(runID); err != nil {
		return nil, err
	}
	dir, err := s.stepDir(runID, stepNumber)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, StatusFile)
	var meta StatusMeta
	if err := s.readJSON(path, &meta); err != nil && !isNotExist(err) {
		return nil, errors.NewRunError("failed to read step status", err).WithRunID(runID).WithStep(stepNumber)
	}

	now := s.now().UTC()
	meta.Status = status
	if status == StepRunning && meta.StartedAt == nil {
		meta.StartedAt = &now
	}
	if status.IsTerminal() && meta.CompletedAt == nil {
		meta.CompletedAt = &now
		if meta.StartedAt != nil {
			ms := now.Sub(*meta.StartedAt).Milliseconds()
			meta.DurationMs = &ms
		}
	}
	if errorMessage != "" {
		meta.ErrorMessage = errorMessage
	}

	if err := s.writeJSON(path, meta); err != nil {
		return nil, errors.NewRunError("failed to write step status", err).WithRunID(runID).WithStep(stepNumber)
	}
	s.logger.WithRun(runID).Debug("step status updated", "step", stepNumber, "status", status)
	return &meta, nil
}

// UpdateRunStatus sets the run's status. Terminal statuses stamp completedAt
// once; moving back to a non-terminal status clears it.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errorMessage string) (*RunMetadata, error) {
	if !status.Valid() {
		return nil, errors.NewValidationError("unknown run status").WithField("status").WithValue(string(status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(runID)
	if err != nil {
		return nil, err
	}
	meta.Status = status
	if status.IsTerminal() {
		if meta.CompletedAt == nil {
			now := s.now().UTC()
			meta.CompletedAt = &now
		}
	} else {
		meta.CompletedAt = nil
	}
	meta.ErrorMessage = errorMessage

	if err := s.writeMeta(meta); err != nil {
		return nil, err
	}
	s.logger.WithRun(runID).Info("run status updated", "status", status)
	return meta, nil
}

// DeleteStepsFrom is the checkpoint rerun: it removes every step numbered
// fromStep or higher, sets stepCount to fromStep-1 and puts the run back in
// the running state with completedAt and errorMessage cleared.
//
// A .truncate marker is written before anything is removed and cleared at
// the end, so a crash part way through is visible to GetRun and fixed by
// RepairRun.
func (s *Store) DeleteStepsFrom(runID string, fromStep int) error {
	if fromStep < 1 {
		return errors.NewValidationError("step numbers start at 1").WithField("from_step").WithValue(fromStep)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(runID)
	if err != nil {
		return err
	}
	if fromStep > meta.StepCount {
		return errors.NewRunError("no such step", errors.ErrStepNotFound).WithRunID(runID).WithStep(fromStep)
	}

	marker := truncateMarker{FromStep: fromStep, CreatedAt: s.now().UTC()}
	if err := s.writeJSON(s.truncatePath(runID), marker); err != nil {
		return errors.NewRunError("failed to write truncate marker", err).WithRunID(runID)
	}
	return s.truncate(meta, fromStep)
}

// RepairRun finishes an interrupted checkpoint rerun, or removes step
// directories beyond the recorded stepCount. It reports whether anything was
// changed.
func (s *Store) RepairRun(runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(runID)
	if err != nil {
		return false, err
	}

	var marker truncateMarker
	markerErr := s.readJSON(s.truncatePath(runID), &marker)
	if markerErr == nil && marker.FromStep >= 1 {
		s.logger.WithRun(runID).Warn("resuming interrupted rerun", "from_step", marker.FromStep)
		return true, s.truncate(meta, marker.FromStep)
	}
	if markerErr == nil || !isNotExist(markerErr) {
		// Unreadable marker: fall back to the recorded stepCount.
		s.logger.WithRun(runID).Warn("discarding unreadable truncate marker", "error", markerErr)
		if err := s.fs.Remove(s.truncatePath(runID)); err != nil && !isNotExist(err) {
			return false, errors.NewRunError("failed to remove truncate marker", err).WithRunID(runID)
		}
		if _, err := s.removeStepsFrom(runID, meta.StepCount+1); err != nil {
			return false, err
		}
		return true, nil
	}

	removed, err := s.removeStepsFrom(runID, meta.StepCount+1)
	if err != nil {
		return false, err
	}
	if len(removed) > 0 {
		s.logger.WithRun(runID).Warn("removed stray step directories", "dirs", removed)
	}
	return len(removed) > 0, nil
}

// GetRun rebuilds a run from disk. A step whose files cannot be parsed is
// logged, listed in CorruptSteps and left out of Steps.
func (s *Store) GetRun(runID string) (*Run, error) {
	meta, err := s.readMeta(runID)
	if err != nil {
		return nil, err
	}
	run := &Run{RunMetadata: *meta, Steps: []Step{}}

	if ok, _ := afero.Exists(s.fs, s.truncatePath(runID)); ok {
		run.Interrupted = true
	}

	entries, err := afero.ReadDir(s.fs, s.RunDir(runID))
	if err != nil {
		return nil, errors.NewRunError("failed to list run directory", err).WithRunID(runID)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		number, stepType, ok := ParseStepDirName(entry.Name())
		if !ok {
			continue
		}
		step, err := s.loadStep(runID, entry.Name(), number, stepType)
		if err != nil {
			s.logger.WithRun(runID).Warn("skipping corrupt step", "dir", entry.Name(), "error", err)
			run.CorruptSteps = append(run.CorruptSteps, entry.Name())
			continue
		}
		run.Steps = append(run.Steps, *step)
	}
	sort.Slice(run.Steps, func(i, j int) bool { return run.Steps[i].StepNumber < run.Steps[j].StepNumber })
	return run, nil
}

// GetMetadata returns a run's run.json without scanning its steps.
func (s *Store) GetMetadata(runID string) (*RunMetadata, error) {
	return s.readMeta(runID)
}

// GetStep returns a single step of a run.
func (s *Store) GetStep(runID string, stepNumber int) (*Step, error) {
	if _, err := s.readMeta(runID); err != nil {
		return nil, err
	}
	dir, err := s.stepDir(runID, stepNumber)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(dir)
	_, stepType, _ := ParseStepDirName(name)
	step, err := s.loadStep(runID, name, stepNumber, stepType)
	if err != nil {
		return nil, errors.NewRunError("failed to load step", err).WithRunID(runID).WithStep(stepNumber)
	}
	return step, nil
}

// ListRuns rebuilds every run under the root, newest first. Runs whose
// run.json cannot be read are logged and skipped.
func (s *Store) ListRuns() ([]*Run, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewRunError("failed to list runs", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && runIDRegex.MatchString(entry.Name()) {
			ids = append(ids, entry.Name())
		}
	}

	loaded := iter.Map(ids, func(id *string) *Run {
		run, err := s.GetRun(*id)
		if err != nil {
			s.logger.WithRun(*id).Warn("skipping unreadable run", "error", err)
			return nil
		}
		return run
	})

	runs := make([]*Run, 0, len(loaded))
	for _, run := range loaded {
		if run != nil {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// WriteArtifact stores data as a named file in a step directory.
func (s *Store) WriteArtifact(runID string, stepNumber int, name string, data []byte) error {
	if err := validateArtifactName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMeta(runID); err != nil {
		return err
	}
	dir, err := s.stepDir(runID, stepNumber)
	if err != nil {
		return err
	}
	if err := s.writeFileAtomic(filepath.Join(dir, name), data); err != nil {
		return errors.NewRunError("failed to write artifact", err).WithRunID(runID).WithStep(stepNumber)
	}
	s.logger.WithRun(runID).Debug("artifact written", "step", stepNumber, "name", name, "bytes", len(data))
	return nil
}

// ReadArtifact returns a named artifact of a step.
func (s *Store) ReadArtifact(runID string, stepNumber int, name string) ([]byte, error) {
	if err := validateArtifactName(name); err != nil {
		return nil, err
	}
	if _, err := s.readMeta(runID); err != nil {
		return nil, err
	}
	dir, err := s.stepDir(runID, stepNumber)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, filepath.Join(dir, name))
	if err != nil {
		if isNotExist(err) {
			return nil, errors.NewNotFoundError("artifact", name)
		}
		return nil, errors.NewRunError("failed to read artifact", err).WithRunID(runID).WithStep(stepNumber)
	}
	return data, nil
}

func (s *Store) loadStep(runID, dirName string, number int, stepType StepType) (*Step, error) {
	dir := filepath.Join(s.RunDir(runID), dirName)

	var status StatusMeta
	if err := s.readJSON(filepath.Join(dir, StatusFile), &status); err != nil {
		return nil, err
	}
	if !status.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status.Status)
	}

	input, err := afero.ReadFile(s.fs, filepath.Join(dir, InputFile))
	if err != nil && !isNotExist(err) {
		return nil, err
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, fmt.Errorf("%s is not valid JSON", InputFile)
	}

	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, err
	}
	artifacts := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == InputFile || name == StatusFile || strings.HasPrefix(name, ".") {
			continue
		}
		artifacts = append(artifacts, name)
	}

	return &Step{
		ID:            dirName,
		RunID:         runID,
		StepNumber:    number,
		StepType:      stepType,
		Input:         json.RawMessage(input),
		Status:        status,
		ArtifactNames: artifacts,
	}, nil
}

// truncate removes steps from fromStep on, rewrites the metadata and clears
// the marker. Callers hold s.mu.
func (s *Store) truncate(meta *RunMetadata, fromStep int) error {
	removed, err := s.removeStepsFrom(meta.ID, fromStep)
	if err != nil {
		return err
	}

	meta.StepCount = fromStep - 1
	meta.Status = RunRunning
	meta.CompletedAt = nil
	meta.ErrorMessage = ""
	if err := s.writeMeta(meta); err != nil {
		return err
	}

	if err := s.fs.Remove(s.truncatePath(meta.ID)); err != nil && !isNotExist(err) {
		return errors.NewRunError("failed to remove truncate marker", err).WithRunID(meta.ID)
	}
	s.logger.WithRun(meta.ID).Info("steps deleted for rerun", "from_step", fromStep, "removed", len(removed))
	return nil
}

// removeStepsFrom deletes step directories numbered fromStep or higher and
// returns their names. Callers hold s.mu.
func (s *Store) removeStepsFrom(runID string, fromStep int) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.RunDir(runID))
	if err != nil {
		return nil, errors.NewRunError("failed to list run directory", err).WithRunID(runID)
	}
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		number, _, ok := ParseStepDirName(entry.Name())
		if !ok || number < fromStep {
			continue
		}
		if err := s.fs.RemoveAll(filepath.Join(s.RunDir(runID), entry.Name())); err != nil {
			return removed, errors.NewRunError("failed to remove step directory", err).WithRunID(runID).WithStep(number)
		}
		removed = append(removed, entry.Name())
	}
	return removed, nil
}

// stepDir finds the directory of stepNumber by listing the run directory.
func (s *Store) stepDir(runID string, stepNumber int) (string, error) {
	entries, err := afero.ReadDir(s.fs, s.RunDir(runID))
	if err != nil {
		return "", errors.NewRunError("failed to list run directory", err).WithRunID(runID)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if number, _, ok := ParseStepDirName(entry.Name()); ok && number == stepNumber {
			return filepath.Join(s.RunDir(runID), entry.Name()), nil
		}
	}
	return "", errors.NewRunError("no such step", errors.ErrStepNotFound).WithRunID(runID).WithStep(stepNumber)
}

func (s *Store) readMeta(runID string) (*RunMetadata, error) {
	if !runIDRegex.MatchString(runID) {
		return nil, errors.NewValidationError("invalid run id").WithField("run_id").WithValue(runID)
	}
	var meta RunMetadata
	if err := s.readJSON(filepath.Join(s.RunDir(runID), RunFile), &meta); err != nil {
		if isNotExist(err) {
			return nil, errors.NewRunError("no such run", errors.ErrRunNotFound).WithRunID(runID)
		}
		return nil, errors.NewRunError("failed to read run metadata", errors.Join(errors.ErrRunCorrupted, err)).WithRunID(runID)
	}
	return &meta, nil
}

func (s *Store) writeMeta(meta *RunMetadata) error {
	if err := s.writeJSON(filepath.Join(s.RunDir(meta.ID), RunFile), meta); err != nil {
		return errors.NewRunError("failed to write run metadata", err).WithRunID(meta.ID)
	}
	return nil
}

func (s *Store) truncatePath(runID string) string {
	return filepath.Join(s.RunDir(runID), truncateFile)
}

func (s *Store) readJSON(path string, v any) error {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.writeFileAtomic(path, data)
}

// writeFileAtomic writes to a temporary file in the same directory and
// renames it over path, so readers never see a partial file.
func (s *Store) writeFileAtomic(path string, data []byte) error {
	tmp, err := afero.TempFile(s.fs, filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = s.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func validateArtifactName(name string) error {
	if !artifactRegex.MatchString(name) || name == InputFile || name == StatusFile {
		return errors.NewValidationError("invalid artifact name").WithField("name").WithValue(name)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}
