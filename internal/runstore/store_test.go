package runstore

import (
	"encoding/json"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/simpleaide/internal/errors"
)

const testRoot = "/runs"

// fakeClock returns a time that advances one second per call.
func fakeClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	s, err := New(fsys, testRoot, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.now = fakeClock()
	return s, fsys
}

func createRunWithSteps(t *testing.T, s *Store, types ...StepType) *RunMetadata {
	t.Helper()
	meta, err := s.CreateRun("add a feature", "/repo")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	for _, st := range types {
		if _, err := s.CreateStep(meta.ID, st, map[string]string{"type": string(st)}); err != nil {
			t.Fatalf("CreateStep(%s) error = %v", st, err)
		}
	}
	return meta
}

func stepNumbers(run *Run) []int {
	var out []int
	for _, st := range run.Steps {
		out = append(out, st.StepNumber)
	}
	return out
}

func TestCreateRun(t *testing.T) {
	s, fsys := newTestStore(t)

	meta, err := s.CreateRun("fix the bug", "/repo")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if meta.Status != RunPending || meta.StepCount != 0 || meta.ID == "" {
		t.Errorf("CreateRun() = %+v", meta)
	}

	data, err := afero.ReadFile(fsys, filepath.Join(testRoot, meta.ID, RunFile))
	if err != nil {
		t.Fatalf("run.json missing: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk["status"] != "pending" || onDisk["stepCount"] != float64(0) || onDisk["goal"] != "fix the bug" {
		t.Errorf("run.json = %s", data)
	}

	if _, err := s.CreateRun("  ", "/repo"); !errors.IsValidation(err) {
		t.Errorf("CreateRun(blank goal) error = %v, want validation error", err)
	}
}

func TestCreateStep_Numbering(t *testing.T) {
	s, fsys := newTestStore(t)
	meta := createRunWithSteps(t, s, StepPlan, StepImplement, StepReview)

	run, err := s.GetRun(meta.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got := stepNumbers(run); !slices.Equal(got, []int{1, 2, 3}) {
		t.Errorf("step numbers = %v, want [1 2 3]", got)
	}
	if run.StepCount != 3 {
		t.Errorf("StepCount = %d, want 3", run.StepCount)
	}

	for _, dir := range []string{"01_plan", "02_implement", "03_review"} {
		for _, f := range []string{InputFile, StatusFile} {
			if ok, _ := afero.Exists(fsys, filepath.Join(testRoot, meta.ID, dir, f)); !ok {
				t.Errorf("%s/%s missing", dir, f)
			}
		}
	}

	step := run.Steps[1]
	if step.ID != "02_implement" || step.StepType != StepImplement || step.Status.Status != StepPending {
		t.Errorf("step 2 = %+v", step)
	}
	if string(step.Input) != `{"type":"implement"}` {
		t.Errorf("Input = %s", step.Input)
	}
}

func TestCreateStep_Errors(t *testing.T) {
	s, _ := newTestStore(t)
	meta := createRunWithSteps(t, s)

	if _, err := s.CreateStep(meta.ID, "deploy", nil); !errors.IsValidation(err) {
		t.Errorf("CreateStep(unknown type) error = %v, want validation error", err)
	}
	if _, err := s.CreateStep("no-such-run", StepPlan, nil); !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("CreateStep(missing run) error = %v, want ErrRunNotFound", err)
	}
	if _, err := s.CreateStep("../escape", StepPlan, nil); !errors.IsValidation(err) {
		t.Errorf("CreateStep(bad id) error = %v, want validation error", err)
	}
	if _, err := s.CreateStep(meta.ID, StepPlan, func() {}); !errors.IsValidation(err) {
		t.Errorf("CreateStep(unencodable input) error = %v, want validation error", err)
	}
}

func TestUpdateStepStatus_Timing(t *testing.T) {
	s, _ := newTestStore(t)
	meta := createRunWithSteps(t, s, StepTest)

	running, err := s.UpdateStepStatus(meta.ID, 1, StepRunning, "")
	if err != nil {
		t.Fatalf("UpdateStepStatus(running) error = %v", err)
	}
	if running.StartedAt == nil || running.CompletedAt != nil {
		t.Fatalf("running status = %+v", running)
	}
	started := *running.StartedAt

	again, err := s.UpdateStepStatus(meta.ID, 1, StepRunning, "")
	if err != nil {
		t.Fatal(err)
	}
	if !again.StartedAt.Equal(started) {
		t.Errorf("re-applying running moved startedAt from %v to %v", started, *again.StartedAt)
	}

	failed, err := s.UpdateStepStatus(meta.ID, 1, StepFailed, "tests failed")
	if err != nil {
		t.Fatal(err)
	}
	if failed.CompletedAt == nil || failed.DurationMs == nil || failed.ErrorMessage != "tests failed" {
		t.Fatalf("failed status = %+v", failed)
	}
	completed := *failed.CompletedAt
	if want := completed.Sub(started).Milliseconds(); *failed.DurationMs != want {
		t.Errorf("DurationMs = %d, want %d", *failed.DurationMs, want)
	}

	final, err := s.UpdateStepStatus(meta.ID, 1, StepFailed, "")
	if err != nil {
		t.Fatal(err)
	}
	if !final.CompletedAt.Equal(completed) || final.ErrorMessage != "tests failed" {
		t.Errorf("re-applying failed changed status: %+v", final)
	}

	step, err := s.GetStep(meta.ID, 1)
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}
	if step.Status.Status != StepFailed || !step.Status.StartedAt.Equal(started) {
		t.Errorf("persisted status = %+v", step.Status)
	}
}

func TestUpdateStepStatus_Errors(t *testing.T) {
	s, _ := newTestStore(t)
	meta := createRunWithSteps(t, s, StepPlan)

	if _, err := s.UpdateStepStatus(meta.ID, 2, StepRunning, ""); !errors.Is(err, errors.ErrStepNotFound) {
		t.Errorf("UpdateStepStatus(missing step) error = %v, want ErrStepNotFound", err)
	}
	if _, err := s.UpdateStepStatus(meta.ID, 1, "done", ""); !errors.IsValidation(err) {
		t.Errorf("UpdateStepStatus(bad status) error = %v, want validation error", err)
	}
}

func TestDeleteStepsFrom(t *testing.T) {
	s, fsys := newTestStore(t)
	meta := createRunWithSteps(t, s, StepPlan, StepImplement, StepReview)
	if _, err := s.UpdateRunStatus(meta.ID, RunFailed, "review rejected"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteStepsFrom(meta.ID, 2); err != nil {
		t.Fatalf("DeleteStepsFrom() error = %v", err)
	}

	run, err := s.GetRun(meta.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got := stepNumbers(run); !slices.Equal(got, []int{1}) {
		t.Errorf("step numbers = %v, want [1]", got)
	}
	if run.StepCount != 1 || run.Status != RunRunning {
		t.Errorf("run = %+v, want stepCount 1 and running", run.RunMetadata)
	}
	if run.CompletedAt != nil || run.ErrorMessage != "" {
		t.Errorf("completedAt/errorMessage not cleared: %+v", run.RunMetadata)
	}
	if run.Interrupted {
		t.Error("finished rerun should not be reported as interrupted")
	}
	if ok, _ := afero.Exists(fsys, filepath.Join(testRoot, meta.ID, truncateFile)); ok {
		t.Error("truncate marker should be removed")
	}

	step, err := s.CreateStep(meta.ID, StepFix, nil)
	if err != nil {
		t.Fatal(err)
	}
	if step.StepNumber != 2 || step.ID != "02_fix" {
		t.Errorf("next step = %+v, want 02_fix", step)
	}
}

func TestDeleteStepsFrom_Errors(t *testing.T) {
	s, _ := newTestStore(t)
	meta := createRunWithSteps(t, s, StepPlan)

	if err := s.DeleteStepsFrom(meta.ID, 0); !errors.IsValidation(err) {
		t.Errorf("DeleteStepsFrom(0) error = %v, want validation error", err)
	}
	if err := s.DeleteStepsFrom(meta.ID, 2); !errors.Is(err, errors.ErrStepNotFound) {
		t.Errorf("DeleteStepsFrom(beyond) error = %v, want ErrStepNotFound", err)
	}
}

func TestRepairRun_InterruptedRerun(t *testing.T) {
	s, fsys := newTestStore(t)
	meta := createRunWithSteps(t, s, StepPlan, StepImplement, StepReview)

	// Simulate a crash after the marker was written and step 3 was removed.
	marker := `{"fromStep": 2, "createdAt": "2026-01-02T03:04:05Z"}`
	if err := afero.WriteFile(fsys, filepath.Join(testRoot, meta.ID, truncateFile), []byte(marker), 0644); err != nil {
		t.Fatal(err)
	}
	if err := fsys.RemoveAll(filepath.Join(testRoot, meta.ID, "03_review")); err != nil {
		t.Fatal(err)
	}

	run, err := s.GetRun(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !run.Interrupted || run.StepCount != 3 {
		t.Fatalf("run before repair = %+v", run)
	}

	repaired, err := s.RepairRun(meta.ID)
	if err != nil || !repaired {
		t.Fatalf("RepairRun() = %v, %v", repaired, err)
	}
	run, err = s.GetRun(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Interrupted || run.StepCount != 1 || run.Status != RunRunning {
		t.Errorf("run after repair = %+v", run.RunMetadata)
	}
	if got := stepNumbers(run); !slices.Equal(got, []int{1}) {
		t.Errorf("step numbers = %v, want [1]", got)
	}
}

func TestRepairRun_StrayDirectories(t *testing.T) {
	s, fsys := newTestStore(t)
	meta := createRunWithSteps(t, s, StepPlan)

	stray := filepath.Join(testRoot, meta.ID, "02_implement")
	if err := fsys.MkdirAll(stray, 0755); err != nil {
		t.Fatal(err)
	}

	repaired, err := s.RepairRun(meta.ID)
	if err != nil || !repaired {
		t.Fatalf("RepairRun() = %v, %v", repaired, err)
	}
	if ok, _ := afero.DirExists(fsys, stray); ok {
		t.Error("stray step directory should be removed")
	}

	repaired, err = s.RepairRun(meta.ID)
	if err != nil || repaired {
		t.Errorf("second RepairRun() = %v, %v; want false, nil", repaired, err)
	}
}

func TestCreateStep_ReplacesStrayDirectory(t *testing.T) {
	s, fsys := newTestStore(t)
	meta := createRunWithSteps(t, s, StepPlan)

	stray := filepath.Join(testRoot, meta.ID, "02_review")
	if err := fsys.MkdirAll(stray, 0755); err != nil {
		t.Fatal(err)
	}

	step, err := s.CreateStep(meta.ID, StepImplement, nil)
	if err != nil {
		t.Fatalf("CreateStep() error = %v", err)
	}
	if step.ID != "02_implement" {
		t.Errorf("step = %+v", step)
	}
	if ok, _ := afero.DirExists(fsys, stray); ok {
		t.Error("stray directory with the same number should be removed")
	}
}

func TestGetRun_ToleratesCorruptStep(t *testing.T) {
	s, fsys := newTestStore(t)
	meta := createRunWithSteps(t, s, StepPlan, StepImplement)

	bad := filepath.Join(testRoot, meta.ID, "02_implement", StatusFile)
	if err := afero.WriteFile(fsys, bad, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	// Unrelated entries are ignored.
	if err := fsys.MkdirAll(filepath.Join(testRoot, meta.ID, "notes"), 0755); err != nil {
		t.Fatal(err)
	}

	run, err := s.GetRun(meta.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got := stepNumbers(run); !slices.Equal(got, []int{1}) {
		t.Errorf("step numbers = %v, want [1]", got)
	}
	if !slices.Equal(run.CorruptSteps, []string{"02_implement"}) {
		t.Errorf("CorruptSteps = %v", run.CorruptSteps)
	}
}

func TestGetRun_Errors(t *testing.T) {
	s, fsys := newTestStore(t)

	if _, err := s.GetRun("missing"); !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrRunNotFound", err)
	}

	meta := createRunWithSteps(t, s)
	if err := afero.WriteFile(fsys, filepath.Join(testRoot, meta.ID, RunFile), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRun(meta.ID); !errors.Is(err, errors.ErrRunCorrupted) {
		t.Errorf("GetRun(corrupt) error = %v, want ErrRunCorrupted", err)
	}
}

func TestListRuns(t *testing.T) {
	s, fsys := newTestStore(t)
	first := createRunWithSteps(t, s, StepPlan)
	second := createRunWithSteps(t, s, StepPlan, StepImplement)
	broken := createRunWithSteps(t, s)
	if err := afero.WriteFile(fsys, filepath.Join(testRoot, broken.ID, RunFile), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns() returned %d runs, want 2", len(runs))
	}
	if runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Errorf("ListRuns() order = %s, %s; want newest first", runs[0].ID, runs[1].ID)
	}
	if len(runs[0].Steps) != 2 {
		t.Errorf("second run steps = %d, want 2", len(runs[0].Steps))
	}
}

func TestUpdateRunStatus(t *testing.T) {
	s, _ := newTestStore(t)
	meta := createRunWithSteps(t, s)

	running, err := s.UpdateRunStatus(meta.ID, RunRunning, "")
	if err != nil || running.CompletedAt != nil {
		t.Fatalf("UpdateRunStatus(running) = %+v, %v", running, err)
	}
	done, err := s.UpdateRunStatus(meta.ID, RunCompleted, "")
	if err != nil || done.CompletedAt == nil {
		t.Fatalf("UpdateRunStatus(completed) = %+v, %v", done, err)
	}
	again, err := s.UpdateRunStatus(meta.ID, RunCompleted, "")
	if err != nil || !again.CompletedAt.Equal(*done.CompletedAt) {
		t.Errorf("re-applying completed moved completedAt: %+v", again)
	}
	if _, err := s.UpdateRunStatus(meta.ID, "paused", ""); !errors.IsValidation(err) {
		t.Errorf("UpdateRunStatus(bad) error = %v, want validation error", err)
	}
}

func TestArtifacts(t *testing.T) {
	s, _ := newTestStore(t)
	meta := createRunWithSteps(t, s, StepImplement)

	if err := s.WriteArtifact(meta.ID, 1, "patch.diff", []byte("diff --git a/x b/x\n")); err != nil {
		t.Fatalf("WriteArtifact() error = %v", err)
	}
	if err := s.WriteArtifact(meta.ID, 1, "notes.md", []byte("# notes\n")); err != nil {
		t.Fatal(err)
	}

	data, err := s.ReadArtifact(meta.ID, 1, "patch.diff")
	if err != nil || string(data) != "diff --git a/x b/x\n" {
		t.Errorf("ReadArtifact() = %q, %v", data, err)
	}

	step, err := s.GetStep(meta.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(step.ArtifactNames, []string{"notes.md", "patch.diff"}) {
		t.Errorf("ArtifactNames = %v", step.ArtifactNames)
	}

	for _, name := range []string{"", "../x", "a/b", ".hidden", StatusFile, InputFile} {
		if err := s.WriteArtifact(meta.ID, 1, name, nil); !errors.IsValidation(err) {
			t.Errorf("WriteArtifact(%q) error = %v, want validation error", name, err)
		}
	}

	var notFound *errors.NotFoundError
	if _, err := s.ReadArtifact(meta.ID, 1, "missing.txt"); !errors.As(err, &notFound) {
		t.Errorf("ReadArtifact(missing) error = %v, want NotFoundError", err)
	}
	if err := s.WriteArtifact(meta.ID, 9, "x.txt", nil); !errors.Is(err, errors.ErrStepNotFound) {
		t.Errorf("WriteArtifact(missing step) error = %v, want ErrStepNotFound", err)
	}
}

func TestParseStepDirName(t *testing.T) {
	tests := []struct {
		name     string
		wantNum  int
		wantType StepType
		wantOK   bool
	}{
		{"01_plan", 1, StepPlan, true},
		{"12_fix", 12, StepFix, true},
		{"100_review", 100, StepReview, true},
		{"1_plan", 0, "", false},
		{"00_plan", 0, "", false},
		{"01_deploy", 0, "", false},
		{"01-plan", 0, "", false},
		{"run.json", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, st, ok := ParseStepDirName(tt.name)
			if n != tt.wantNum || st != tt.wantType || ok != tt.wantOK {
				t.Errorf("ParseStepDirName(%q) = %d, %q, %v", tt.name, n, st, ok)
			}
		})
	}
	if got := StepDirName(3, StepReview); got != "03_review" {
		t.Errorf("StepDirName() = %q", got)
	}
}
