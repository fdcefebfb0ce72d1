package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/simpleaide/internal/gitops"
	"github.com/Iron-Ham/simpleaide/internal/runstore"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and rewind recorded runs",
	Long: `A run is a goal worked on in numbered steps (plan, implement, review,
test, fix). Runs live on disk under paths.runs_dir, one directory per run and
one subdirectory per step, and are rebuilt from that layout on every read.`,
}

var runsCreateCmd = &cobra.Command{
	Use:   "create <goal>",
	Short: "Start a new run against a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCreate,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run-id> <status>",
	Short: "Set a run's status",
	Long:  `Set a run's status: pending, running, completed, failed or cancelled.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runRunsStatus,
}

var runsStepCmd = &cobra.Command{
	Use:   "step",
	Short: "Append steps and update their status",
}

var runsStepAddCmd = &cobra.Command{
	Use:   "add <run-id> <step-type>",
	Short: "Append a step to a run",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunsStepAdd,
}

var runsStepStatusCmd = &cobra.Command{
	Use:   "status <run-id> <step-number> <status>",
	Short: "Update a step's status",
	Long:  `Update a step's status: pending, running, passed, failed or skipped.`,
	Args:  cobra.ExactArgs(3),
	RunE:  runRunsStepStatus,
}

var runsRerunCmd = &cobra.Command{
	Use:   "rerun <run-id> <from-step>",
	Short: "Delete a step and everything after it so the run can continue from there",
	Long: `Delete step <from-step> and every later step, reset the step count to
<from-step>-1 and put the run back into the running state.

If the process dies part way, the run is reported as interrupted and
'runs repair' finishes the job.`,
	Args: cobra.ExactArgs(2),
	RunE: runRunsRerun,
}

var runsRepairCmd = &cobra.Command{
	Use:   "repair <run-id>",
	Short: "Finish an interrupted rerun or drop stray step directories",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsRepair,
}

var runsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print run and step changes as they happen",
	Args:  cobra.NoArgs,
	RunE:  runRunsWatch,
}

var (
	runRepo    string
	runProject string
	runError   string
	stepInput  string
)

func init() {
	runsCreateCmd.Flags().StringVar(&runRepo, "repo", "", "Repository path (default: current directory)")
	runsCreateCmd.Flags().StringVarP(&runProject, "project", "p", "", "Use the primary checkout of this project")
	runsCreateCmd.MarkFlagsMutuallyExclusive("repo", "project")
	runsStatusCmd.Flags().StringVar(&runError, "error", "", "Error message to record")
	runsStepStatusCmd.Flags().StringVar(&runError, "error", "", "Error message to record")
	runsStepAddCmd.Flags().StringVar(&stepInput, "input", "", "Step input as JSON")
	for _, c := range []*cobra.Command{runsCreateCmd, runsListCmd, runsShowCmd, runsStepAddCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	}

	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsCreateCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsStepCmd)
	runsStepCmd.AddCommand(runsStepAddCmd)
	runsStepCmd.AddCommand(runsStepStatusCmd)
	runsCmd.AddCommand(runsRerunCmd)
	runsCmd.AddCommand(runsRepairCmd)
	runsCmd.AddCommand(runsWatchCmd)
}

func runRunsCreate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	repo := runRepo
	switch {
	case runProject != "":
		if err := gitops.ValidateProjectID(runProject); err != nil {
			return err
		}
		repo = a.pipeline.ProjectPath(runProject)
	case repo == "":
		if repo, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
	}
	if repo, err = filepath.Abs(repo); err != nil {
		return err
	}
	if info, err := os.Stat(repo); err != nil || !info.IsDir() {
		return fmt.Errorf("repository %s is not a directory", repo)
	}

	meta, err := a.runs.CreateRun(args[0], repo)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, meta)
	}
	fmt.Fprintf(out, "Created run %s\n", meta.ID)
	return nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	runs, err := a.runs.ListRuns()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	for _, run := range runs {
		line := fitRow(fmt.Sprintf("%s  %s  %d steps  %s", run.ID, renderStatus(string(run.Status)), run.StepCount, run.Goal))
		if run.Interrupted {
			line += " " + warnStyle.Render("(interrupted rerun)")
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	run, err := a.runs.GetRun(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, run)
	}
	printRun(out, run)
	return nil
}

func printRun(out io.Writer, run *runstore.Run) {
	fmt.Fprintln(out, titleStyle.Render(run.Goal))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("ID:     "), run.ID)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Status: "), renderStatus(string(run.Status)))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Repo:   "), run.RepoPath)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Started:"), run.StartedAt.Local().Format(time.DateTime))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Ended:  "), run.CompletedAt.Local().Format(time.DateTime))
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Error:  "), errorStyle.Render(run.ErrorMessage))
	}
	if run.Interrupted {
		fmt.Fprintln(out, warnStyle.Render("A rerun was interrupted; run 'simpleaide runs repair "+run.ID+"'"))
	}

	fmt.Fprintln(out)
	for _, step := range run.Steps {
		line := fmt.Sprintf("  %2d. %-10s %s", step.StepNumber, step.StepType, renderStatus(string(step.Status.Status)))
		if step.Status.DurationMs != nil {
			line += mutedStyle.Render(fmt.Sprintf("  %s", time.Duration(*step.Status.DurationMs)*time.Millisecond))
		}
		fmt.Fprintln(out, line)
		if step.Status.ErrorMessage != "" {
			fmt.Fprintf(out, "      %s\n", errorStyle.Render(step.Status.ErrorMessage))
		}
		if len(step.ArtifactNames) > 0 {
			fmt.Fprintf(out, "      %s %s\n", labelStyle.Render("artifacts:"), strings.Join(step.ArtifactNames, ", "))
		}
	}
	for _, dir := range run.CorruptSteps {
		fmt.Fprintf(out, "  %s %s\n", errorStyle.Render("unreadable step"), dir)
	}
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	status := runstore.RunStatus(args[1])
	if !status.Valid() {
		return fmt.Errorf("unknown run status %q", args[1])
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	meta, err := a.runs.UpdateRunStatus(args[0], status, runError)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s is %s\n", meta.ID, renderStatus(string(meta.Status)))
	return nil
}

func runRunsStepAdd(cmd *cobra.Command, args []string) error {
	stepType := runstore.StepType(args[1])
	if !stepType.Valid() {
		return fmt.Errorf("unknown step type %q", args[1])
	}
	var input any
	if stepInput != "" {
		if !json.Valid([]byte(stepInput)) {
			return fmt.Errorf("--input is not valid JSON")
		}
		input = json.RawMessage(stepInput)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	step, err := a.runs.CreateStep(args[0], stepType, input)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, step)
	}
	fmt.Fprintf(out, "Added step %d (%s)\n", step.StepNumber, step.StepType)
	return nil
}

func runRunsStepStatus(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid step number %q", args[1])
	}
	status := runstore.StepStatus(args[2])
	if !status.Valid() {
		return fmt.Errorf("unknown step status %q", args[2])
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	meta, err := a.runs.UpdateStepStatus(args[0], n, status, runError)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Step %d is %s\n", n, renderStatus(string(meta.Status)))
	return nil
}

func runRunsRerun(cmd *cobra.Command, args []string) error {
	from, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid step number %q", args[1])
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.runs.DeleteStepsFrom(args[0], from); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s will continue from step %d\n", args[0], from)
	return nil
}

func runRunsRepair(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	changed, err := a.runs.RepairRun(args[0])
	if err != nil {
		return err
	}
	if changed {
		fmt.Fprintf(cmd.OutOrStdout(), "Repaired run %s\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s is consistent\n", args[0])
	}
	return nil
}

func runRunsWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	w, err := runstore.NewWatcher(a.paths.RunsDir, a.logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watching %s (Ctrl+C to stop)\n", a.paths.RunsDir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			fmt.Fprintln(out, formatEvent(ev))
		}
	}
}

func formatEvent(ev runstore.Event) string {
	ts := mutedStyle.Render(time.Now().Format(time.TimeOnly))
	switch {
	case ev.StepDir == "" && ev.File == "":
		return fmt.Sprintf("%s run %s created", ts, ev.RunID)
	case ev.File == "":
		return fmt.Sprintf("%s run %s: step %s created", ts, ev.RunID, ev.StepDir)
	case ev.StepDir == "":
		return fmt.Sprintf("%s run %s: %s updated", ts, ev.RunID, ev.File)
	default:
		return fmt.Sprintf("%s run %s: %s/%s updated", ts, ev.RunID, ev.StepDir, ev.File)
	}
}
