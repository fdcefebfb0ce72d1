package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/simpleaide/internal/cleanup"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove state left behind by interrupted processes",
	Long: `Cleanup removes leftovers that accumulate when a process is killed:

- Staging directories of clones that never finished
- Capsule overlays whose run no longer exists (with --finished, also
  overlays of completed, failed or cancelled runs)
- Ephemeral git credential files

Staging directories and credential files younger than --older-than are
skipped so in-flight clones are not disturbed.

Use --dry-run to see what would be cleaned up without making changes.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var (
	cleanupDryRun    bool
	cleanupForce     bool
	cleanupFinished  bool
	cleanupOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be cleaned up without making changes")
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVar(&cleanupFinished, "finished", false, "Also remove capsules of finished runs")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", cleanup.DefaultMinAge, "Minimum age of staging directories and credential files")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	result, err := cleanup.Discover(cleanup.Options{
		StagingDir:      a.paths.StagingDir,
		CapsulesDir:     a.paths.CapsulesDir,
		CredentialDir:   a.credDir,
		MinAge:          cleanupOlderThan,
		Runs:            a.runs,
		IncludeFinished: cleanupFinished,
	})
	if err != nil {
		return fmt.Errorf("failed to discover stale resources: %w", err)
	}

	out := cmd.OutOrStdout()
	if result.Empty() {
		fmt.Fprintln(out, "No stale resources found. Nothing to clean up.")
		return nil
	}

	printCleanupSummary(out, result)

	if cleanupDryRun {
		fmt.Fprintln(out, "\nDry run mode - no changes made.")
		return nil
	}

	// Confirm unless forced
	if !cleanupForce {
		fmt.Fprint(out, "\nProceed with cleanup? [y/N] ")
		response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Cleanup cancelled.")
			return nil
		}
	}

	res := cleanup.Perform(result, a.logger)
	fmt.Fprintf(out, "\nRemoved %d staging directories, %d capsules, %d credential files\n",
		res.StagingRemoved, res.CapsulesRemoved, res.CredentialsRemoved)
	for _, e := range res.Errors {
		fmt.Fprintln(out, errorStyle.Render("  "+e))
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d items could not be removed", len(res.Errors))
	}
	return nil
}

func printCleanupSummary(out io.Writer, result *cleanup.Result) {
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintln(out, titleStyle.Render("Stale Resources Found"))
	fmt.Fprintln(out, strings.Repeat("─", 60))

	if len(result.StagingDirs) > 0 {
		fmt.Fprintf(out, "\nStaging directories (%d):\n", len(result.StagingDirs))
		for _, p := range result.StagingDirs {
			fmt.Fprintf(out, "  - %s\n", p)
		}
	}
	if len(result.Capsules) > 0 {
		fmt.Fprintf(out, "\nCapsules (%d):\n", len(result.Capsules))
		for _, c := range result.Capsules {
			fmt.Fprintf(out, "  - %s %s\n", c.RunID, mutedStyle.Render("("+c.Reason+")"))
		}
	}
	if len(result.CredentialFiles) > 0 {
		fmt.Fprintf(out, "\nCredential files (%d):\n", len(result.CredentialFiles))
		for _, p := range result.CredentialFiles {
			fmt.Fprintf(out, "  - %s\n", p)
		}
	}
}
