package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/simpleaide/internal/capsule"
)

var capsuleCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Inspect the copy-on-write layer of a run",
	Long: `Agent writes for a run land in a capsule overlay under paths.capsules_dir
instead of the checkout. These commands show what changed, export the changes
as a patch, or throw them away.

Pending approvals are held by the process serving the run ('simpleaide serve')
and are resolved through its resolve_pending tool.`,
}

var capsuleChangesCmd = &cobra.Command{
	Use:   "changes <run-id>",
	Short: "List paths the run added, modified or deleted",
	Args:  cobra.ExactArgs(1),
	RunE:  runCapsuleChanges,
}

var capsulePatchCmd = &cobra.Command{
	Use:   "patch <run-id>",
	Short: "Export the run's changes as a unified diff",
	Long: `Export the run's changes as a unified diff against the checkout.

The patch applies with 'git apply'. Every changed file is rendered as a
single hunk replacing the whole file.`,
	Args: cobra.ExactArgs(1),
	RunE: runCapsulePatch,
}

var capsuleDiscardCmd = &cobra.Command{
	Use:   "discard <run-id>",
	Short: "Delete the run's overlay and every change in it",
	Args:  cobra.ExactArgs(1),
	RunE:  runCapsuleDiscard,
}

var patchOutput string

func init() {
	capsulePatchCmd.Flags().StringVarP(&patchOutput, "output", "o", "", "Write the patch to this file instead of stdout")
	capsuleChangesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	rootCmd.AddCommand(capsuleCmd)
	capsuleCmd.AddCommand(capsuleChangesCmd)
	capsuleCmd.AddCommand(capsulePatchCmd)
	capsuleCmd.AddCommand(capsuleDiscardCmd)
}

func runCapsuleChanges(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.openCapsule(args[0])
	if err != nil {
		return err
	}
	changes := c.Changes()

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, changes)
	}
	if len(changes) == 0 {
		fmt.Fprintln(out, "No changes")
		return nil
	}
	for _, ch := range changes {
		switch ch.Kind {
		case capsule.ChangeAdded:
			fmt.Fprintf(out, "%s %s\n", addedStyle.Render("A"), ch.Path)
		case capsule.ChangeModified:
			fmt.Fprintf(out, "%s %s\n", warnStyle.Render("M"), ch.Path)
		case capsule.ChangeDeleted:
			fmt.Fprintf(out, "%s %s\n", errorStyle.Render("D"), ch.Path)
		}
	}
	return nil
}

func runCapsulePatch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.openCapsule(args[0])
	if err != nil {
		return err
	}
	patch, err := c.ExportPatch()
	if err != nil {
		return err
	}

	if patchOutput == "" {
		fmt.Fprint(cmd.OutOrStdout(), patch)
		return nil
	}
	if err := os.WriteFile(patchOutput, []byte(patch), 0644); err != nil {
		return fmt.Errorf("failed to write patch: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", patchOutput)
	return nil
}

func runCapsuleDiscard(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.openCapsule(args[0]); err != nil {
		return err
	}
	if err := a.capsules.Close(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Discarded capsule for run %s\n", args[0])
	return nil
}
