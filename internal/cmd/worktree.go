package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/simpleaide/internal/gitops"
	"github.com/Iron-Ham/simpleaide/internal/worktree"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage per-workspace git worktrees",
	Long: `Each workspace of a project gets its own linked worktree under
<project>/.worktrees/<workspace-id>. The primary checkout is the reserved
workspace "main".`,
}

var worktreeInitCmd = &cobra.Command{
	Use:   "init <project-id>",
	Short: "Initialize an empty project repository if none exists",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorktreeInit,
}

var worktreeCreateCmd = &cobra.Command{
	Use:   "create <project-id> <workspace-id> <branch>",
	Short: "Create a worktree for a workspace",
	Long: `Create a worktree for a workspace.

If the branch exists it is checked out; otherwise it is created from --base.
A base of "main" resolves to the repository's actual default branch.`,
	Args: cobra.ExactArgs(3),
	RunE: runWorktreeCreate,
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "remove <project-id> <workspace-id>",
	Short: "Remove a workspace's worktree",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorktreeRemove,
}

var worktreeListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List a project's workspaces with their status",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorktreeList,
}

var worktreeStatusCmd = &cobra.Command{
	Use:   "status <project-id> <workspace-id>",
	Short: "Show uncommitted changes and ahead/behind counts",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorktreeStatus,
}

var (
	worktreeBase  string
	worktreeForce bool
)

func init() {
	worktreeCreateCmd.Flags().StringVar(&worktreeBase, "base", "main", "Branch to create the new branch from")
	worktreeRemoveCmd.Flags().BoolVarP(&worktreeForce, "force", "f", false, "Remove even with uncommitted changes")
	for _, c := range []*cobra.Command{worktreeCreateCmd, worktreeListCmd, worktreeStatusCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	}

	rootCmd.AddCommand(worktreeCmd)
	worktreeCmd.AddCommand(worktreeInitCmd)
	worktreeCmd.AddCommand(worktreeCreateCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeStatusCmd)
}

func runWorktreeInit(cmd *cobra.Command, args []string) error {
	if err := gitops.ValidateProjectID(args[0]); err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	created, err := a.worktrees.EnsureGitRepo(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "Initialized repository at %s\n", a.worktrees.ProjectPath(args[0]))
	} else {
		fmt.Fprintf(out, "Repository already exists at %s\n", a.worktrees.ProjectPath(args[0]))
	}
	return nil
}

func runWorktreeCreate(cmd *cobra.Command, args []string) error {
	if err := gitops.ValidateProjectID(args[0]); err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ws, err := a.worktrees.CreateWorktree(cmd.Context(), args[0], args[1], args[2], worktreeBase)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, ws)
	}
	fmt.Fprintf(out, "%s Created workspace %s on branch %s\n", addedStyle.Render("✓"), ws.ID, ws.Branch)
	fmt.Fprintf(out, "  %s %s\n", labelStyle.Render("Path:"), ws.Path)
	return nil
}

func runWorktreeRemove(cmd *cobra.Command, args []string) error {
	if err := gitops.ValidateProjectID(args[0]); err != nil {
		return err
	}
	if args[1] == worktree.MainWorkspaceID {
		return fmt.Errorf("the %q workspace is the primary checkout and cannot be removed", worktree.MainWorkspaceID)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.worktrees.RemoveWorktree(cmd.Context(), args[0], args[1], worktreeForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed workspace %s\n", args[1])
	return nil
}

func runWorktreeList(cmd *cobra.Command, args []string) error {
	if err := gitops.ValidateProjectID(args[0]); err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	workspaces, err := a.worktrees.ListWithStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, workspaces)
	}
	for _, ws := range workspaces {
		branch := ws.Branch
		if ws.Detached {
			branch = "(detached " + shortHead(ws.Head) + ")"
		}
		fmt.Fprintf(out, "%-16s %-24s %s\n", ws.ID, branch, formatStatus(ws.Status))
		fmt.Fprintf(out, "  %s\n", mutedStyle.Render(ws.Path))
	}
	return nil
}

func runWorktreeStatus(cmd *cobra.Command, args []string) error {
	if err := gitops.ValidateProjectID(args[0]); err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	status, err := a.worktrees.GetWorktreeStatus(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, status)
	}
	printWorktreeStatus(out, args[1], status)
	return nil
}

func printWorktreeStatus(out io.Writer, workspaceID string, status *worktree.Status) {
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render(workspaceID), formatStatus(status))
	if status != nil && status.Upstream != "" {
		fmt.Fprintf(out, "  %s %s\n", labelStyle.Render("Upstream:"), status.Upstream)
	}
}

// formatStatus renders a worktree status. A nil status means the workspace
// could not be inspected, which is not the same as clean.
func formatStatus(status *worktree.Status) string {
	if status == nil {
		return warnStyle.Render("unknown")
	}
	s := addedStyle.Render("clean")
	if status.HasChanges {
		s = warnStyle.Render("modified")
	}
	if status.Ahead > 0 || status.Behind > 0 {
		s += mutedStyle.Render(fmt.Sprintf(" ↑%d ↓%d", status.Ahead, status.Behind))
	}
	return s
}

func shortHead(head string) string {
	if len(head) > 7 {
		return head[:7]
	}
	return head
}
