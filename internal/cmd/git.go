package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/simpleaide/internal/gitops"
	"github.com/Iron-Ham/simpleaide/internal/storage"
)

var cloneCmd = &cobra.Command{
	Use:   "clone <project-id> <url>",
	Short: "Clone a remote repository into a new project",
	Long: `Clone a remote repository into a new project.

The URL is validated before anything touches the disk: local paths, embedded
credentials, plaintext git:// and private or loopback hosts are rejected, and
the host must be on the provider allow-list (extend it with remote.extra_hosts).

The clone happens in a staging directory and is promoted to the project path
only after it is verified. An existing project is never overwritten.

Tokens are never accepted on the command line. Use --token-env to name an
environment variable that holds one; token auth requires an https URL.`,
	Args: cobra.ExactArgs(2),
	RunE: runClone,
}

var pullCmd = &cobra.Command{
	Use:   "pull <project-id>",
	Short: "Fetch and fast-forward a project",
	Long: `Fetch with prune, then pull fast-forward only.

A diverged branch is reported as an error; no merge commit is ever created.`,
	Args: cobra.ExactArgs(1),
	RunE: runPull,
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <project-id> <branch>",
	Short: "Switch a project's primary checkout to another branch",
	Args:  cobra.ExactArgs(2),
	RunE:  runCheckout,
}

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect git operations",
	Long:  `Every clone, pull and checkout is recorded as an operation with a stage, a status and a log file.`,
}

var opsListCmd = &cobra.Command{
	Use:   "list [project-id]",
	Short: "List recent operations, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOpsList,
}

var opsShowCmd = &cobra.Command{
	Use:   "show <op-id>",
	Short: "Show an operation and its log",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsShow,
}

var remotesCmd = &cobra.Command{
	Use:   "remotes",
	Short: "List registered project remotes",
	Args:  cobra.NoArgs,
	RunE:  runRemotes,
}

var (
	cloneName       string
	cloneBranch     string
	cloneDepth      int
	cloneSubmodules bool
	tokenEnv        string
	opsLimit        int
	opsNoLog        bool
	jsonOutput      bool
)

func init() {
	cloneCmd.Flags().StringVar(&cloneName, "name", "", "Display name for the project")
	cloneCmd.Flags().StringVarP(&cloneBranch, "branch", "b", "", "Branch to check out (default: the remote's default branch)")
	cloneCmd.Flags().IntVar(&cloneDepth, "depth", 0, "Limit history to this many commits (0 uses git.default_depth)")
	cloneCmd.Flags().BoolVar(&cloneSubmodules, "recurse-submodules", false, "Clone submodules as well")
	for _, c := range []*cobra.Command{cloneCmd, pullCmd} {
		c.Flags().StringVar(&tokenEnv, "token-env", "", "Environment variable holding an HTTPS access token")
	}

	opsListCmd.Flags().IntVarP(&opsLimit, "limit", "n", 20, "Maximum number of operations to show")
	opsShowCmd.Flags().BoolVar(&opsNoLog, "no-log", false, "Do not print the operation log")

	for _, c := range []*cobra.Command{cloneCmd, pullCmd, checkoutCmd, opsListCmd, opsShowCmd, remotesCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	}

	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(remotesCmd)
	rootCmd.AddCommand(opsCmd)
	opsCmd.AddCommand(opsListCmd)
	opsCmd.AddCommand(opsShowCmd)
}

func runClone(cmd *cobra.Command, args []string) error {
	token, err := readToken()
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	res := a.pipeline.Clone(cmd.Context(), gitops.CloneRequest{
		ProjectID:         args[0],
		ProjectName:       cloneName,
		URL:               args[1],
		Branch:            cloneBranch,
		AuthRef:           tokenEnv,
		Token:             token,
		Depth:             cloneDepth,
		RecurseSubmodules: cloneSubmodules,
	})
	return printResult(cmd.OutOrStdout(), "clone", res)
}

func runPull(cmd *cobra.Command, args []string) error {
	token, err := readToken()
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	res := a.pipeline.Pull(cmd.Context(), gitops.PullRequest{ProjectID: args[0], Token: token})
	return printResult(cmd.OutOrStdout(), "pull", res)
}

func runCheckout(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	res := a.pipeline.Checkout(cmd.Context(), gitops.CheckoutRequest{ProjectID: args[0], Branch: args[1]})
	return printResult(cmd.OutOrStdout(), "checkout", res)
}

func readToken() (string, error) {
	if tokenEnv == "" {
		return "", nil
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return "", fmt.Errorf("environment variable %s is empty or unset", tokenEnv)
	}
	return token, nil
}

// printResult reports a pipeline result and turns a failure into an error
// so the process exits non-zero.
func printResult(out io.Writer, op string, res gitops.Result) error {
	if jsonOutput {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		if res.Success {
			fmt.Fprintf(out, "%s %s succeeded\n", addedStyle.Render("✓"), op)
			if res.ProjectPath != "" {
				fmt.Fprintf(out, "  %s %s\n", labelStyle.Render("Path:"), res.ProjectPath)
			}
		} else {
			fmt.Fprintf(out, "%s %s failed: %s\n", errorStyle.Render("✗"), op, res.Error)
		}
		if res.GitOpID != "" {
			fmt.Fprintf(out, "  %s %s\n", labelStyle.Render("Operation:"), res.GitOpID)
		}
		if res.LogPath != "" {
			fmt.Fprintf(out, "  %s %s\n", labelStyle.Render("Log:"), res.LogPath)
		}
	}
	if !res.Success {
		return fmt.Errorf("%s failed", op)
	}
	return nil
}

func runOpsList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	projectID := ""
	if len(args) == 1 {
		projectID = args[0]
	}
	ops, err := a.store.ListOperations(projectID, opsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, ops)
	}
	if len(ops) == 0 {
		fmt.Fprintln(out, "No operations recorded")
		return nil
	}
	for _, op := range ops {
		fmt.Fprintln(out, fitRow(fmt.Sprintf("%s  %-8s %-20s %s  %s",
			op.ID, op.Op, op.ProjectID, renderStatus(string(op.Status)),
			mutedStyle.Render(op.CreatedAt.Local().Format(time.DateTime)))))
		if op.Error != "" {
			// The full message, with git output, is in `ops show`.
			first, _, _ := strings.Cut(op.Error, "\n")
			fmt.Fprintln(out, fitRow("    "+errorStyle.Render(first)))
		}
	}
	return nil
}

func runOpsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	op, err := a.store.GetOperation(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, op)
	}
	printOperation(out, op)
	if opsNoLog || op.LogPath == "" {
		return nil
	}
	data, err := os.ReadFile(op.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(out, mutedStyle.Render("(no log written)"))
			return nil
		}
		return fmt.Errorf("failed to read operation log: %w", err)
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, string(data))
	return nil
}

func printOperation(out io.Writer, op *storage.GitOperation) {
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s %s", op.Op, op.ProjectID)))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("ID:     "), op.ID)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Status: "), renderStatus(string(op.Status)))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Stage:  "), op.Stage)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Created:"), op.CreatedAt.Local().Format(time.DateTime))
	if op.StartedAt != nil && op.EndedAt != nil {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Took:   "), op.EndedAt.Sub(*op.StartedAt).Round(time.Millisecond))
	}
	if op.Error != "" {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Error:  "), errorStyle.Render(op.Error))
	}
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Log:    "), op.LogPath)
}

func runRemotes(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	remotes, err := a.store.ListRemotes()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, remotes)
	}
	if len(remotes) == 0 {
		fmt.Fprintln(out, "No projects cloned yet")
		return nil
	}
	for _, r := range remotes {
		fetched := "never"
		if r.LastFetchedAt != nil {
			fetched = r.LastFetchedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintln(out, fitRow(fmt.Sprintf("%-20s %-10s %s (%s)  %s", r.ProjectID, r.Provider, r.SanitizedURL, r.DefaultBranch,
			mutedStyle.Render("fetched "+fetched))))
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
