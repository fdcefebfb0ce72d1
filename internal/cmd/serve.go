package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/simpleaide/internal/toolserver"
)

// defaultApproverAddr is where the approval endpoint listens by default.
const defaultApproverAddr = "127.0.0.1:7421"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run capsules and run history as MCP tools over stdio",
	Long: `Serve run capsules and run history as MCP tools over stdin/stdout.

Agents read and write files through the capsule of their run, so nothing
touches the checkout. Writes to immutable paths or content that looks like a
secret fail with an approval token. The token is not an approval: a human
approves or rejects the write through list_pending and resolve_pending on the
approver endpoint, a separate MCP server over HTTP on --approver-addr. After
an approval the agent may retry the same write once with that token.

Every tool call is recorded in the audit table of the database.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveApproverAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveApproverAddr, "approver-addr", defaultApproverAddr,
		"Loopback host:port of the approval endpoint (empty disables it; gated writes then stay pending)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if serveApproverAddr != "" {
		if err := toolserver.ValidateApproverAddr(serveApproverAddr); err != nil {
			return err
		}
		approver := toolserver.NewApprover(a.capsules, a.runs, a.store, Version, a.logger)
		errCh := make(chan error, 1)
		go func() { errCh <- approver.ListenAndServe(ctx, serveApproverAddr) }()
		defer func() {
			cancel()
			if err := <-errCh; err != nil {
				a.logger.Warn("approver stopped with error", "error", err)
			}
		}()
	}

	srv := toolserver.New(a.capsules, a.runs, a.store, Version, a.logger)
	a.logger.Info("serving tools", "tools", srv.Tools(), "approver_addr", serveApproverAddr)
	return srv.ServeStdio()
}
