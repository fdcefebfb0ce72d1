package toolserver

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Iron-Ham/simpleaide/internal/capsule"
	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/logging"
	"github.com/Iron-Ham/simpleaide/internal/runstore"
	"github.com/Iron-Ham/simpleaide/internal/storage"
)

// ApproverName is the MCP server name advertised by the approval endpoint.
const ApproverName = "simpleaide-approver"

// shutdownTimeout bounds how long in-flight approval requests may finish.
const shutdownTimeout = 5 * time.Second

// ResolvePendingArgs is the input of resolve_pending.
type ResolvePendingArgs struct {
	RunID    string `json:"run_id" jsonschema:"required,description=Run identifier"`
	Token    string `json:"token" jsonschema:"required,description=Confirmation token of the pending write"`
	Approved bool   `json:"approved" jsonschema:"description=Apply the write when true and discard it when false"`
}

// Approver is the tool surface for whoever decides on gated writes. It
// shares capsules with a Server in the same process but is never exposed on
// the agent's transport.
type Approver struct {
	*toolset
}

// NewApprover creates an Approver and registers its tools.
func NewApprover(capsules *capsule.Registry, runs *runstore.Store, audit storage.ToolAudit, version string, logger *logging.Logger) *Approver {
	a := &Approver{toolset: newToolset(ApproverName, version, capsules, runs, audit, logger)}
	a.addTool(listPendingTool(), a.handleListPending)
	a.addTool(mcp.NewTool("resolve_pending",
		mcp.WithDescription("Approve or reject a pending write. Approving applies it; a token can be resolved once."),
		mcp.WithInputSchema[ResolvePendingArgs](),
	), a.handleResolvePending)
	return a
}

// ListenAndServe serves the approver tools over streamable HTTP on addr until
// ctx is cancelled. addr must be a loopback address.
func (a *Approver) ListenAndServe(ctx context.Context, addr string) error {
	if err := ValidateApproverAddr(addr); err != nil {
		return err
	}
	httpServer := server.NewStreamableHTTPServer(a.mcp)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Start(addr) }()
	a.logger.Info("approver listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// ValidateApproverAddr rejects listen addresses reachable from other hosts.
func ValidateApproverAddr(addr string) error {
	invalid := func(reason string) error {
		return errors.NewValidationError(reason).WithField("approver_addr").WithValue(addr)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return invalid("address must be host:port")
	}
	if host == "localhost" {
		return nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.IsLoopback() {
		return invalid("approver must listen on a loopback address")
	}
	return nil
}

func (a *Approver) handleResolvePending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := bind[ResolvePendingArgs](request)
	if bad != nil {
		return bad, nil
	}
	c, err := a.capsuleFor(args.RunID)
	if err != nil {
		return errorResult(err), nil
	}
	resolved, err := c.ResolvePending(args.Token, args.Approved)
	if err != nil {
		return errorResult(err), nil
	}
	if !resolved {
		return errorResult(errors.ErrTokenInvalid), nil
	}
	if args.Approved {
		return mcp.NewToolResultText("pending write approved and applied"), nil
	}
	return mcp.NewToolResultText("pending write rejected"), nil
}
