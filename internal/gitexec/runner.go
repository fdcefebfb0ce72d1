package gitexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/logging"
)

// Default limits applied when Config leaves a field at zero.
const (
	DefaultTimeout        = 5 * time.Minute
	DefaultCloneTimeout   = 10 * time.Minute
	DefaultFetchTimeout   = 2 * time.Minute
	DefaultMaxOutputBytes = 2 * 1024 * 1024
)

// SSHCommand pins host-key handling so a first contact never prompts.
const SSHCommand = "ssh -o StrictHostKeyChecking=accept-new -o BatchMode=yes"

// Options control a single invocation.
type Options struct {
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Timeout overrides the per-command default when positive.
	Timeout time.Duration
	// Token enables HTTPS token authentication through a credential helper.
	Token string
	// Env holds extra KEY=VALUE pairs appended after the base environment.
	Env []string
}

// Result describes a finished command. Stdout and Stderr are redacted.
type Result struct {
	Args      []string      `json:"args"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`
}

// Success reports whether the command exited zero within its timeout.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// Output returns stdout followed by stderr, trimmed.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Err converts an unsuccessful result into a GitError carrying the redacted
// output, or a TimeoutError if the command was killed. It returns nil on success.
func (r *Result) Err(message string) error {
	if r.Success() {
		return nil
	}
	if r.TimedOut {
		op := "git"
		if len(r.Args) > 0 {
			op = "git " + r.Args[0]
		}
		return errors.NewTimeoutError(op, r.Duration)
	}
	output := r.Output()
	return errors.NewGitError(message, fmt.Errorf("%w: exit status %d", errors.ErrOperationFailed, r.ExitCode)).
		WithGitOutput(output).
		WithRetryable(IsTransientFailure(output))
}

// transientFailures are git and curl messages for network faults that may
// clear on a retry.
var transientFailures = []string{
	"could not resolve host",
	"connection timed out",
	"connection reset",
	"connection refused",
	"failed to connect",
	"the remote end hung up unexpectedly",
	"early eof",
	"rpc failed",
	"operation timed out",
	"temporary failure in name resolution",
}

// IsTransientFailure reports whether git output describes a network fault
// rather than a problem with the request itself.
func IsTransientFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, s := range transientFailures {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Executor runs git commands. Implementations return an error only when the
// process could not be started; a non-zero exit is reported in Result.
type Executor interface {
	Run(ctx context.Context, args []string, opts Options) (*Result, error)
}

// Config configures a Runner.
type Config struct {
	Binary         string
	DefaultTimeout time.Duration
	CloneTimeout   time.Duration
	FetchTimeout   time.Duration
	MaxOutputBytes int
	// TempDir holds ephemeral credential files; empty means os.TempDir().
	TempDir string
}

// Runner is the production Executor.
type Runner struct {
	cfg    Config
	logger *logging.Logger
}

// NewRunner creates a Runner, filling zero Config fields with defaults.
func NewRunner(cfg Config, logger *logging.Logger) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = DefaultCloneTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Runner{cfg: cfg, logger: logging.OrNop(logger)}
}

// TimeoutFor returns the timeout applied to a git subcommand.
func (r *Runner) TimeoutFor(subcommand string) time.Duration {
	switch subcommand {
	case "clone":
		return r.cfg.CloneTimeout
	case "fetch", "pull", "ls-remote":
		return r.cfg.FetchTimeout
	default:
		return r.cfg.DefaultTimeout
	}
}

// Run executes git with args. The process is killed when the timeout elapses
// or ctx is canceled.
func (r *Runner) Run(ctx context.Context, args []string, opts Options) (*Result, error) {
	subcommand := ""
	if len(args) > 0 {
		subcommand = args[0]
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.TimeoutFor(subcommand)
	}

	env := baseEnv()
	if opts.Token != "" {
		creds, err := acquireCredentials(r.cfg.TempDir, opts.Token)
		if err != nil {
			return nil, err
		}
		defer creds.release()
		env = append(env, creds.env()...)
	}
	env = append(env, opts.Env...)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	budget := newOutputBudget(r.cfg.MaxOutputBytes)
	stdout := &cappedBuffer{budget: budget}
	stderr := &cappedBuffer{budget: budget}

	cmd := exec.CommandContext(runCtx, r.cfg.Binary, args...)
	cmd.Dir = opts.Dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{
		Args:      redactArgs(args, opts.Token),
		Stdout:    RedactSecrets(stdout.String(), opts.Token),
		Stderr:    RedactSecrets(stderr.String(), opts.Token),
		Truncated: budget.wasTruncated(),
		Duration:  elapsed,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		r.logger.Warn("git command timed out",
			"subcommand", subcommand,
			"timeout", timeout.String(),
		)
		return result, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			result.ExitCode = -1
			return result, errors.Wrap(errors.ErrCanceled, "git "+subcommand)
		} else {
			return nil, errors.Wrapf(err, "failed to start %s", r.cfg.Binary)
		}
	}

	r.logger.Debug("git command finished",
		"subcommand", subcommand,
		"exit_code", result.ExitCode,
		"duration_ms", elapsed.Milliseconds(),
		"truncated", result.Truncated,
	)

	return result, nil
}

// baseEnv is the inherited environment with prompting disabled and
// locale-independent messages.
func baseEnv() []string {
	env := os.Environ()
	return append(env,
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=never",
		"GIT_SSH_COMMAND="+SSHCommand,
		"LC_ALL=C",
	)
}

func redactArgs(args []string, token string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = RedactSecrets(a, token)
	}
	return out
}
