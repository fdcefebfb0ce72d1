// Package gitexec runs the git binary as a bounded, non-interactive
// subprocess.
//
// Every invocation:
//   - disables terminal credential prompts and pins the SSH host-key policy
//   - runs under a hard timeout, after which the process is killed
//   - captures stdout and stderr under a shared byte cap
//   - passes all captured output through Redact before returning it
//
// Token authentication never places the token on the command line. The
// token is written to a mode 0600 file read by a throwaway credential-helper
// script; both are referenced from the environment and removed when the
// command exits.
//
// The Executor interface lets pipelines be tested against a fake.
package gitexec
