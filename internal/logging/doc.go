// Package logging provides structured logging for the simpleaide core.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation. Git pipelines, worktree management, capsules and the
// run store all accept a [*Logger]; child loggers carry the project, run and
// operation identifiers so a single log file can be filtered per entity.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. [RotatingWriter]
// guards file operations with a mutex, and child loggers created via With*
// methods share the underlying writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/lib/simpleaide", "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	opLogger := logger.WithProject("proj-1").WithOperation("op-42")
//	opLogger.Info("clone stage", "stage", "verify")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"clone stage","project_id":"proj-1","op_id":"op-42","stage":"verify"}
//
// Never log raw subprocess output; pass it through gitexec.Redact first.
package logging
