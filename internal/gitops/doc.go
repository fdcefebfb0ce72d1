// Package gitops implements the clone, pull and checkout pipelines.
//
// Each pipeline run is recorded as a storage.GitOperation whose stage marker
// advances as the run progresses, plus an append-only log file holding the
// redacted output of every git command. Callers poll the operation; expected
// failures are reported through Result and the operation's failed status,
// never as Go errors.
//
// Clone never writes into the final project path directly. It clones into a
// uniquely named staging directory, verifies the result, and renames it into
// place only if the final path does not exist. The staging directory is
// removed on every exit path.
package gitops
