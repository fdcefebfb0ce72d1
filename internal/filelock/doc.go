// Package filelock provides in-process advisory ownership of filesystem paths.
//
// Git pipelines claim a project's checkout path for the lifetime of one
// clone, pull or checkout, with the operation ID as owner. A second operation
// on the same project fails fast with [ErrAlreadyClaimed] instead of racing
// the first one for the staging rename or the working tree.
//
// # Basic Usage
//
//	reg := filelock.NewRegistry()
//
//	if err := reg.Claim(opID, projectPath); err != nil {
//		return err // another operation owns the project
//	}
//	defer func() { _ = reg.Release(opID, projectPath) }()
//
// Claims are not persisted and do not coordinate separate processes.
//
// # Thread Safety
//
// All [Registry] methods are safe for concurrent use via an internal sync.RWMutex.
package filelock
