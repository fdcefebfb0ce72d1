// Package capsule stages a run's file mutations in a copy-on-write overlay
// so the checkout is never modified directly.
//
// Every write passes two gates from a Policy: an immutable-path matcher and
// a secret scanner. A gated write is held as a PendingWrite under a
// single-use confirmation token until an approver resolves it. Deletes of
// immutable paths are refused outright.
//
// ExportPatch renders the overlay as a unified diff against the checkout,
// one whole-file hunk per changed path.
package capsule
