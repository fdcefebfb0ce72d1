package filelock

import (
	"errors"
	"time"
)

// Sentinel errors returned by registry operations.
var (
	// ErrAlreadyClaimed is returned when a path is already claimed by another owner.
	ErrAlreadyClaimed = errors.New("path already claimed by another operation")

	// ErrNotOwner is returned when an owner tries to release a path it does not own.
	ErrNotOwner = errors.New("caller does not own this path")

	// ErrNotClaimed is returned when an owner tries to release an unclaimed path.
	ErrNotClaimed = errors.New("path is not claimed")
)

// Claim represents an ownership claim on a path.
type Claim struct {
	OwnerID   string    // Operation that owns the claim
	Path      string    // Cleaned absolute or relative path
	ClaimedAt time.Time // When the claim was established
}
