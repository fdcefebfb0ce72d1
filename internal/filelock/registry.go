package filelock

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Registry manages advisory path ownership claims.
type Registry struct {
	mu     sync.RWMutex
	claims map[string]Claim // cleaned path -> claim
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{claims: make(map[string]Claim)}
}

// Claim registers ownership of path for ownerID.
// Returns ErrAlreadyClaimed if the path is owned by a different owner.
// If ownerID already owns the path, this is a no-op.
func (r *Registry) Claim(ownerID, path string) error {
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.claims[path]; ok {
		if existing.OwnerID == ownerID {
			return nil
		}
		return fmt.Errorf("%w: %s owns %s", ErrAlreadyClaimed, existing.OwnerID, path)
	}

	r.claims[path] = Claim{
		OwnerID:   ownerID,
		Path:      path,
		ClaimedAt: time.Now(),
	}
	return nil
}

// Release relinquishes ownership of path.
// Returns ErrNotClaimed if the path is not claimed, or ErrNotOwner
// if the path is claimed by a different owner.
func (r *Registry) Release(ownerID, path string) error {
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.claims[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotClaimed, path)
	}
	if existing.OwnerID != ownerID {
		return fmt.Errorf("%w: %s owns %s", ErrNotOwner, existing.OwnerID, path)
	}
	delete(r.claims, path)
	return nil
}

// Owner returns the owner of path and true, or ("", false) if it is unclaimed.
func (r *Registry) Owner(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claim, ok := r.claims[filepath.Clean(path)]
	if !ok {
		return "", false
	}
	return claim.OwnerID, true
}

// Claims returns every active claim sorted by path.
func (r *Registry) Claims() []Claim {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Claim, 0, len(r.claims))
	for _, c := range r.claims {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
