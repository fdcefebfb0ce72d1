package capsule

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/logging"
)

// Overlay layout under a capsule's root.
const (
	filesDir   = "files"
	deletedDir = "deleted"
)

// Reasons reported when a write is held for approval.
const (
	ReasonImmutablePath   = "path is immutable"
	ReasonSecretsDetected = "content may contain secrets"
)

// ChangeKind describes how a path differs from the checkout.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is one path the capsule has changed.
type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// PendingState is where a gated write is in the approval flow.
type PendingState string

const (
	// PendingAwaiting writes wait for an approver.
	PendingAwaiting PendingState = "awaiting_approval"
	// PendingApproved writes were applied by an approver. The token may be
	// redeemed once more by WriteFile for the same path and content.
	PendingApproved PendingState = "approved"
)

// PendingWrite is a gated write waiting for a decision.
type PendingWrite struct {
	Token     string                 `json:"token"`
	Path      string                 `json:"path"`
	Content   []byte                 `json:"-"`
	Digest    string                 `json:"sha256"`
	Size      int                    `json:"size"`
	Reason    string                 `json:"reason"`
	Findings  []errors.SecretFinding `json:"findings,omitempty"`
	State     PendingState           `json:"state"`
	CreatedAt time.Time              `json:"created_at"`
}

// matches reports whether a write of content to p is the write that was held.
func (pw *PendingWrite) matches(p string, content []byte) bool {
	return pw.Path == p && pw.Digest == digest(content)
}

// WriteResult is returned by Write. When RequiresConfirmation is set nothing
// was written and ConfirmToken identifies the pending write.
type WriteResult struct {
	Written              bool                   `json:"written"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	ConfirmToken         string                 `json:"confirm_token,omitempty"`
	Reason               string                 `json:"reason,omitempty"`
	Findings             []errors.SecretFinding `json:"findings,omitempty"`
}

// Capsule is a copy-on-write layer over a checkout for one run. Reads fall
// through to the checkout; writes and deletes land in the overlay root and
// never touch the checkout.
//
// A Capsule assumes one writer per run; its mutex only keeps the maps
// consistent.
type Capsule struct {
	runID       string
	repoPath    string
	overlayRoot string

	fs      afero.Fs // holds the overlay root
	base    afero.Fs // read-only view of the checkout
	overlay afero.Fs // files/ under the overlay root

	policy Policy
	logger *logging.Logger

	mu       sync.Mutex
	modified map[string][]byte
	deleted  map[string]struct{}
	pending  map[string]*PendingWrite
	approved map[string]*PendingWrite
	closed   bool
}

func newCapsule(fsys afero.Fs, runID, repoPath, overlayRoot string, policy Policy, logger *logging.Logger) (*Capsule, error) {
	if err := fsys.MkdirAll(filepath.Join(overlayRoot, filesDir), 0755); err != nil {
		return nil, errors.NewCapsuleError("failed to create overlay", err).WithRunID(runID)
	}
	if err := fsys.MkdirAll(filepath.Join(overlayRoot, deletedDir), 0755); err != nil {
		return nil, errors.NewCapsuleError("failed to create overlay", err).WithRunID(runID)
	}
	c := &Capsule{
		runID:       runID,
		repoPath:    repoPath,
		overlayRoot: overlayRoot,
		fs:          fsys,
		base:        afero.NewReadOnlyFs(afero.NewBasePathFs(fsys, repoPath)),
		overlay:     afero.NewBasePathFs(fsys, filepath.Join(overlayRoot, filesDir)),
		policy:      policy,
		logger:      logging.OrNop(logger).WithRun(runID).With("component", "capsule"),
		modified:    make(map[string][]byte),
		deleted:     make(map[string]struct{}),
		pending:     make(map[string]*PendingWrite),
		approved:    make(map[string]*PendingWrite),
	}
	if err := c.loadDeleteMarkers(); err != nil {
		return nil, err
	}
	return c, nil
}

// RunID returns the run the capsule belongs to.
func (c *Capsule) RunID() string { return c.runID }

// RepoPath returns the checkout the capsule overlays.
func (c *Capsule) RepoPath() string { return c.repoPath }

// OverlayRoot returns the capsule's scratch directory.
func (c *Capsule) OverlayRoot() string { return c.overlayRoot }

// Read returns the content of p as the run sees it. ok is false when the run
// deleted p. A path that exists nowhere is a NotFoundError.
func (c *Capsule) Read(p string) (content []byte, ok bool, err error) {
	p, err = c.cleanPath(p)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, errors.ErrCapsuleClosed
	}

	if _, gone := c.deleted[p]; gone {
		return nil, false, nil
	}
	if data, cached := c.modified[p]; cached {
		return bytes.Clone(data), true, nil
	}
	if data, err := afero.ReadFile(c.overlay, p); err == nil {
		return data, true, nil
	} else if !isNotExist(err) {
		return nil, false, errors.NewCapsuleError("failed to read overlay", err).WithRunID(c.runID).WithPath(p)
	}
	data, err := afero.ReadFile(c.base, p)
	if err != nil {
		if isNotExist(err) {
			return nil, false, errors.NewNotFoundError("file", p)
		}
		return nil, false, errors.NewCapsuleError("failed to read checkout", err).WithRunID(c.runID).WithPath(p)
	}
	return data, true, nil
}

// Write stores content at p unless a gate fires. A gated write is not an
// error: it is registered as pending and the result carries the token and
// reason.
func (c *Capsule) Write(p string, content []byte) (*WriteResult, error) {
	p, err := c.cleanPath(p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.ErrCapsuleClosed
	}

	if pw := c.gate(p, content); pw != nil {
		return &WriteResult{
			RequiresConfirmation: true,
			ConfirmToken:         pw.Token,
			Reason:               pw.Reason,
			Findings:             pw.Findings,
		}, nil
	}
	if err := c.performWrite(p, content); err != nil {
		return nil, err
	}
	return &WriteResult{Written: true}, nil
}

// WriteFile is the strict entry point for tool-calling contexts. A gated
// write returns an *errors.ApprovalRequiredError carrying the pending token.
//
// A token only skips the gates once an approver has approved it through
// ResolvePending, and only for the same path and byte-identical content; the
// approval is consumed. A token that is still awaiting a decision returns the
// same ApprovalRequiredError again. Any other token is ignored and the gates
// run as if none was given.
func (c *Capsule) WriteFile(p string, content []byte, approvalToken string) error {
	p, err := c.cleanPath(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.ErrCapsuleClosed
	}

	if approvalToken != "" {
		if pw, ok := c.approved[approvalToken]; ok && pw.matches(p, content) {
			delete(c.approved, approvalToken)
			c.logger.Info("approved write redeemed", "path", p)
			return c.performWrite(p, content)
		}
		if pw, ok := c.pending[approvalToken]; ok && pw.matches(p, content) {
			return errors.NewApprovalRequiredError(p, pw.Reason).WithToken(pw.Token).WithFindings(pw.Findings)
		}
		c.logger.Warn("approval token does not match an approved write", "path", p)
	}

	if pw := c.gate(p, content); pw != nil {
		return errors.NewApprovalRequiredError(p, pw.Reason).WithToken(pw.Token).WithFindings(pw.Findings)
	}
	return c.performWrite(p, content)
}

// Delete records the deletion of p. Immutable paths cannot be deleted and
// have no approval path.
func (c *Capsule) Delete(p string) error {
	p, err := c.cleanPath(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.ErrCapsuleClosed
	}

	if c.policy.Immutable != nil && c.policy.Immutable.Match(p) {
		return errors.NewImmutablePathError(p)
	}
	if _, gone := c.deleted[p]; gone {
		return nil
	}
	if !c.existsLocked(p) {
		return errors.NewNotFoundError("file", p)
	}

	if err := c.overlay.Remove(p); err != nil && !isNotExist(err) {
		return errors.NewCapsuleError("failed to remove overlay copy", err).WithRunID(c.runID).WithPath(p)
	}
	marker := c.markerPath(p)
	if err := c.fs.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return errors.NewCapsuleError("failed to write delete marker", err).WithRunID(c.runID).WithPath(p)
	}
	if err := afero.WriteFile(c.fs, marker, nil, 0644); err != nil {
		return errors.NewCapsuleError("failed to write delete marker", err).WithRunID(c.runID).WithPath(p)
	}

	delete(c.modified, p)
	c.deleted[p] = struct{}{}
	c.logger.Debug("deleted file", "path", p)
	return nil
}

// ResolvePending is the approver's decision on a pending write. Approving
// performs the held write and records the approval so WriteFile may redeem
// the token once for the same content. Either decision ends the pending
// state: a second call with the same token returns false.
func (c *Capsule) ResolvePending(token string, approved bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, errors.ErrCapsuleClosed
	}

	pw, ok := c.pending[token]
	if !ok {
		return false, nil
	}
	delete(c.pending, token)

	if !approved {
		c.logger.Info("pending write rejected", "path", pw.Path, "reason", pw.Reason)
		return true, nil
	}
	c.logger.Info("pending write approved", "path", pw.Path, "reason", pw.Reason)
	if err := c.performWrite(pw.Path, pw.Content); err != nil {
		return true, err
	}
	pw.State = PendingApproved
	pw.Content = nil
	c.approved[token] = pw
	return true, nil
}

// Pending returns writes awaiting a decision, oldest first.
func (c *Capsule) Pending() []PendingWrite {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingWrite, 0, len(c.pending))
	for _, pw := range c.pending {
		out = append(out, *pw)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Changes lists every path the run changed, sorted by path.
func (c *Capsule) Changes() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changesLocked()
}

// Cleanup removes the overlay root. It may be called once; later calls and
// any other operation return errors.ErrCapsuleClosed.
func (c *Capsule) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.ErrCapsuleClosed
	}
	c.closed = true
	c.modified = nil
	c.deleted = nil
	c.pending = nil
	c.approved = nil

	if err := c.fs.RemoveAll(c.overlayRoot); err != nil {
		return errors.NewCapsuleError("failed to remove overlay", err).WithRunID(c.runID)
	}
	c.logger.Info("capsule cleaned up")
	return nil
}

// gate runs the immutable-path and secret checks. If either fires it
// registers and returns a pending write.
func (c *Capsule) gate(p string, content []byte) *PendingWrite {
	var reason string
	var findings []errors.SecretFinding

	if c.policy.Immutable != nil && c.policy.Immutable.Match(p) {
		reason = ReasonImmutablePath
	} else if c.policy.Secrets != nil {
		if findings = c.policy.Secrets.Scan(string(content)); len(findings) > 0 {
			reason = ReasonSecretsDetected
		}
	}
	if reason == "" {
		return nil
	}

	pw := &PendingWrite{
		Token:     uuid.NewString(),
		Path:      p,
		Content:   bytes.Clone(content),
		Digest:    digest(content),
		Size:      len(content),
		Reason:    reason,
		Findings:  findings,
		State:     PendingAwaiting,
		CreatedAt: time.Now(),
	}
	c.pending[pw.Token] = pw
	c.logger.Info("write held for approval", "path", p, "reason", reason, "findings", len(findings))
	return pw
}

// performWrite stores content for p in the overlay. Callers hold c.mu.
func (c *Capsule) performWrite(p string, content []byte) error {
	if err := c.overlay.MkdirAll(path.Dir(p), 0755); err != nil {
		return errors.NewCapsuleError("failed to create overlay directory", err).WithRunID(c.runID).WithPath(p)
	}
	if err := afero.WriteFile(c.overlay, p, content, 0644); err != nil {
		return errors.NewCapsuleError("failed to write overlay file", err).WithRunID(c.runID).WithPath(p)
	}
	if _, gone := c.deleted[p]; gone {
		if err := c.fs.Remove(c.markerPath(p)); err != nil && !isNotExist(err) {
			return errors.NewCapsuleError("failed to clear delete marker", err).WithRunID(c.runID).WithPath(p)
		}
		delete(c.deleted, p)
	}
	c.modified[p] = bytes.Clone(content)
	c.logger.Debug("wrote file", "path", p, "bytes", len(content))
	return nil
}

func (c *Capsule) existsLocked(p string) bool {
	if _, ok := c.modified[p]; ok {
		return true
	}
	if ok, _ := afero.Exists(c.overlay, p); ok {
		return true
	}
	ok, _ := afero.Exists(c.base, p)
	return ok
}

func (c *Capsule) changesLocked() []Change {
	seen := make(map[string]bool)
	var changes []Change
	for p := range c.modified {
		seen[p] = true
		kind := ChangeModified
		if ok, _ := afero.Exists(c.base, p); !ok {
			kind = ChangeAdded
		}
		changes = append(changes, Change{Path: p, Kind: kind})
	}
	for p := range c.deleted {
		if !seen[p] {
			changes = append(changes, Change{Path: p, Kind: ChangeDeleted})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// loadDeleteMarkers restores deletions recorded by an earlier process, and
// caches overlay files so they appear in Changes.
func (c *Capsule) loadDeleteMarkers() error {
	markers := filepath.Join(c.overlayRoot, deletedDir)
	err := afero.Walk(c.fs, markers, func(walked string, info fs.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(markers, walked)
		if err != nil {
			return err
		}
		c.deleted[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
	if err != nil {
		return errors.NewCapsuleError("failed to load delete markers", err).WithRunID(c.runID)
	}

	err = afero.Walk(c.overlay, "/", func(walked string, info fs.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel := strings.TrimPrefix(filepath.ToSlash(walked), "/")
		data, err := afero.ReadFile(c.overlay, rel)
		if err != nil {
			return err
		}
		c.modified[rel] = data
		return nil
	})
	if err != nil {
		return errors.NewCapsuleError("failed to load overlay", err).WithRunID(c.runID)
	}
	return nil
}

func (c *Capsule) markerPath(p string) string {
	return filepath.Join(c.overlayRoot, deletedDir, filepath.FromSlash(p))
}

// cleanPath turns p into a clean slash-separated path relative to the
// checkout. Absolute paths inside the checkout are accepted; anything that
// escapes it is a validation error.
func (c *Capsule) cleanPath(p string) (string, error) {
	invalid := func(reason string) error {
		return errors.NewValidationError(reason).WithField("path").WithValue(p)
	}
	if strings.TrimSpace(p) == "" {
		return "", invalid("path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return "", invalid("path contains a NUL byte")
	}

	rel := p
	if filepath.IsAbs(p) {
		r, err := filepath.Rel(c.repoPath, p)
		if err != nil {
			return "", invalid("path is outside the repository")
		}
		rel = r
	}
	rel = path.Clean(strings.ReplaceAll(filepath.ToSlash(rel), "\\", "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", invalid("path is outside the repository")
	}
	return rel, nil
}

func digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}
