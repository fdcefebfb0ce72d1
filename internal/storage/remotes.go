package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/simpleaide/internal/errors"
)

// RemoteDescriptor records where a project was cloned from. It is immutable
// after creation except for LastFetchedAt.
type RemoteDescriptor struct {
	ProjectID     string     `json:"project_id"`
	SanitizedURL  string     `json:"sanitized_url"`
	Provider      string     `json:"provider"`
	Owner         string     `json:"owner,omitempty"`
	Repo          string     `json:"repo,omitempty"`
	DefaultBranch string     `json:"default_branch"`
	CreatedAt     time.Time  `json:"created_at"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
}

// SaveRemote registers the remote for a project. A project has at most one
// remote; registering a second returns an AlreadyExistsError.
func (s *SQLiteStore) SaveRemote(r *RemoteDescriptor) error {
	if r == nil {
		return errors.New("remote descriptor cannot be nil")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO remotes (project_id, sanitized_url, provider, owner, repo, default_branch, created_at, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		r.ProjectID, r.SanitizedURL, r.Provider, r.Owner, r.Repo, r.DefaultBranch,
		formatTime(r.CreatedAt), nullTime(r.LastFetchedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.NewAlreadyExistsError("remote", r.ProjectID).WithCause(err)
		}
		return fmt.Errorf("insert remote %s: %w", r.ProjectID, err)
	}
	return nil
}

// TouchRemote sets LastFetchedAt for a project's remote.
func (s *SQLiteStore) TouchRemote(projectID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE remotes SET last_fetched_at = ? WHERE project_id = ?", formatTime(at), projectID)
	if err != nil {
		return fmt.Errorf("touch remote %s: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("remote", projectID)
	}
	return nil
}

// GetRemote returns the remote registered for projectID.
func (s *SQLiteStore) GetRemote(projectID string) (*RemoteDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT project_id, sanitized_url, provider, owner, repo, default_branch, created_at, last_fetched_at
		FROM remotes WHERE project_id = ?`, projectID)
	r, err := scanRemote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("remote", projectID)
	}
	return r, err
}

// ListRemotes returns every registered remote ordered by project id.
func (s *SQLiteStore) ListRemotes() ([]*RemoteDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT project_id, sanitized_url, provider, owner, repo, default_branch, created_at, last_fetched_at
		FROM remotes ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	defer rows.Close()

	var remotes []*RemoteDescriptor
	for rows.Next() {
		r, err := scanRemote(rows)
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, r)
	}
	return remotes, rows.Err()
}

func scanRemote(row rowScanner) (*RemoteDescriptor, error) {
	var (
		r           RemoteDescriptor
		createdAt   string
		lastFetched sql.NullString
	)
	err := row.Scan(&r.ProjectID, &r.SanitizedURL, &r.Provider, &r.Owner, &r.Repo,
		&r.DefaultBranch, &createdAt, &lastFetched)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.LastFetchedAt = parseNullTime(lastFetched)
	return &r, nil
}
