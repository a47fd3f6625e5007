package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"docdigest/shared"
)

var ErrNotFound = errors.New("run not found")

// RunStore persists digest runs.
type RunStore interface {
	CreatePending(ctx context.Context, workflowID, repoURL string) error
	// Save upserts a run. Empty string fields keep their stored value.
	Save(ctx context.Context, in shared.SaveResultInput) error
	Get(ctx context.Context, workflowID string) (*shared.RunRecord, error)
	List(ctx context.Context, limit int) ([]shared.RunRecord, error)
}

type SQLRunStore struct {
	db    *sql.DB
	clock clock.Clock
}

var _ RunStore = (*SQLRunStore)(nil)

func NewRunStore(d *sql.DB) *SQLRunStore {
	return &SQLRunStore{db: d, clock: clock.New()}
}

// WithClock replaces the clock used for created_at and updated_at.
func (s *SQLRunStore) WithClock(c clock.Clock) *SQLRunStore {
	s.clock = c
	return s
}

func (s *SQLRunStore) CreatePending(ctx context.Context, workflowID, repoURL string) error {
	now := s.clock.Now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (workflow_id, repo_url, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		workflowID, repoURL, shared.StatusPending, now, now)
	if err != nil {
		return fmt.Errorf("failed to create pending run %s: %w", workflowID, err)
	}
	return nil
}

func (s *SQLRunStore) Save(ctx context.Context, in shared.SaveResultInput) error {
	if in.WorkflowID == "" {
		return errors.New("workflow id is required")
	}

	query := `
    INSERT INTO runs (workflow_id, repo_url, commit_hash, status, digest, error_details, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(workflow_id) DO UPDATE SET
        repo_url      = CASE WHEN excluded.repo_url = '' THEN runs.repo_url ELSE excluded.repo_url END,
        commit_hash   = CASE WHEN excluded.commit_hash = '' THEN runs.commit_hash ELSE excluded.commit_hash END,
        status        = CASE WHEN ? = '' THEN runs.status ELSE excluded.status END,
        digest        = CASE WHEN excluded.digest = '' THEN runs.digest ELSE excluded.digest END,
        error_details = CASE WHEN excluded.error_details = '' THEN runs.error_details ELSE excluded.error_details END,
        updated_at    = excluded.updated_at;`

	// an empty status defaults on insert and keeps the stored one on update
	insertStatus := in.Status
	if insertStatus == "" {
		insertStatus = shared.StatusPending
	}
	now := s.clock.Now().UTC().UnixMilli()

	_, err := s.db.ExecContext(ctx, query,
		in.WorkflowID, in.RepoURL, in.Commit, insertStatus, in.Digest, in.ErrorDetails, now, now, in.Status)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", in.WorkflowID, err)
	}
	return nil
}

func (s *SQLRunStore) Get(ctx context.Context, workflowID string) (*shared.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, repo_url, commit_hash, status, digest, error_details, created_at, updated_at
         FROM runs WHERE workflow_id = ?`, workflowID)

	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", workflowID, err)
	}
	return rec, nil
}

func (s *SQLRunStore) List(ctx context.Context, limit int) ([]shared.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, repo_url, commit_hash, status, digest, error_details, created_at, updated_at
         FROM runs ORDER BY created_at DESC, workflow_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []shared.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*shared.RunRecord, error) {
	var rec shared.RunRecord
	var created, updated int64
	if err := s.Scan(&rec.WorkflowID, &rec.RepoURL, &rec.Commit, &rec.Status, &rec.Digest, &rec.ErrorDetails, &created, &updated); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return &rec, nil
}
