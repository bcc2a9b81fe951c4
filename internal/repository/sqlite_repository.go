package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"ingest-queue/internal/models"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

const jobColumns = `id, reference_id, file_name, file_path, file_size, status, attempts,
	next_attempt, error_message, created_at, updated_at`

// SQLiteRepository implements JobRepository using SQLite
type SQLiteRepository struct {
	db   *sql.DB
	opts *options
}

// NewSQLiteRepository opens dbPath, applies migrations and returns the repository.
func NewSQLiteRepository(ctx context.Context, dbPath string, opts ...Option) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; keeps in-memory databases on a single connection too.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db, opts: newOptions(opts...)}
	if err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite", repo.opts.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping verifies the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Insert creates a pending job from draft and returns its id.
func (r *SQLiteRepository) Insert(ctx context.Context, draft models.JobDraft) (int64, error) {
	if draft.ReferenceID == "" {
		return 0, ErrReferenceRequired
	}

	query := `
		INSERT INTO ingest_jobs (reference_id, file_name, file_path, file_size, status, attempts,
		                         next_attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`

	now := r.opts.now().Unix()
	res, err := r.db.ExecContext(ctx, query,
		draft.ReferenceID,
		draft.FileName,
		draft.FilePath,
		draft.FileSize,
		models.StatusPending,
		now,
		now,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read job id: %w", err)
	}
	return id, nil
}

// Get retrieves a job by ID
func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Update applies upd to the job and bumps updated_at.
func (r *SQLiteRepository) Update(ctx context.Context, id int64, upd models.JobUpdate) error {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *upd.Attempts)
	}
	if upd.NextAttempt != nil {
		sets = append(sets, "next_attempt = ?")
		args = append(args, upd.NextAttempt.Unix())
	}
	if upd.ClearError {
		sets = append(sets, "error_message = NULL")
	} else if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, r.opts.now().Unix(), id)

	query := `UPDATE ingest_jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Claim moves a due pending or failed job with attempts left to processing
// in a single statement. The predicate matches SelectDue.
func (r *SQLiteRepository) Claim(ctx context.Context, id int64, maxAttempts int) (*models.Job, error) {
	query := `
		UPDATE ingest_jobs
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND attempts < ? AND next_attempt <= ?
		RETURNING ` + jobColumns

	now := r.opts.now().Unix()
	row := r.db.QueryRowContext(ctx, query,
		models.StatusProcessing,
		now,
		id,
		models.StatusPending,
		models.StatusFailed,
		maxAttempts,
		now,
	)

	job, err := scanSQLiteJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	// Nothing updated: either the job is gone or another trigger owns it.
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrJobNotClaimable
}

// SelectDue returns up to limit eligible jobs, oldest first.
func (r *SQLiteRepository) SelectDue(ctx context.Context, limit, maxAttempts int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ingest_jobs
		WHERE status IN (?, ?) AND attempts < ? AND next_attempt <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query,
		models.StatusPending,
		models.StatusFailed,
		maxAttempts,
		r.opts.now().Unix(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// CountPending counts jobs that still have attempts left, regardless of next_attempt.
func (r *SQLiteRepository) CountPending(ctx context.Context, maxAttempts int) (int, error) {
	query := `SELECT COUNT(*) FROM ingest_jobs WHERE status IN (?, ?) AND attempts < ?`

	var count int
	err := r.db.QueryRowContext(ctx, query, models.StatusPending, models.StatusFailed, maxAttempts).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

// PurgeStaleFailed deletes exhausted failed jobs created before now-maxAge.
func (r *SQLiteRepository) PurgeStaleFailed(ctx context.Context, maxAge time.Duration, maxAttempts int) (int64, error) {
	query := `DELETE FROM ingest_jobs WHERE status = ? AND attempts >= ? AND created_at < ?`

	cutoff := r.opts.now().Add(-maxAge).Unix()
	res, err := r.db.ExecContext(ctx, query, models.StatusFailed, maxAttempts, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// LatestByReference returns the most recently created job for referenceID.
func (r *SQLiteRepository) LatestByReference(ctx context.Context, referenceID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ingest_jobs WHERE reference_id = ? ORDER BY id DESC LIMIT 1`

	job, err := scanSQLiteJob(r.db.QueryRowContext(ctx, query, referenceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by reference: %w", err)
	}
	return job, nil
}

// RequeueStale fails jobs left in processing for longer than olderThan.
func (r *SQLiteRepository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE ingest_jobs
		SET status = ?, attempts = attempts + 1, error_message = ?, next_attempt = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`

	now := r.opts.now()
	res, err := r.db.ExecContext(ctx, query,
		models.StatusFailed,
		staleErrorMessage,
		now.Unix(),
		now.Unix(),
		models.StatusProcessing,
		now.Add(-olderThan).Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// GetState reads a scheduler state value.
func (r *SQLiteRepository) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM queue_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get state: %w", err)
	}
	return value, true, nil
}

// CompareAndSwapState sets key to next only if it currently holds old.
// An empty old means the key must not exist yet.
func (r *SQLiteRepository) CompareAndSwapState(ctx context.Context, key, old, next string) (bool, error) {
	now := r.opts.now().Unix()

	var (
		res sql.Result
		err error
	)
	if old == "" {
		res, err = r.db.ExecContext(ctx,
			`INSERT INTO queue_state (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
			key, next, now)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE queue_state SET value = ?, updated_at = ? WHERE key = ? AND value = ?`,
			next, now, key, old)
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to swap state: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var errorMessage sql.NullString
	var nextAttempt, createdAt, updatedAt int64

	err := row.Scan(
		&job.ID,
		&job.ReferenceID,
		&job.FileName,
		&job.FilePath,
		&job.FileSize,
		&job.Status,
		&job.Attempts,
		&nextAttempt,
		&errorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if errorMessage.Valid {
		msg := errorMessage.String
		job.ErrorMessage = &msg
	}

	job.NextAttempt = time.Unix(nextAttempt, 0)
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)

	return &job, nil
}

var _ JobRepository = (*SQLiteRepository)(nil)
