package repository

import (
	"context"
	"errors"
	"fmt"
	"ingest-queue/internal/models"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresConfig holds the pool settings for PostgresRepository.
type PostgresConfig struct {
	ConnectionString string        `env:"DATABASE_URL" yaml:"url"`
	MaxConns         int32         `env:"DATABASE_MAX_CONNS" yaml:"max_conns"`
	MinConns         int32         `env:"DATABASE_MIN_CONNS" yaml:"min_conns"`
	RetryAttempts    int           `env:"DATABASE_RETRY_ATTEMPTS" yaml:"retry_attempts"`
	RetryInterval    time.Duration `env:"DATABASE_RETRY_INTERVAL" yaml:"retry_interval"`
}

// PostgresRepository implements JobRepository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
	opts *options
}

// NewPostgresRepository connects to PostgreSQL, applies migrations and returns the repository.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig, opts ...Option) (*PostgresRepository, error) {
	pool, err := connectPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repo := &PostgresRepository{pool: pool, opts: newOptions(opts...)}

	// Shares the pool's connections; closing it would close the pool.
	db := stdlib.OpenDBFromPool(pool)
	if err := migrate(ctx, db, goose.DialectPostgres, "migrations/postgres", repo.opts.logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func connectPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	var lastErr error
	for i := range max(cfg.RetryAttempts, 1) {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("unable to connect to database: %w", lastErr)
}

// Close closes the connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Insert creates a pending job from draft and returns its id.
func (r *PostgresRepository) Insert(ctx context.Context, draft models.JobDraft) (int64, error) {
	if draft.ReferenceID == "" {
		return 0, ErrReferenceRequired
	}

	query := `
		INSERT INTO ingest_jobs (reference_id, file_name, file_path, file_size, status, attempts,
		                         next_attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6, $6)
		RETURNING id
	`

	var id int64
	err := r.pool.QueryRow(ctx, query,
		draft.ReferenceID,
		draft.FileName,
		draft.FilePath,
		draft.FileSize,
		string(models.StatusPending),
		r.opts.now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}
	return id, nil
}

// Get retrieves a job by ID
func (r *PostgresRepository) Get(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanPostgresJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Update applies upd to the job and bumps updated_at.
func (r *PostgresRepository) Update(ctx context.Context, id int64, upd models.JobUpdate) error {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)
	param := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if upd.Status != nil {
		sets = append(sets, "status = "+param(string(*upd.Status)))
	}
	if upd.Attempts != nil {
		sets = append(sets, "attempts = "+param(*upd.Attempts))
	}
	if upd.NextAttempt != nil {
		sets = append(sets, "next_attempt = "+param(*upd.NextAttempt))
	}
	if upd.ClearError {
		sets = append(sets, "error_message = NULL")
	} else if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = "+param(*upd.ErrorMessage))
	}
	sets = append(sets, "updated_at = "+param(r.opts.now()))

	query := `UPDATE ingest_jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + param(id)
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Claim moves a due pending or failed job with attempts left to processing
// in a single statement. The predicate matches SelectDue.
func (r *PostgresRepository) Claim(ctx context.Context, id int64, maxAttempts int) (*models.Job, error) {
	query := `
		UPDATE ingest_jobs
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5) AND attempts < $6 AND next_attempt <= $2
		RETURNING ` + jobColumns

	job, err := scanPostgresJob(r.pool.QueryRow(ctx, query,
		string(models.StatusProcessing),
		r.opts.now(),
		id,
		string(models.StatusPending),
		string(models.StatusFailed),
		maxAttempts,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrJobNotClaimable
}

// SelectDue returns up to limit eligible jobs, oldest first.
func (r *PostgresRepository) SelectDue(ctx context.Context, limit, maxAttempts int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ingest_jobs
		WHERE status IN ($1, $2) AND attempts < $3 AND next_attempt <= $4
		ORDER BY created_at ASC, id ASC
		LIMIT $5
	`

	rows, err := r.pool.Query(ctx, query,
		string(models.StatusPending),
		string(models.StatusFailed),
		maxAttempts,
		r.opts.now(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
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
func (r *PostgresRepository) CountPending(ctx context.Context, maxAttempts int) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingest_jobs WHERE status IN ($1, $2) AND attempts < $3`,
		string(models.StatusPending), string(models.StatusFailed), maxAttempts,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

// PurgeStaleFailed deletes exhausted failed jobs created before now-maxAge.
func (r *PostgresRepository) PurgeStaleFailed(ctx context.Context, maxAge time.Duration, maxAttempts int) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM ingest_jobs WHERE status = $1 AND attempts >= $2 AND created_at < $3`,
		string(models.StatusFailed), maxAttempts, r.opts.now().Add(-maxAge),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LatestByReference returns the most recently created job for referenceID.
func (r *PostgresRepository) LatestByReference(ctx context.Context, referenceID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ingest_jobs WHERE reference_id = $1 ORDER BY id DESC LIMIT 1`

	job, err := scanPostgresJob(r.pool.QueryRow(ctx, query, referenceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by reference: %w", err)
	}
	return job, nil
}

// RequeueStale fails jobs left in processing for longer than olderThan.
func (r *PostgresRepository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := r.opts.now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET status = $1, attempts = attempts + 1, error_message = $2, next_attempt = $3, updated_at = $3
		WHERE status = $4 AND updated_at < $5
	`,
		string(models.StatusFailed),
		staleErrorMessage,
		now,
		string(models.StatusProcessing),
		now.Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetState reads a scheduler state value.
func (r *PostgresRepository) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM queue_state WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get state: %w", err)
	}
	return value, true, nil
}

// CompareAndSwapState sets key to next only if it currently holds old.
// An empty old means the key must not exist yet.
func (r *PostgresRepository) CompareAndSwapState(ctx context.Context, key, old, next string) (bool, error) {
	var query string
	var args []any
	if old == "" {
		query = `INSERT INTO queue_state (key, value, updated_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`
		args = []any{key, next, r.opts.now()}
	} else {
		query = `UPDATE queue_state SET value = $1, updated_at = $2 WHERE key = $3 AND value = $4`
		args = []any{next, r.opts.now(), key, old}
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to swap state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanPostgresJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var status string

	err := row.Scan(
		&job.ID,
		&job.ReferenceID,
		&job.FileName,
		&job.FilePath,
		&job.FileSize,
		&status,
		&job.Attempts,
		&job.NextAttempt,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}

var _ JobRepository = (*PostgresRepository)(nil)
