package repository

import (
	"context"
	"errors"
	"ingest-queue/internal/models"
	"io"
	"log/slog"
	"time"
)

var (
	// ErrJobNotFound is returned when no job exists with the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotClaimable is returned by Claim when the job is not pending or failed,
	// has used up its attempts or is not due yet.
	ErrJobNotClaimable = errors.New("job is not claimable")

	// ErrReferenceRequired is returned by Insert when the draft has no reference id.
	ErrReferenceRequired = errors.New("reference id is required")
)

// StateLastProcessed is the state key holding the unix time of the last triggered batch.
const StateLastProcessed = "last_processed"

// JobRepository defines the interface for job persistence
type JobRepository interface {
	Insert(ctx context.Context, draft models.JobDraft) (int64, error)
	Get(ctx context.Context, id int64) (*models.Job, error)
	Update(ctx context.Context, id int64, upd models.JobUpdate) error
	Claim(ctx context.Context, id int64, maxAttempts int) (*models.Job, error)
	SelectDue(ctx context.Context, limit, maxAttempts int) ([]*models.Job, error)
	CountPending(ctx context.Context, maxAttempts int) (int, error)
	PurgeStaleFailed(ctx context.Context, maxAge time.Duration, maxAttempts int) (int64, error)
	LatestByReference(ctx context.Context, referenceID string) (*models.Job, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)

	GetState(ctx context.Context, key string) (string, bool, error)
	CompareAndSwapState(ctx context.Context, key, old, next string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Option configures a repository.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithClock overrides the time source used for timestamps and due checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used for migration output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// staleErrorMessage is recorded on jobs recovered by RequeueStale.
const staleErrorMessage = "processing did not finish before the stale deadline"
