package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ingest-queue/internal/config"
	"ingest-queue/internal/metrics"
	"ingest-queue/internal/models"
	"ingest-queue/internal/repository"
	"ingest-queue/internal/source"

	"github.com/microcosm-cc/bluemonday"
)

const taskProcessJob = "process-job"

var (
	ErrJobNotFound    = repository.ErrJobNotFound
	ErrThrottled      = errors.New("submission throttled")
	ErrFileUnreadable = errors.New("file is unreadable")
	ErrInvalidRequest = errors.New("invalid request")
)

// AdmissionReason says why Enqueue refused a job.
type AdmissionReason string

const ReasonFileUnreadable AdmissionReason = "file_unreadable"

// AdmissionError is returned by Enqueue when the job cannot be accepted.
type AdmissionError struct {
	Reason AdmissionReason
	Path   string
	Err    error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected (%s) for %q: %v", e.Reason, e.Path, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrFileUnreadable) match unreadable-file rejections.
func (e *AdmissionError) Is(target error) bool {
	return target == ErrFileUnreadable && e.Reason == ReasonFileUnreadable
}

// Runner is the part of the worker admission hands follow-up work to.
type Runner interface {
	BatchRunner
	ProcessOne(ctx context.Context, id int64) (models.Outcome, error)
}

// JobService accepts jobs and reports their status.
type JobService struct {
	repo        repository.JobRepository
	files       source.Source
	worker      Runner
	dispatcher  Dispatcher
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
	cfg         config.Queue
	log         *slog.Logger
	sanitizer   *bluemonday.Policy
}

// NewJobService creates a new job service
func NewJobService(
	repo repository.JobRepository,
	files source.Source,
	worker Runner,
	dispatcher Dispatcher,
	rateLimiter *RateLimiter,
	metrics *metrics.Metrics,
	cfg config.Queue,
	log *slog.Logger,
) *JobService {
	return &JobService{
		repo:        repo,
		files:       files,
		worker:      worker,
		dispatcher:  dispatcher,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		cfg:         cfg,
		log:         log,
		sanitizer:   bluemonday.StrictPolicy(),
	}
}

// Enqueue stores a pending job for req and schedules its follow-up: the job
// itself right away when ProcessImmediately is set, otherwise a due batch
// after the fallback delay.
func (s *JobService) Enqueue(ctx context.Context, req models.EnqueueRequest) (*models.Job, error) {
	ref := strings.TrimSpace(req.ReferenceID)
	if ref == "" {
		return nil, fmt.Errorf("%w: reference_id is required", ErrInvalidRequest)
	}
	path := strings.TrimSpace(req.FilePath)

	if s.rateLimiter != nil {
		pending, err := s.repo.CountPending(ctx, s.cfg.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("failed to count pending jobs: %w", err)
		}
		if err := s.rateLimiter.CheckBacklog(ctx, pending); err != nil {
			return nil, err
		}
	}

	info, err := s.files.Stat(ctx, path)
	if err != nil {
		s.log.WarnContext(ctx, "enqueue rejected", slog.String("reference_id", ref), slog.String("error", err.Error()))
		return nil, &AdmissionError{Reason: ReasonFileUnreadable, Path: path, Err: err}
	}

	id, err := s.repo.Insert(ctx, models.JobDraft{
		ReferenceID: ref,
		FileName:    info.Name,
		FilePath:    path,
		FileSize:    info.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load created job: %w", err)
	}

	s.metrics.IncrementEnqueuedJobs()
	s.log.InfoContext(ctx, "job enqueued",
		slog.Int64("job_id", id),
		slog.String("reference_id", ref),
		slog.Int64("file_size", info.Size),
		slog.Bool("immediate", req.ProcessImmediately),
	)

	if req.ProcessImmediately {
		s.dispatcher.Submit(taskProcessJob, 0, func(ctx context.Context) {
			outcome, err := s.worker.ProcessOne(ctx, id)
			if err != nil {
				s.log.ErrorContext(ctx, "immediate processing failed", slog.Int64("job_id", id), slog.String("error", err.Error()))
				return
			}
			s.log.DebugContext(ctx, "immediate processing done", slog.Int64("job_id", id), slog.String("outcome", string(outcome)))
		})
	} else {
		s.dispatcher.Submit(taskProcessDueBatch, s.cfg.EnqueueFallbackDelay, func(ctx context.Context) {
			if _, err := s.worker.ProcessDueBatch(ctx, s.cfg.BatchSize); err != nil {
				s.log.ErrorContext(ctx, "fallback batch failed", slog.String("error", err.Error()))
			}
		})
	}

	return job, nil
}

// GetStatus returns the display-safe view of the newest job for referenceID.
// An unknown reference yields a view with Found=false, not an error.
func (s *JobService) GetStatus(ctx context.Context, referenceID string) (*models.StatusView, error) {
	ref := strings.TrimSpace(referenceID)
	if ref == "" {
		return nil, fmt.Errorf("%w: reference_id is required", ErrInvalidRequest)
	}

	job, err := s.repo.LatestByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return &models.StatusView{
				Found:       false,
				ReferenceID: s.sanitizer.Sanitize(ref),
				Status:      models.StatusNotFound,
			}, nil
		}
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}

	return &models.StatusView{
		Found:        true,
		JobID:        job.ID,
		ReferenceID:  s.sanitizer.Sanitize(job.ReferenceID),
		FileName:     s.sanitizer.Sanitize(job.FileName),
		Status:       s.sanitizer.Sanitize(string(job.Status)),
		Attempts:     job.Attempts,
		ErrorMessage: s.sanitizer.Sanitize(job.Error()),
		CreatedAt:    timePtr(job.CreatedAt),
		UpdatedAt:    timePtr(job.UpdatedAt),
		NextAttempt:  nextAttemptPtr(job),
	}, nil
}

// GetJob retrieves a job by ID
func (s *JobService) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// next_attempt means nothing once a job is completed.
func nextAttemptPtr(job *models.Job) *time.Time {
	if job.Status.Terminal() {
		return nil
	}
	return timePtr(job.NextAttempt)
}
