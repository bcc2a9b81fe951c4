package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ingest-queue/internal/config"
	"ingest-queue/internal/metrics"
	"ingest-queue/internal/models"
	"ingest-queue/internal/repository"
)

const (
	pathDirect  = "direct"
	pathChunked = "chunked"
)

// ErrProcessingTimeout is recorded when the processor outlives MaxProcessingTime.
// The processor's goroutine cannot be stopped; if it ignores its context it
// keeps running, and whatever it returns later is logged and discarded.
var ErrProcessingTimeout = errors.New("processing time limit exceeded")

type processResult struct {
	res models.Result
	err error
}

// Processor is the external embeddings capability the worker drives.
type Processor interface {
	ProcessFile(ctx context.Context, referenceID, path string) (models.Result, error)
	ProcessLargeFile(ctx context.Context, referenceID, path string) (models.Result, error)
}

// WorkerService executes due jobs with load shedding and bounded retry.
type WorkerService struct {
	repo      repository.JobRepository
	processor Processor
	load      LoadChecker
	metrics   *metrics.Metrics
	cfg       config.Queue
	log       *slog.Logger
	opts      *options
}

// NewWorkerService creates a new worker service
func NewWorkerService(
	repo repository.JobRepository,
	processor Processor,
	load LoadChecker,
	metrics *metrics.Metrics,
	cfg config.Queue,
	log *slog.Logger,
	opts ...Option,
) *WorkerService {
	if load == nil {
		load = NeverOverloaded
	}
	return &WorkerService{
		repo:      repo,
		processor: processor,
		load:      load,
		metrics:   metrics,
		cfg:       cfg,
		log:       log,
		opts:      newOptions(opts...),
	}
}

// ProcessOne runs a single job through load check, claim, processing and
// the resulting state transition.
func (s *WorkerService) ProcessOne(ctx context.Context, id int64) (models.Outcome, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("failed to load job: %w", err)
	}

	log := s.log.With(slog.Int64("job_id", job.ID), slog.String("reference_id", job.ReferenceID))

	if !s.eligible(job) {
		log.DebugContext(ctx, "job not eligible", slog.String("status", string(job.Status)), slog.Int("attempts", job.Attempts))
		return s.record(models.OutcomeSkipped), nil
	}

	if s.load.Overloaded(ctx) {
		return s.deferJob(ctx, log, job)
	}

	claimed, err := s.repo.Claim(ctx, id, s.cfg.MaxAttempts)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotClaimable) {
			log.InfoContext(ctx, "job claimed elsewhere")
			return s.record(models.OutcomeSkipped), nil
		}
		if errors.Is(err, repository.ErrJobNotFound) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("failed to claim job: %w", err)
	}

	if claimed.Attempts > 0 {
		s.metrics.IncrementRetriedJobs()
	}
	log = log.With(slog.Int("attempt", claimed.Attempts+1))
	log.InfoContext(ctx, "job processing started", slog.Int64("file_size", claimed.FileSize))

	res, procErr := s.invoke(ctx, log, claimed)

	// The outcome must be recorded even if the trigger was cancelled meanwhile.
	writeCtx := context.WithoutCancel(ctx)

	if procErr == nil && res.Success {
		status := models.StatusCompleted
		if err := s.repo.Update(writeCtx, id, models.JobUpdate{Status: &status, ClearError: true}); err != nil {
			return "", fmt.Errorf("failed to mark job completed: %w", err)
		}
		log.InfoContext(ctx, "job completed", slog.String("outcome", string(models.OutcomeCompleted)), slog.String("message", res.Message))
		return s.record(models.OutcomeCompleted), nil
	}

	msg := failureMessage(res, procErr)
	status := models.StatusFailed
	attempts := claimed.Attempts + 1
	next := s.opts.now().Add(s.cfg.MinProcessingInterval)
	err = s.repo.Update(writeCtx, id, models.JobUpdate{
		Status:       &status,
		Attempts:     &attempts,
		NextAttempt:  &next,
		ErrorMessage: &msg,
	})
	if err != nil {
		return "", fmt.Errorf("failed to mark job failed: %w", err)
	}

	log.WarnContext(ctx, "job failed",
		slog.String("outcome", string(models.OutcomeFailed)),
		slog.String("error", msg),
		slog.Time("next_attempt", next),
		slog.Bool("exhausted", attempts >= s.cfg.MaxAttempts),
	)
	return s.record(models.OutcomeFailed), nil
}

// ProcessDueBatch processes up to limit due jobs, oldest first. It stops
// early once the host is overloaded; per-job errors are logged, not returned.
func (s *WorkerService) ProcessDueBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}

	if s.load.Overloaded(ctx) {
		s.log.InfoContext(ctx, "batch skipped, host overloaded")
		return 0, nil
	}

	jobs, err := s.repo.SelectDue(ctx, limit, s.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to select due jobs: %w", err)
	}

	processed := 0
	for i, job := range jobs {
		if i > 0 {
			if err := sleepContext(ctx, s.cfg.InterJobPause); err != nil {
				return processed, err
			}
			if s.load.Overloaded(ctx) {
				s.log.InfoContext(ctx, "batch stopped early, host overloaded", slog.Int("remaining", len(jobs)-i))
				break
			}
		}

		outcome, err := s.ProcessOne(ctx, job.ID)
		if err != nil {
			s.log.ErrorContext(ctx, "job processing error", slog.Int64("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}

		switch outcome {
		case models.OutcomeCompleted, models.OutcomeFailed:
			processed++
		case models.OutcomeDeferred:
			// Load rose between the batch check and the job check.
			return processed, nil
		}
	}

	if len(jobs) > 0 {
		s.log.InfoContext(ctx, "batch finished", slog.Int("selected", len(jobs)), slog.Int("processed", processed))
	}
	return processed, nil
}

func (s *WorkerService) eligible(job *models.Job) bool {
	switch job.Status {
	case models.StatusPending, models.StatusFailed:
		return job.Attempts < s.cfg.MaxAttempts && !job.NextAttempt.After(s.opts.now())
	default:
		return false
	}
}

// deferJob pushes the job out by one interval without running it.
func (s *WorkerService) deferJob(ctx context.Context, log *slog.Logger, job *models.Job) (models.Outcome, error) {
	status := models.StatusPending
	attempts := job.Attempts
	if s.cfg.CountDeferralsAsAttempts {
		attempts++
	}
	next := s.opts.now().Add(s.cfg.MinProcessingInterval)

	err := s.repo.Update(ctx, job.ID, models.JobUpdate{
		Status:      &status,
		Attempts:    &attempts,
		NextAttempt: &next,
		ClearError:  true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to defer job: %w", err)
	}

	log.InfoContext(ctx, "job deferred, host overloaded",
		slog.String("outcome", string(models.OutcomeDeferred)),
		slog.Time("next_attempt", next),
		slog.Int("attempts", attempts),
	)
	return s.record(models.OutcomeDeferred), nil
}

// invoke calls the processor under MaxProcessingTime. A processor that
// ignores its context is abandoned once the deadline passes.
func (s *WorkerService) invoke(ctx context.Context, log *slog.Logger, job *models.Job) (models.Result, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.MaxProcessingTime)
	defer cancel()

	path, call := pathDirect, s.processor.ProcessFile
	if job.FileSize > s.cfg.MaxDirectSize {
		path, call = pathChunked, s.processor.ProcessLargeFile
	}

	done := make(chan processResult, 1)

	start := s.opts.now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- processResult{err: fmt.Errorf("processor panicked: %v", r)}
			}
		}()
		res, err := call(pctx, job.ReferenceID, job.FilePath)
		done <- processResult{res: res, err: err}
	}()

	var out processResult
	select {
	case out = <-done:
	case <-pctx.Done():
		out = processResult{err: pctx.Err()}
		go s.drainLate(log, done, start)
	}
	s.metrics.ObserveProcessing(path, s.opts.now().Sub(start))

	if out.err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		out.err = fmt.Errorf("%w after %s", ErrProcessingTimeout, s.cfg.MaxProcessingTime)
	}
	return out.res, out.err
}

// drainLate waits for an abandoned processor call. Side effects it caused
// upstream are not undone; the job keeps the outcome already recorded.
func (s *WorkerService) drainLate(log *slog.Logger, done <-chan processResult, start time.Time) {
	late := <-done
	log.Warn("processor finished after it was abandoned, result discarded",
		slog.Duration("elapsed", s.opts.now().Sub(start)),
		slog.Bool("success", late.err == nil && late.res.Success),
	)
}

func (s *WorkerService) record(outcome models.Outcome) models.Outcome {
	s.metrics.RecordOutcome(outcome)
	return outcome
}

func failureMessage(res models.Result, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case res.Message != "":
		return res.Message
	default:
		return "processing failed"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
