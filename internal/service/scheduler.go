package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"ingest-queue/internal/config"
	"ingest-queue/internal/logger"
	"ingest-queue/internal/repository"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const taskProcessDueBatch = "process-due-batch"

// BatchRunner is the part of the worker the scheduler triggers.
type BatchRunner interface {
	ProcessDueBatch(ctx context.Context, limit int) (int, error)
}

// Scheduler decides when ProcessDueBatch runs: on a fixed interval, after
// requests when work is waiting, or on demand. It also runs the daily cleanup.
type Scheduler struct {
	repo       repository.JobRepository
	worker     BatchRunner
	dispatcher Dispatcher
	cfg        config.Queue
	log        *slog.Logger
	opts       *options

	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	periodic cron.EntryID
	cleanup  cron.EntryID
	started  bool
}

// NewScheduler creates a scheduler. Nothing runs until Start.
func NewScheduler(
	repo repository.JobRepository,
	worker BatchRunner,
	dispatcher Dispatcher,
	cfg config.Queue,
	log *slog.Logger,
	opts ...Option,
) *Scheduler {
	cronLog := cronLogger{log: log}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		repo:       repo,
		worker:     worker,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		opts:       newOptions(opts...),
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		)),
		ctx:  ctx,
		stop: stop,
	}
}

// Start registers the periodic and cleanup entries and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.EnsurePeriodic(); err != nil {
		return err
	}
	if err := s.ensureCleanup(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
		s.log.Info("scheduler started",
			slog.Duration("interval", s.cfg.MinProcessingInterval),
			slog.String("cleanup_schedule", s.cfg.CleanupSchedule),
		)
	}
	return nil
}

// EnsurePeriodic registers the periodic batch entry unless one already
// exists. It reports whether a new entry was added.
func (s *Scheduler) EnsurePeriodic() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.periodic != 0 && s.cron.Entry(s.periodic).Valid() {
		return false, nil
	}

	id, err := s.cron.AddFunc("@every "+s.cfg.MinProcessingInterval.String(), s.runPeriodic)
	if err != nil {
		return false, fmt.Errorf("failed to register periodic trigger: %w", err)
	}
	s.periodic = id
	s.log.Info("periodic trigger registered", slog.Duration("interval", s.cfg.MinProcessingInterval))
	return true, nil
}

func (s *Scheduler) ensureCleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleanup != 0 && s.cron.Entry(s.cleanup).Valid() {
		return nil
	}

	id, err := s.cron.AddFunc(s.cfg.CleanupSchedule, s.runCleanup)
	if err != nil {
		return fmt.Errorf("failed to register cleanup %q: %w", s.cfg.CleanupSchedule, err)
	}
	s.cleanup = id
	return nil
}

// AfterRequest is the opportunistic trigger. When jobs are waiting and a full
// interval has passed since the last run, it claims the slot by swapping the
// persisted last-processed time and dispatches a batch. Only the caller that
// wins the swap dispatches.
func (s *Scheduler) AfterRequest(ctx context.Context) (bool, error) {
	pending, err := s.repo.CountPending(ctx, s.cfg.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	if pending == 0 {
		return false, nil
	}

	last, ok, err := s.repo.GetState(ctx, repository.StateLastProcessed)
	if err != nil {
		return false, fmt.Errorf("failed to read last processed time: %w", err)
	}

	now := s.opts.now()
	if ok {
		if ts, perr := strconv.ParseInt(last, 10, 64); perr == nil && now.Sub(time.Unix(ts, 0)) < s.cfg.MinProcessingInterval {
			return false, nil
		}
	}

	swapped, err := s.repo.CompareAndSwapState(ctx, repository.StateLastProcessed, last, formatUnix(now))
	if err != nil {
		return false, fmt.Errorf("failed to record last processed time: %w", err)
	}
	if !swapped {
		return false, nil
	}

	s.dispatcher.Submit(taskProcessDueBatch, 0, s.runBatch)
	s.log.InfoContext(ctx, "opportunistic batch dispatched", slog.Int("pending", pending))
	return true, nil
}

// RunNow processes one batch synchronously. It backs the manual trigger.
func (s *Scheduler) RunNow(ctx context.Context) (int, error) {
	n, err := s.worker.ProcessDueBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		return n, err
	}
	s.markProcessed(ctx)
	return n, nil
}

// Stop halts the cron loop and waits for running entries until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	defer s.stop()

	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runPeriodic() {
	ctx := logger.WithRunID(s.ctx, uuid.NewString())
	s.markProcessed(ctx)
	s.runBatch(ctx)
}

func (s *Scheduler) runBatch(ctx context.Context) {
	n, err := s.worker.ProcessDueBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.ErrorContext(ctx, "batch failed", slog.String("error", err.Error()))
		return
	}
	s.log.DebugContext(ctx, "batch done", slog.Int("processed", n))
}

// RunCleanup purges exhausted failed jobs past retention and fails jobs
// stuck in processing.
func (s *Scheduler) RunCleanup(ctx context.Context) (purged, requeued int64, err error) {
	purged, err = s.repo.PurgeStaleFailed(ctx, s.cfg.FailedRetention, s.cfg.MaxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge failed jobs: %w", err)
	}

	requeued, err = s.repo.RequeueStale(ctx, s.cfg.StaleAfter())
	if err != nil {
		return purged, 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return purged, requeued, nil
}

func (s *Scheduler) runCleanup() {
	ctx := logger.WithRunID(s.ctx, uuid.NewString())
	purged, requeued, err := s.RunCleanup(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "cleanup failed", slog.String("error", err.Error()))
		return
	}
	s.log.InfoContext(ctx, "cleanup finished", slog.Int64("purged", purged), slog.Int64("requeued", requeued))
}

// markProcessed stores now as the last-processed time. Losing the swap to a
// concurrent trigger is fine: that trigger wrote a time just as recent.
func (s *Scheduler) markProcessed(ctx context.Context) {
	last, _, err := s.repo.GetState(ctx, repository.StateLastProcessed)
	if err == nil {
		_, err = s.repo.CompareAndSwapState(ctx, repository.StateLastProcessed, last, formatUnix(s.opts.now()))
	}
	if err != nil {
		s.log.WarnContext(ctx, "failed to record last processed time", slog.String("error", err.Error()))
	}
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
