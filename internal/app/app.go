// Package app assembles the queue from configuration. The API server, the
// standalone worker and the CLI all build on the same App.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"ingest-queue/internal/cache"
	"ingest-queue/internal/config"
	"ingest-queue/internal/handler"
	"ingest-queue/internal/metrics"
	"ingest-queue/internal/models"
	"ingest-queue/internal/processor"
	"ingest-queue/internal/repository"
	"ingest-queue/internal/service"
	"ingest-queue/internal/source"
)

// App holds the wired components.
type App struct {
	Config      config.Config
	Log         *slog.Logger
	Repo        repository.JobRepository
	Metrics     *metrics.Metrics
	Dispatcher  *service.TimerDispatcher
	Worker      *service.WorkerService
	Scheduler   *service.Scheduler
	Jobs        *service.JobService
	RateLimiter *service.RateLimiter

	checks  handler.Checks
	closers []func() error
}

// New connects the store and cache and builds every service. Close releases them.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.NewMetrics(),
		checks:  handler.Checks{},
	}

	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.checks["store"] = store.Ping

	repo, err := a.wrapCache(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.Repo = repo
	a.closers = append(a.closers, repo.Close)

	files, err := newSource(cfg.Local, cfg.S3)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	var proc service.Processor = processor.Unconfigured{}
	if cfg.Processor.URL != "" {
		if proc, err = processor.NewHTTP(cfg.Processor, files); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	} else {
		log.Warn("processor url is not set, jobs will fail until it is configured")
	}

	var load service.LoadChecker = service.NeverOverloaded
	if sys, err := service.NewSystemLoad(cfg.Load, log); err != nil {
		log.Warn("load monitor unavailable, shedding disabled", slog.String("error", err.Error()))
	} else {
		load = sys
	}

	a.Dispatcher = service.NewTimerDispatcher(log)
	a.Worker = service.NewWorkerService(repo, proc, load, a.Metrics, cfg.Queue, log)
	a.Scheduler = service.NewScheduler(repo, a.Worker, a.Dispatcher, cfg.Queue, log)
	a.RateLimiter = service.NewRateLimiter(cfg.Queue.MaxBacklog, cfg.HTTP.SubmissionsPerMinute)
	a.Jobs = service.NewJobService(repo, files, a.Worker, a.Dispatcher, a.RateLimiter, a.Metrics, cfg.Queue, log)

	return a, nil
}

func openStore(ctx context.Context, cfg config.Database, log *slog.Logger) (repository.JobRepository, error) {
	switch cfg.Driver {
	case "postgres":
		repo, err := repository.NewPostgresRepository(ctx, cfg.Postgres, repository.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return repo, nil
	default:
		repo, err := repository.NewSQLiteRepository(ctx, cfg.Path, repository.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return repo, nil
	}
}

func (a *App) wrapCache(ctx context.Context, store repository.JobRepository) (repository.JobRepository, error) {
	cfg := a.Config.Cache
	switch cfg.Driver {
	case "none":
		return store, nil
	case "redis":
		client, err := cache.OpenRedis(ctx, cfg.RedisURL, cfg.RetryAttempts, cfg.RetryInterval)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.checks["cache"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return repository.NewCachedRepository(store,
			cache.NewRedis[models.Job](client, cfg.Prefix+":jobs", cfg.TTL),
			cache.NewRedis[int](client, cfg.Prefix+":counts", cfg.TTL),
			cfg.TTL,
		), nil
	default:
		return repository.NewCachedRepository(store,
			cache.NewMemory[models.Job](cfg.TTL, time.Minute),
			cache.NewMemory[int](cfg.TTL, time.Minute),
			cfg.TTL,
		), nil
	}
}

func newSource(local source.LocalConfig, cfg source.S3Config) (*source.Router, error) {
	if !cfg.Enabled() {
		return source.NewRouter(local.Root, nil), nil
	}
	s3, err := source.NewS3(cfg)
	if err != nil {
		return nil, err
	}
	return source.NewRouter(local.Root, s3), nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	jobs := handler.NewJobHandler(a.Jobs, a.Scheduler, a.RateLimiter, a.Metrics, a.Log)
	return handler.NewRouter(a.Config.HTTP, jobs, a.Scheduler, a.Metrics.Handler(), a.checks, a.Log)
}

// Serve runs the HTTP API and the scheduler until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Handler(),
		ReadTimeout:       a.Config.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.Config.HTTP.WriteTimeout,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("server starting", slog.String("address", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	a.Log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
	defer cancel()

	errs := []error{serveErr}
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, a.stopBackground(shutdownCtx))
	return errors.Join(errs...)
}

// RunWorker runs only the scheduler, for deployments that keep the API
// in another process.
func (a *App) RunWorker(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}
	a.Log.Info("worker started")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
	defer cancel()
	return a.stopBackground(shutdownCtx)
}

func (a *App) stopBackground(ctx context.Context) error {
	var errs []error
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := a.Dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the store and cache connections.
func (a *App) Close(ctx context.Context) error {
	if a.Dispatcher != nil {
		_ = a.Dispatcher.Shutdown(ctx)
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
