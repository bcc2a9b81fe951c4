package service

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"ingest-queue/internal/logger"

	"github.com/google/uuid"
)

// Dispatcher runs follow-up work outside the caller's request.
type Dispatcher interface {
	Submit(name string, delay time.Duration, fn func(ctx context.Context))
}

// TimerDispatcher runs each submission on its own timer goroutine.
// Tasks get a fresh run id in their context and never see the submitter's context.
type TimerDispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

// NewTimerDispatcher creates a dispatcher. Call Shutdown to release it.
func NewTimerDispatcher(log *slog.Logger) *TimerDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerDispatcher{
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		pending: make(map[string]*time.Timer),
	}
}

func (d *TimerDispatcher) Submit(name string, delay time.Duration, fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.log.Warn("dispatcher closed, dropping task", slog.String("task", name))
		return
	}

	runID := uuid.NewString()
	d.wg.Add(1)
	d.pending[runID] = time.AfterFunc(max(delay, 0), func() {
		defer d.wg.Done()

		d.mu.Lock()
		delete(d.pending, runID)
		d.mu.Unlock()

		d.run(logger.WithRunID(d.ctx, runID), name, fn)
	})

	d.log.Debug("task scheduled",
		slog.String("task", name),
		slog.String("run_id", runID),
		slog.Duration("delay", delay),
	)
}

func (d *TimerDispatcher) run(ctx context.Context, name string, fn func(context.Context)) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "task panicked",
				slog.String("task", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	fn(ctx)
	d.log.DebugContext(ctx, "task finished", slog.String("task", name), slog.Duration("duration", time.Since(start)))
}

// Pending returns the number of tasks waiting for their timer.
func (d *TimerDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Shutdown drops tasks that have not started and waits for running ones.
// If ctx ends first, running tasks see their context cancelled.
func (d *TimerDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.pending {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.pending, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
