package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ingest-queue/internal/config"
	"ingest-queue/internal/logger"
	"ingest-queue/internal/metrics"
	"ingest-queue/internal/models"
	"ingest-queue/internal/repository"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testQueue is the stock policy without the inter-job pause.
func testQueue() config.Queue {
	q := config.DefaultQueue()
	q.InterJobPause = 0
	return q
}

func newTestRepo(t *testing.T, clock *testClock) repository.JobRepository {
	t.Helper()

	repo, err := repository.NewSQLiteRepository(context.Background(),
		filepath.Join(t.TempDir(), "queue.db"),
		repository.WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func insertTestJob(t *testing.T, repo repository.JobRepository, ref string, size int64) int64 {
	t.Helper()

	id, err := repo.Insert(context.Background(), models.JobDraft{
		ReferenceID: ref,
		FileName:    ref + ".pdf",
		FilePath:    "/data/" + ref + ".pdf",
		FileSize:    size,
	})
	require.NoError(t, err)
	return id
}

func getTestJob(t *testing.T, repo repository.JobRepository, id int64) *models.Job {
	t.Helper()

	job, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

// fakeProcessor records calls and answers with handle.
type fakeProcessor struct {
	mu     sync.Mutex
	direct []string
	large  []string
	handle func(ctx context.Context, referenceID string) (models.Result, error)
}

func (p *fakeProcessor) ProcessFile(ctx context.Context, referenceID, path string) (models.Result, error) {
	p.mu.Lock()
	p.direct = append(p.direct, referenceID)
	p.mu.Unlock()
	return p.answer(ctx, referenceID)
}

func (p *fakeProcessor) ProcessLargeFile(ctx context.Context, referenceID, path string) (models.Result, error) {
	p.mu.Lock()
	p.large = append(p.large, referenceID)
	p.mu.Unlock()
	return p.answer(ctx, referenceID)
}

func (p *fakeProcessor) answer(ctx context.Context, referenceID string) (models.Result, error) {
	if p.handle == nil {
		return models.Result{Success: true, Message: "ok"}, nil
	}
	return p.handle(ctx, referenceID)
}

func (p *fakeProcessor) calls() (direct, large []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.direct...), append([]string(nil), p.large...)
}

// scriptedLoad answers Overloaded from a script; the last answer repeats.
type scriptedLoad struct {
	mu      sync.Mutex
	answers []bool
	calls   int
}

func (l *scriptedLoad) Overloaded(context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := min(l.calls, len(l.answers)-1)
	l.calls++
	return l.answers[i]
}

type submission struct {
	name  string
	delay time.Duration
	fn    func(context.Context)
}

// fakeDispatcher records submissions; Run executes them in order.
type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []submission
}

func (d *fakeDispatcher) Submit(name string, delay time.Duration, fn func(context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, submission{name: name, delay: delay, fn: fn})
}

func (d *fakeDispatcher) Submitted() []submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]submission(nil), d.tasks...)
}

func (d *fakeDispatcher) Run(ctx context.Context) {
	for _, task := range d.Submitted() {
		task.fn(ctx)
	}
}

func newTestWorker(t *testing.T, repo repository.JobRepository, proc Processor, load LoadChecker, cfg config.Queue, clock *testClock) *WorkerService {
	t.Helper()
	return NewWorkerService(repo, proc, load, metrics.NewMetrics(), cfg, logger.NewNope(), WithClock(clock.Now))
}
