package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ingest-queue/internal/config"
	"ingest-queue/internal/handler"
	"ingest-queue/internal/logger"
	"ingest-queue/internal/metrics"
	"ingest-queue/internal/models"
	"ingest-queue/internal/repository"
	"ingest-queue/internal/service"
	"ingest-queue/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "s3cret"

type fakeTrigger struct {
	mu        sync.Mutex
	after     int
	processed int
	runErr    error
}

func (f *fakeTrigger) AfterRequest(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after++
	return false, nil
}

func (f *fakeTrigger) RunNow(context.Context) (int, error) {
	return f.processed, f.runErr
}

func (f *fakeTrigger) afterCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.after
}

type noopDispatcher struct{}

func (noopDispatcher) Submit(string, time.Duration, func(context.Context)) {}

type noopRunner struct{}

func (noopRunner) ProcessDueBatch(context.Context, int) (int, error) { return 0, nil }

func (noopRunner) ProcessOne(context.Context, int64) (models.Outcome, error) {
	return models.OutcomeSkipped, nil
}

type fixture struct {
	server  http.Handler
	repo    repository.JobRepository
	trigger *fakeTrigger
	dir     string
}

type fixtureOptions struct {
	submissionsPerMinute int
	maxBacklog           int
	adminToken           string
	corsOrigin           string
	checks               handler.Checks
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()

	repo, err := repository.NewSQLiteRepository(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	dir := t.TempDir()
	log := logger.NewNope()
	m := metrics.NewMetrics()
	limiter := service.NewRateLimiter(fo.maxBacklog, fo.submissionsPerMinute)
	jobs := service.NewJobService(repo, source.NewRouter(dir, nil), noopRunner{}, noopDispatcher{}, limiter, m, config.DefaultQueue(), log)
	trigger := &fakeTrigger{}

	cfg := config.Default().HTTP
	cfg.AdminToken = fo.adminToken
	cfg.CORSOrigin = fo.corsOrigin

	h := handler.NewJobHandler(jobs, trigger, limiter, m, log)
	return &fixture{
		server:  handler.NewRouter(cfg, h, trigger, m.Handler(), fo.checks, log),
		repo:    repo,
		trigger: trigger,
		dir:     dir,
	}
}

func (f *fixture) file(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o600))
	return path
}

func (f *fixture) do(t *testing.T, method, target string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.RemoteAddr = "192.0.2.10:4321"
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	path := f.file(t, "report.pdf", 2048)

	rec := f.do(t, http.MethodPost, "/jobs", models.EnqueueRequest{ReferenceID: "ref-1", FilePath: path}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	job := decode[models.Job](t, rec)
	assert.Equal(t, "ref-1", job.ReferenceID)
	assert.Equal(t, "report.pdf", job.FileName)
	assert.Equal(t, int64(2048), job.FileSize)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Zero(t, job.Attempts)

	assert.Equal(t, 1, f.trigger.afterCalls(), "the opportunistic trigger runs after the request")
}

func TestCreateJob_Rejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	path := f.file(t, "ok.pdf", 10)

	outside := filepath.Join(t.TempDir(), "private.pdf")
	require.NoError(t, os.WriteFile(outside, []byte("%PDF-1.7"), 0o600))

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed body", "{not json", http.StatusBadRequest},
		{"missing reference", models.EnqueueRequest{FilePath: path}, http.StatusBadRequest},
		{"missing file", models.EnqueueRequest{ReferenceID: "ref", FilePath: filepath.Join(f.dir, "gone.pdf")}, http.StatusUnprocessableEntity},
		{"directory", models.EnqueueRequest{ReferenceID: "ref", FilePath: f.dir}, http.StatusUnprocessableEntity},
		{"outside source root", models.EnqueueRequest{ReferenceID: "ref", FilePath: outside}, http.StatusUnprocessableEntity},
		{"system file", models.EnqueueRequest{ReferenceID: "ref", FilePath: "/etc/passwd"}, http.StatusUnprocessableEntity},
		{"traversal", models.EnqueueRequest{ReferenceID: "ref", FilePath: "../../etc/passwd"}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/jobs", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			body := decode[map[string]string](t, rec)
			assert.NotEmpty(t, body["error"])
			if tt.status == http.StatusUnprocessableEntity {
				assert.Equal(t, string(service.ReasonFileUnreadable), body["reason"])
			}
		})
	}

	_, err := f.repo.LatestByReference(context.Background(), "ref")
	assert.ErrorIs(t, err, repository.ErrJobNotFound, "rejected submissions leave no row")
}

func TestCreateJob_Throttled(t *testing.T) {
	t.Parallel()

	t.Run("per client", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOptions{submissionsPerMinute: 1})
		req := models.EnqueueRequest{ReferenceID: "ref", FilePath: f.file(t, "a.pdf", 1)}

		assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/jobs", req, nil).Code)
		assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/jobs", req, nil).Code)

		other := f.do(t, http.MethodPost, "/jobs", req, http.Header{"X-Forwarded-For": {"198.51.100.7"}})
		assert.Equal(t, http.StatusCreated, other.Code, "another client has its own window")
	})

	t.Run("backlog", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOptions{maxBacklog: 1})
		req := models.EnqueueRequest{ReferenceID: "ref", FilePath: f.file(t, "a.pdf", 1)}

		assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/jobs", req, nil).Code)
		assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/jobs", req, nil).Code)
	})
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	rec := f.do(t, http.MethodPost, "/jobs", models.EnqueueRequest{ReferenceID: "ref-9", FilePath: f.file(t, "a.pdf", 1)}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/jobs/ref-9/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[models.StatusView](t, rec)
	assert.True(t, view.Found)
	assert.Equal(t, "pending", view.Status)
	assert.NotNil(t, view.NextAttempt)

	rec = f.do(t, http.MethodGet, "/jobs/unknown/status", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	view = decode[models.StatusView](t, rec)
	assert.False(t, view.Found)
	assert.Equal(t, models.StatusNotFound, view.Status)
	assert.Equal(t, "unknown", view.ReferenceID)
}

func TestRunPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{adminToken: adminToken})
	f.trigger.processed = 2

	rec := f.do(t, http.MethodPost, "/admin/run-pending", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/run-pending", nil, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/run-pending", nil, http.Header{"Authorization": {"Bearer " + adminToken}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"processed": 2}, decode[map[string]int](t, rec))
}

func TestRunPending_Failures(t *testing.T) {
	t.Parallel()

	t.Run("disabled without token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOptions{})
		rec := f.do(t, http.MethodPost, "/admin/run-pending", nil, http.Header{"Authorization": {"Bearer "}})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("run error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOptions{adminToken: adminToken})
		f.trigger.runErr = errors.New("database is locked")

		rec := f.do(t, http.MethodPost, "/admin/run-pending", nil, http.Header{"Authorization": {"Bearer " + adminToken}})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "locked")
	})
}

func TestMetricsEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/jobs", models.EnqueueRequest{ReferenceID: "r", FilePath: f.file(t, "a.pdf", 1)}, nil).Code)

	rec := f.do(t, http.MethodGet, "/metrics/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[map[string]int64](t, rec)["enqueued_jobs"])

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ingest_jobs_enqueued_total 1"))

	assert.Equal(t, 1, f.trigger.afterCalls(), "only job routes run the trigger")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{checks: handler.Checks{
		"store": func(context.Context) error { return nil },
		"cache": func(context.Context) error { return errors.New("connection refused") },
	}})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, nil).Code)

	rec := f.do(t, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "healthy", body.Checks["store"].Status)
	assert.Equal(t, "connection refused", body.Checks["cache"].Error)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{corsOrigin: "https://console.example.com"})
	rec := f.do(t, http.MethodOptions, "/jobs", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORSDisabledByDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
