package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ingest-queue/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_IncrementEnqueuedJobs(t *testing.T) {
	m := NewMetrics()
	m.IncrementEnqueuedJobs()

	snapshot := m.GetSnapshot()
	if snapshot["enqueued_jobs"] != 1 {
		t.Errorf("expected enqueued_jobs 1, got %d", snapshot["enqueued_jobs"])
	}
	if got := testutil.ToFloat64(m.enqueued); got != 1 {
		t.Errorf("expected counter 1, got %v", got)
	}
}

func TestMetrics_RecordOutcome(t *testing.T) {
	m := NewMetrics()
	m.RecordOutcome(models.OutcomeCompleted)
	m.RecordOutcome(models.OutcomeFailed)
	m.RecordOutcome(models.OutcomeFailed)
	m.RecordOutcome(models.OutcomeDeferred)
	m.RecordOutcome(models.OutcomeSkipped)
	m.RecordOutcome(models.Outcome("bogus"))

	snapshot := m.GetSnapshot()
	expected := map[string]int64{
		"completed_jobs": 1,
		"failed_jobs":    2,
		"deferred_jobs":  1,
		"skipped_jobs":   1,
	}
	for key, expectedValue := range expected {
		if snapshot[key] != expectedValue {
			t.Errorf("expected %s %d, got %d", key, expectedValue, snapshot[key])
		}
	}

	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("failed")); got != 2 {
		t.Errorf("expected failed counter 2, got %v", got)
	}
	if got := testutil.CollectAndCount(m.outcomes); got != 4 {
		t.Errorf("expected 4 outcome series, got %d", got)
	}
}

func TestMetrics_IncrementRetriedJobs(t *testing.T) {
	m := NewMetrics()
	m.IncrementRetriedJobs()

	snapshot := m.GetSnapshot()
	if snapshot["retried_jobs"] != 1 {
		t.Errorf("expected retried_jobs 1, got %d", snapshot["retried_jobs"])
	}
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementEnqueuedJobs()
			m.RecordOutcome(models.OutcomeCompleted)
			m.RecordOutcome(models.OutcomeFailed)
			m.IncrementRetriedJobs()
			m.ObserveProcessing("direct", 10*time.Millisecond)
		}()
	}

	wg.Wait()

	snapshot := m.GetSnapshot()
	if snapshot["enqueued_jobs"] != 100 {
		t.Errorf("expected enqueued_jobs 100, got %d", snapshot["enqueued_jobs"])
	}
	if snapshot["completed_jobs"] != 100 {
		t.Errorf("expected completed_jobs 100, got %d", snapshot["completed_jobs"])
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.IncrementEnqueuedJobs()
	m.ObserveProcessing("chunked", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"ingest_jobs_enqueued_total 1", `ingest_job_duration_seconds_count{path="chunked"} 1`} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected exposition to contain %q", name)
		}
	}
}
