package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-durable/worker"
)

func TestWorkerMetricsExposition(t *testing.T) {
	m := NewWorkerMetrics("durable_test")
	m.RecordDispatchLag("activity", 120*time.Millisecond)
	m.RecordProcessOutcome("activity", worker.OutcomeCompleted)
	m.RecordProcessOutcome("activity", worker.OutcomeCompleted)
	m.RecordProcessOutcome("orchestration_resume", worker.OutcomeAbandoned)
	m.RecordRetryAttempt("orchestration_resume", 2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`durable_test_work_items_handled_total{kind="activity",outcome="completed"} 2`,
		`durable_test_work_items_handled_total{kind="orchestration_resume",outcome="abandoned"} 1`,
		`durable_test_dispatch_lag_seconds_count{kind="activity"} 1`,
		`durable_test_work_item_retry_attempts_count{kind="orchestration_resume"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, body)
		}
	}
}

func TestWorkerMetricsNilSafe(t *testing.T) {
	var m *WorkerMetrics
	m.RecordDispatchLag("activity", time.Second)
	m.RecordProcessOutcome("activity", worker.OutcomeDropped)
	m.RecordRetryAttempt("activity", 1)
	if m.Registry() != nil {
		t.Fatalf("nil metrics must expose no registry")
	}
}
