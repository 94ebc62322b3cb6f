package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragengine/internal/repository"
)

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("ask", OutcomeOK, 200*time.Millisecond)
	m.ObserveRequest("ask", OutcomeOK, time.Second)
	m.ObserveRequest("ask", OutcomeDegraded, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("ask", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("ask", OutcomeDegraded)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestObserveDegradations(t *testing.T) {
	m := New()
	m.ObserveDegradations([]string{"rerank", "signal"})
	m.ObserveDegradations([]string{"rerank"})
	m.ObserveDegradations(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.degradations.WithLabelValues("rerank")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degradations.WithLabelValues("signal")))
}

func TestJobTransition(t *testing.T) {
	m := New()
	m.JobTransition("", repository.JobPending)
	m.JobTransition("", repository.JobPending)
	m.JobTransition(repository.JobPending, repository.JobRunning)
	m.JobTransition(repository.JobRunning, repository.JobCompleted)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues(string(repository.JobPending))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.jobs.WithLabelValues(string(repository.JobRunning))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues(string(repository.JobCompleted))))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveIterative(2, 0.9)
	m.ObserveRequest("search", OutcomeOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ragengine_requests_total{endpoint="search",outcome="ok"} 1`)
	assert.Contains(t, string(body), "ragengine_iterations_count 1")
	assert.Contains(t, string(body), "ragengine_final_confidence_sum 0.9")
	assert.Contains(t, string(body), "go_goroutines")
}
