package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragengine/internal/answer"
	"github.com/knoguchi/ragengine/internal/auth"
	"github.com/knoguchi/ragengine/internal/ingestion"
	"github.com/knoguchi/ragengine/internal/jobs"
	"github.com/knoguchi/ragengine/internal/metrics"
	"github.com/knoguchi/ragengine/internal/repository"
	"github.com/knoguchi/ragengine/internal/retrieval"
	"github.com/knoguchi/ragengine/internal/service"
)

type fakeEngine struct {
	asked     []service.AskRequest
	searched  []int
	docLevel  [][2]int
	status    service.Status
	err       error
	iterative service.IterativeResponse
}

func (f *fakeEngine) Search(ctx context.Context, query string, k int) (service.SearchResponse, error) {
	f.searched = append(f.searched, k)
	if f.err != nil {
		return service.SearchResponse{}, f.err
	}
	return service.SearchResponse{Query: query, Results: []service.SearchHit{{ChunkID: "c1"}}, Status: f.status}, nil
}

func (f *fakeEngine) SearchDocuments(ctx context.Context, query string, maxChunks, topDocs int) (service.DocumentSearchResponse, error) {
	f.docLevel = append(f.docLevel, [2]int{maxChunks, topDocs})
	return service.DocumentSearchResponse{Query: query, Documents: []service.DocumentHit{{DocumentID: "d1"}}}, f.err
}

func (f *fakeEngine) Ask(ctx context.Context, req service.AskRequest) (service.AskResponse, error) {
	f.asked = append(f.asked, req)
	if f.err != nil {
		return service.AskResponse{}, f.err
	}
	return service.AskResponse{
		Query:   req.Query,
		Answer:  "25 days [1]",
		Sources: []answer.Citation{{Marker: 1, ChunkID: "c1", DocumentName: "handbook.pdf"}},
		Status:  f.status,
	}, nil
}

func (f *fakeEngine) AskIterative(ctx context.Context, req service.AskRequest) (service.IterativeResponse, error) {
	f.asked = append(f.asked, req)
	return f.iterative, f.err
}

func (f *fakeEngine) Research(ctx context.Context, query string) (service.ResearchResponse, error) {
	return service.ResearchResponse{Query: query, Answer: "report"}, f.err
}

type fakeIngester struct {
	job  *repository.IngestJob
	err  error
	docs []ingestion.Document
}

func (f *fakeIngester) Submit(ctx context.Context, docs []ingestion.Document) (*repository.IngestJob, error) {
	f.docs = docs
	return f.job, f.err
}

func (f *fakeIngester) Status(ctx context.Context, id uuid.UUID) (*repository.IngestJob, error) {
	if f.job != nil && f.job.ID == id {
		return f.job, nil
	}
	return nil, jobs.ErrJobNotFound
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type fakeStats struct{}

func (fakeStats) Stats(ctx context.Context) (repository.Stats, error) {
	return repository.Stats{Documents: 2, Chunks: 10, Embeddings: 10}, nil
}

func newTestServer(t *testing.T, cfg HTTPServerConfig) *HTTPServer {
	t.Helper()
	if cfg.Engine == nil {
		cfg.Engine = &fakeEngine{}
	}
	s, err := NewHTTPServer(cfg)
	require.NoError(t, err)
	return s
}

func do(s *HTTPServer, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAsk_AppliesDefaults(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, HTTPServerConfig{Engine: eng, Defaults: QueryDefaults{MultiQuery: true}})

	rec := do(s, http.MethodPost, "/v1/ask", `{"query":"vacation policy","hyde":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp service.AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "25 days [1]", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "handbook.pdf", resp.Sources[0].DocumentName)

	rec = do(s, http.MethodPost, "/v1/ask", `{"query":"q","multi_query":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []service.AskRequest{
		{Query: "vacation policy", MultiQuery: true, HyDE: true},
		{Query: "q"},
	}, eng.asked)
}

func TestSearch_Routes(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, HTTPServerConfig{Engine: eng})

	rec := do(s, http.MethodPost, "/v1/search", `{"query":"q","top_k":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"chunk_id":"c1"`)

	rec = do(s, http.MethodPost, "/v1/search", `{"query":"q","document_level":true,"top_k":2,"max_chunks":50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"document_id":"d1"`)

	assert.Equal(t, []int{3}, eng.searched)
	assert.Equal(t, [][2]int{{50, 2}}, eng.docLevel)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "invalid", err: fmt.Errorf("%w: %w", service.ErrInvalidRequest, retrieval.ErrEmptyQuery), code: http.StatusBadRequest},
		{name: "not found", err: jobs.ErrJobNotFound, code: http.StatusNotFound},
		{name: "closed", err: jobs.ErrQueueClosed, code: http.StatusServiceUnavailable},
		{name: "deadline", err: fmt.Errorf("failed: %w", context.DeadlineExceeded), code: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, HTTPServerConfig{Engine: &fakeEngine{err: tt.err}})
			rec := do(s, http.MethodPost, "/v1/research", `{"query":"q"}`)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t, HTTPServerConfig{})
	rec := do(s, http.MethodPost, "/v1/ask", `{"query":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsRecorded(t *testing.T) {
	m := metrics.New()
	eng := &fakeEngine{
		status:    service.Status{RerankDegraded: true},
		iterative: service.IterativeResponse{TotalIterations: 2, FinalConfidence: 0.9},
	}
	s := newTestServer(t, HTTPServerConfig{Engine: eng, Metrics: m})

	require.Equal(t, http.StatusOK, do(s, http.MethodPost, "/v1/ask", `{"query":"q"}`).Code)
	require.Equal(t, http.StatusOK, do(s, http.MethodPost, "/v1/ask-iterative", `{"query":"q"}`).Code)

	rec := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ragengine_requests_total{endpoint="ask",outcome="degraded"} 1`)
	assert.Contains(t, body, `ragengine_requests_total{endpoint="ask_iterative",outcome="ok"} 1`)
	assert.Contains(t, body, `ragengine_degradations_total{kind="rerank"} 1`)
	assert.Contains(t, body, "ragengine_iterations_sum 2")
	assert.Equal(t, 1, mustGatherCount(t, m, "ragengine_iterations"))
}

func TestIngestJobs(t *testing.T) {
	job := &repository.IngestJob{ID: uuid.New(), State: repository.JobPending, Total: 1}
	ing := &fakeIngester{job: job}
	authn := auth.NewAuthenticator([]string{"client"}, "admin")
	s := newTestServer(t, HTTPServerConfig{Ingest: ing, Auth: authn})

	body := `{"documents":[{"name":"handbook.md","text":"Vacation is 25 days."}]}`

	rec := do(s, http.MethodPost, "/v1/ingest/jobs", body, auth.APIKeyHeader, "client")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(s, http.MethodPost, "/v1/ingest/jobs", body, auth.APIKeyHeader, "admin")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/v1/ingest/jobs/"+job.ID.String(), rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), `"job_id":"`+job.ID.String()+`"`)
	require.Len(t, ing.docs, 1)
	assert.Equal(t, "handbook.md", ing.docs[0].Name)

	rec = do(s, http.MethodGet, "/v1/ingest/jobs/"+job.ID.String(), "", auth.APIKeyHeader, "admin")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/v1/ingest/jobs/"+uuid.NewString(), "", auth.APIKeyHeader, "admin")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodGet, "/v1/ingest/jobs/not-a-uuid", "", auth.APIKeyHeader, "admin")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, HTTPServerConfig{Auth: auth.NewAuthenticator([]string{"client"}, "")})

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/v1/ask", `{"query":"q"}`).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/v1/ask", `{"query":"q"}`, auth.APIKeyHeader, "client").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/healthz", "").Code)
}

func TestReadinessAndStats(t *testing.T) {
	s := newTestServer(t, HTTPServerConfig{Ready: fakePinger{}, Stats: fakeStats{}})
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/readyz", "").Code)

	rec := do(s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documents":2,"chunks":10,"embeddings":10}`, rec.Body.String())

	s = newTestServer(t, HTTPServerConfig{Ready: fakePinger{err: errors.New("connection refused")}})
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/readyz", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, HTTPServerConfig{AllowedOrigins: []string{"https://app.example"}})
	rec := do(s, http.MethodOptions, "/v1/ask", "", "Origin", "https://app.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func mustGatherCount(t *testing.T, m *metrics.Metrics, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(m.Registry(), name)
	require.NoError(t, err)
	return n
}
