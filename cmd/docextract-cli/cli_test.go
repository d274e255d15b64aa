package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/doc-extraction/cmd/docextract-api/handlers"
	"github.com/spherical-ai/spherical/libs/doc-extraction/cmd/docextract-api/middleware"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/api/rpc"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

// scriptedJobs replays a fixed sequence of observations per job; the last one
// repeats forever.
type scriptedJobs struct {
	mu       sync.Mutex
	timeline map[uuid.UUID][]*extraction.JobView
	uploaded []byte
	submit   extraction.SubmitRequest
	filter   extraction.JobFilter
	retryErr error
}

func newScriptedJobs() *scriptedJobs {
	return &scriptedJobs{timeline: make(map[uuid.UUID][]*extraction.JobView)}
}

func (s *scriptedJobs) script(id uuid.UUID, views ...*extraction.JobView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline[id] = views
}

func view(id uuid.UUID, status extraction.JobStatus, progress int) *extraction.JobView {
	return &extraction.JobView{Job: &extraction.Job{ID: id, OwnerID: "alice", Status: status, Progress: progress, MaxRetries: 3}}
}

func (s *scriptedJobs) seen() (extraction.SubmitRequest, []byte, extraction.JobFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submit, s.uploaded, s.filter
}

func (s *scriptedJobs) SubmitJob(_ context.Context, req extraction.SubmitRequest) (*extraction.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submit = req
	if req.Document != nil {
		s.uploaded, _ = io.ReadAll(req.Document)
	}
	id := uuid.New()
	done := view(id, extraction.StatusCompleted, 100)
	done.Result = &extraction.ExtractionResult{JobID: id, TablesFound: 2, ImagesFound: 1}
	s.timeline[id] = []*extraction.JobView{
		view(id, extraction.StatusProcessing, 40),
		view(id, extraction.StatusPartial, 87),
		done,
	}
	return &extraction.Job{ID: id, OwnerID: req.OwnerID, Status: extraction.StatusPending}, nil
}

func (s *scriptedJobs) GetJob(_ context.Context, id uuid.UUID, _ string) (*extraction.JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	views, ok := s.timeline[id]
	if !ok {
		return nil, extraction.ErrNotFound
	}
	v := views[0]
	if len(views) > 1 {
		s.timeline[id] = views[1:]
	}
	return v, nil
}

func (s *scriptedJobs) ListJobs(_ context.Context, filter extraction.JobFilter) ([]*extraction.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
	var out []*extraction.Job
	for _, views := range s.timeline {
		out = append(out, views[len(views)-1].Job)
	}
	return out, nil
}

func (s *scriptedJobs) RetryJob(_ context.Context, id uuid.UUID, _ string) (*extraction.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	return &extraction.Job{ID: id, Status: extraction.StatusPending, RetryCount: 1, MaxRetries: 3}, nil
}

func (s *scriptedJobs) CancelJob(_ context.Context, id uuid.UUID, _ string) (*extraction.Job, error) {
	return &extraction.Job{ID: id, Status: extraction.StatusProcessing}, nil
}

func (s *scriptedJobs) ExportTables(context.Context, uuid.UUID, string) ([]byte, error) {
	return []byte("PK\x03\x04workbook"), nil
}

func newAPIServer(t *testing.T, jobs *scriptedJobs) *httptest.Server {
	t.Helper()
	logger := observability.NopLogger()
	h := handlers.NewJobsHandler(logger, jobs, 1<<20)

	r := chi.NewRouter()
	r.Use(middleware.Auth(middleware.AuthConfig{DefaultOwner: "dev"}))
	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/{jobId}/tables.xlsx", h.ExportTables)
	})
	path, rpcHandler := rpc.NewJobService(jobs, logger, "dev").Handler()
	r.Mount(path, rpcHandler)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--owner", "alice", "--interval", "5ms", "--no-color"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmit_Wait(t *testing.T) {
	jobs := newScriptedJobs()
	srv := newAPIServer(t, jobs)

	doc := filepath.Join(t.TempDir(), "trial.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF-1.7 trial"), 0o600))

	out, err := run(t, srv, "--json", "submit", doc, "--project", "onc-42", "--max-images", "4", "--wait")
	require.NoError(t, err)

	var resp rpc.GetJobResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, extraction.StatusCompleted, resp.Job.Status)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 2, resp.Result.TablesFound)

	submit, uploaded, _ := jobs.seen()
	assert.Equal(t, []byte("%PDF-1.7 trial"), uploaded)
	assert.Equal(t, "alice", submit.OwnerID)
	assert.Equal(t, "trial.pdf", submit.SourceName)
	assert.Equal(t, extraction.JobConfig{EnableImageAnalysis: true, MaxImages: 4}, submit.Config)
	assert.Nil(t, submit.MaxRetries)
}

func TestSubmit_SourceRefNoImages(t *testing.T) {
	jobs := newScriptedJobs()
	srv := newAPIServer(t, jobs)

	out, err := run(t, srv, "submit", "--source-ref", "uploads/a.pdf", "--no-images", "--max-retries", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "created (pending)")
	submit, _, _ := jobs.seen()
	assert.Equal(t, "uploads/a.pdf", submit.SourceRef)
	assert.False(t, submit.Config.EnableImageAnalysis)
	require.NotNil(t, submit.MaxRetries)
	assert.Equal(t, 0, *submit.MaxRetries)
}

func TestSubmit_RequiresInput(t *testing.T) {
	srv := newAPIServer(t, newScriptedJobs())
	_, err := run(t, srv, "submit")
	assert.EqualError(t, err, "a FILE or --source-ref is required")
}

func TestStatus(t *testing.T) {
	jobs := newScriptedJobs()
	id := uuid.New()
	failed := view(id, extraction.StatusFailed, 40)
	failed.Job.ErrorMessage = "datalab: HTTP 502: bad gateway"
	jobs.script(id, failed)
	srv := newAPIServer(t, jobs)

	out, err := run(t, srv, "status", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Status:    failed")
	assert.Contains(t, out, "Progress:  40%")
	assert.Contains(t, out, "bad gateway")

	_, err = run(t, srv, "status", uuid.NewString())
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestList(t *testing.T) {
	jobs := newScriptedJobs()
	jobs.script(uuid.New(), view(uuid.New(), extraction.StatusFailed, 40))
	srv := newAPIServer(t, jobs)

	out, err := run(t, srv, "--json", "list", "--status", "failed,pending", "--limit", "5")
	require.NoError(t, err)

	var resp rpc.ListJobsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Jobs, 1)
	_, _, filter := jobs.seen()
	assert.Equal(t, []extraction.JobStatus{extraction.StatusFailed, extraction.StatusPending}, filter.Statuses)
	assert.Equal(t, 5, filter.Limit)
	assert.Equal(t, "alice", filter.OwnerID)
}

func TestRetryAndCancel(t *testing.T) {
	jobs := newScriptedJobs()
	srv := newAPIServer(t, jobs)
	id := uuid.NewString()

	out, err := run(t, srv, "retry", id)
	require.NoError(t, err)
	assert.Contains(t, out, "re-queued (attempt 1 of 3)")

	out, err = run(t, srv, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "stops at its next checkpoint")

	jobs.mu.Lock()
	jobs.retryErr = extraction.ErrRetryExhausted
	jobs.mu.Unlock()
	_, err = run(t, srv, "retry", id)
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))
}

func TestTables(t *testing.T) {
	srv := newAPIServer(t, newScriptedJobs())
	dest := filepath.Join(t.TempDir(), "out.xlsx")

	out, err := run(t, srv, "tables", uuid.NewString(), "-o", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04workbook"), data)
}

func TestWatch(t *testing.T) {
	jobs := newScriptedJobs()
	ok, bad := uuid.New(), uuid.New()
	jobs.script(ok, view(ok, extraction.StatusProcessing, 30), view(ok, extraction.StatusCompleted, 100))
	failed := view(bad, extraction.StatusFailed, 12)
	failed.Job.ErrorMessage = "conversion did not finish within 15m0s"
	jobs.script(bad, view(bad, extraction.StatusPending, 0), failed)
	srv := newAPIServer(t, jobs)

	out, err := run(t, srv, "--json", "watch", ok.String(), bad.String())
	assert.EqualError(t, err, "1 of 2 jobs did not complete")

	var finals []*extraction.Job
	require.NoError(t, json.Unmarshal([]byte(out), &finals))
	require.Len(t, finals, 2)
	assert.Equal(t, extraction.StatusCompleted, finals[0].Status)
	assert.Equal(t, extraction.StatusFailed, finals[1].Status)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0f8fad5b", shortID("0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.Equal(t, "plain", shortID("plain"))
}
