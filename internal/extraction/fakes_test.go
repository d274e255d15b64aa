package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/blob"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/cache"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/conversion"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/vision"
)

// memStore is an in-memory Store that records every job version it is given.
type memStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*Job
	results map[uuid.UUID]*ExtractionResult
	history map[uuid.UUID][]Job

	// onUpdateResult runs after a successful UpdateResult, outside the lock.
	onUpdateResult func(r *ExtractionResult)
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    map[uuid.UUID]*Job{},
		results: map[uuid.UUID]*ExtractionResult{},
		history: map[uuid.UUID][]Job{},
	}
}

func (s *memStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.history[job.ID] = append(s.history[job.ID], *job.Clone())
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *memStore) UpdateJob(_ context.Context, job *Job, expected JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	s.jobs[job.ID] = job.Clone()
	s.history[job.ID] = append(s.history[job.ID], *job.Clone())
	return nil
}

func (s *memStore) ListJobs(_ context.Context, f JobFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if f.OwnerID != "" && j.OwnerID != f.OwnerID {
			continue
		}
		if f.ProjectRef != "" && j.ProjectRef != f.ProjectRef {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, j.Status) {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func containsStatus(list []JobStatus, s JobStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func cloneResult(r *ExtractionResult) *ExtractionResult {
	data, _ := json.Marshal(r)
	var c ExtractionResult
	_ = json.Unmarshal(data, &c)
	return &c
}

func (s *memStore) CreateResult(_ context.Context, r *ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.JobID] = cloneResult(r)
	return nil
}

func (s *memStore) UpdateResult(_ context.Context, r *ExtractionResult) error {
	s.mu.Lock()
	if _, ok := s.results[r.JobID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.results[r.JobID] = cloneResult(r)
	hook := s.onUpdateResult
	s.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return nil
}

func (s *memStore) GetResult(_ context.Context, id uuid.UUID) (*ExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneResult(r), nil
}

func (s *memStore) DeleteResult(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return ErrNotFound
	}
	delete(s.results, id)
	return nil
}

func (s *memStore) statuses(id uuid.UUID) []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobStatus
	for _, j := range s.history[id] {
		if len(out) == 0 || out[len(out)-1] != j.Status {
			out = append(out, j.Status)
		}
	}
	return out
}

func (s *memStore) progressSeries(id uuid.UUID) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, j := range s.history[id] {
		out = append(out, j.Progress)
	}
	return out
}

// fakeConverter finishes after pendingPolls polls, or never when pendingPolls < 0.
type fakeConverter struct {
	pendingPolls int
	output       *conversion.Output
	submitErr    error
	pollErr      error

	mu        sync.Mutex
	polls     int
	submitted []conversion.Options
	// onPoll runs on every poll before the response is decided.
	onPoll func(n int)
}

func (c *fakeConverter) Submit(_ context.Context, doc conversion.Document, opts conversion.Options) (conversion.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, opts)
	if c.submitErr != nil {
		return conversion.Handle{}, c.submitErr
	}
	return conversion.Handle{RequestID: "req", CheckURL: "http://marker/check/req"}, nil
}

func (c *fakeConverter) Poll(_ context.Context, _ conversion.Handle) (*conversion.PollResult, error) {
	c.mu.Lock()
	c.polls++
	n := c.polls
	hook := c.onPoll
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if c.pollErr != nil {
		return nil, c.pollErr
	}
	if c.pendingPolls < 0 || n <= c.pendingPolls {
		return &conversion.PollResult{Status: "processing"}, nil
	}
	return &conversion.PollResult{Done: true, Status: "complete", Output: c.output}, nil
}

func (c *fakeConverter) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// fakeAnalyzer reports images whose name contains "chart" as charts and fails
// images listed in fail.
type fakeAnalyzer struct {
	fail  map[string]error
	delay time.Duration
	calls atomic.Int32

	mu    sync.Mutex
	names []string
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, img vision.Image) (*vision.Analysis, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.names = append(a.names, img.Name)
	a.mu.Unlock()

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := a.fail[img.Name]; err != nil {
		return nil, err
	}
	if strings.Contains(img.Name, "chart") {
		return &vision.Analysis{IsGraph: true, GraphType: "bar", Reason: "bars", Data: json.RawMessage(`{"y":[1,2]}`)}, nil
	}
	return &vision.Analysis{IsGraph: false, Reason: "photo"}, nil
}

type stubDetector struct{ lang string }

func (d stubDetector) Detect(string) string { return d.lang }

// recordingQueue captures enqueued ids instead of running them.
type recordingQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) enqueued() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.ids...)
}

// harness wires an Orchestrator over in-memory collaborators.
type harness struct {
	store     *memStore
	blobs     *blob.LocalFS
	flags     *CancelFlags
	converter *fakeConverter
	analyzer  *fakeAnalyzer
	orch      *Orchestrator
}

func newHarness(t *testing.T, conv *fakeConverter, cfg PipelineConfig) *harness {
	t.Helper()
	blobs, err := blob.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	mc := cache.NewMemoryClient(100)
	t.Cleanup(func() { _ = mc.Close() })

	h := &harness{
		store:     newMemStore(),
		blobs:     blobs,
		flags:     NewCancelFlags(mc, time.Hour),
		converter: conv,
		analyzer:  &fakeAnalyzer{},
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.ConversionTimeout == 0 {
		cfg.ConversionTimeout = 5 * time.Second
	}
	if cfg.AnalysisTimeout == 0 {
		cfg.AnalysisTimeout = time.Second
	}
	h.orch = NewOrchestrator(Dependencies{
		Store:     h.store,
		Blobs:     blobs,
		Converter: conv,
		Analyzer:  h.analyzer,
		Detector:  stubDetector{lang: "en"},
		Flags:     h.flags,
	}, cfg)
	return h
}

// pendingJob stores a source document and a pending job.
func (h *harness) pendingJob(t *testing.T, cfg JobConfig) *Job {
	t.Helper()
	id := uuid.New()
	ref, err := h.blobs.Put(context.Background(), SourceRef(id, "paper.pdf"), strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	now := time.Now()
	job := &Job{
		ID:         id,
		OwnerID:    "analyst",
		SourceRef:  ref,
		SourceName: "paper.pdf",
		Config:     cfg,
		Status:     StatusPending,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

func images(names ...string) []conversion.Image {
	out := make([]conversion.Image, len(names))
	for i, n := range names {
		out[i] = conversion.Image{Name: n, Data: []byte("img-" + n)}
	}
	return out
}
