package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/tables"
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	maxRetriesLimit  = 10
)

// ServiceConfig holds submission defaults and bounds.
type ServiceConfig struct {
	DefaultMaxRetries int
	DefaultMaxImages  int
	MaxImagesLimit    int
}

// SubmitRequest describes a new job. Either Document (uploaded bytes) or
// SourceRef (an object already in blob storage) must be set.
type SubmitRequest struct {
	OwnerID    string
	ProjectRef string
	SourceName string
	Document   io.Reader
	SourceRef  string
	Config     JobConfig
	// MaxRetries overrides the configured default when set.
	MaxRetries *int
}

// Service is the entry point used by transports.
type Service struct {
	store      Store
	blobs      BlobStore
	queue      Enqueuer
	controller *Controller
	writer     *jobWriter
	cfg        ServiceConfig
	logger     *observability.Logger
	now        func() time.Time
}

// NewService creates the façade. now may be nil.
func NewService(store Store, blobs BlobStore, queue Enqueuer, controller *Controller, cfg ServiceConfig, logger *observability.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if now == nil {
		now = time.Now
	}
	if cfg.MaxImagesLimit <= 0 {
		cfg.MaxImagesLimit = 100
	}
	if cfg.DefaultMaxImages <= 0 {
		cfg.DefaultMaxImages = min(20, cfg.MaxImagesLimit)
	}
	return &Service{
		store:      store,
		blobs:      blobs,
		queue:      queue,
		controller: controller,
		writer:     &jobWriter{store: store, logger: logger, now: now},
		cfg:        cfg,
		logger:     logger.WithOperation("service"),
		now:        now,
	}
}

// SubmitJob validates the request, stores the document and creates a pending
// job. Processing happens in the background.
func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (*Job, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	id := uuid.New()
	sourceRef := req.SourceRef
	if req.Document != nil {
		ref, err := s.blobs.Put(ctx, SourceRef(id, req.SourceName), req.Document)
		if err != nil {
			return nil, StorageError("store uploaded document", err)
		}
		sourceRef = ref
	} else {
		ok, err := s.blobs.Exists(ctx, sourceRef)
		if err != nil {
			return nil, StorageError("check source document", err)
		}
		if !ok {
			return nil, ValidationError(fmt.Sprintf("source document %q does not exist", sourceRef), nil)
		}
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	now := s.now()
	job := &Job{
		ID:         id,
		OwnerID:    req.OwnerID,
		ProjectRef: req.ProjectRef,
		SourceRef:  sourceRef,
		SourceName: req.SourceName,
		Config:     req.Config,
		Status:     StatusPending,
		Stage:      "queued",
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		if req.Document != nil {
			_ = s.blobs.Delete(context.WithoutCancel(ctx), sourceRef)
		}
		return nil, StorageError("create job", err)
	}

	if err := s.queue.Enqueue(ctx, id); err != nil {
		s.logger.Error().Str("job_id", id.String()).Err(err).Msg("Job not enqueued, it will be picked up on restart")
	}
	s.logger.Info().
		Str("job_id", id.String()).
		Str("owner_id", job.OwnerID).
		Str("source", job.SourceName).
		Bool("image_analysis", job.Config.EnableImageAnalysis).
		Int("max_images", job.Config.MaxImages).
		Msg("Job submitted")
	return job, nil
}

func (s *Service) validate(req *SubmitRequest) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return ValidationError("owner is required", nil)
	}
	if req.Document == nil && strings.TrimSpace(req.SourceRef) == "" {
		return ValidationError("a document is required", nil)
	}
	if req.Document == nil {
		ref, ok := externalRef(strings.TrimSpace(req.SourceRef))
		if !ok {
			return ValidationError(fmt.Sprintf("sourceRef %q is not allowed", req.SourceRef), nil)
		}
		req.SourceRef = ref
	}
	if req.SourceName == "" {
		req.SourceName = "document.pdf"
		if req.SourceRef != "" {
			req.SourceName = req.SourceRef[strings.LastIndex(req.SourceRef, "/")+1:]
		}
	}
	switch {
	case req.Config.MaxImages < 0 || req.Config.MaxImages > s.cfg.MaxImagesLimit:
		return ValidationError(fmt.Sprintf("maxImages must be between 0 and %d", s.cfg.MaxImagesLimit), nil)
	case req.Config.MaxImages == 0:
		req.Config.MaxImages = s.cfg.DefaultMaxImages
	}
	if req.MaxRetries != nil && (*req.MaxRetries < 0 || *req.MaxRetries > maxRetriesLimit) {
		return ValidationError(fmt.Sprintf("maxRetries must be between 0 and %d", maxRetriesLimit), nil)
	}
	return nil
}

// GetJob returns the job and, once conversion output exists, its result.
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID, caller string) (*JobView, error) {
	job, err := s.ownedJob(ctx, jobID, caller)
	if err != nil {
		return nil, err
	}
	view := &JobView{Job: job}
	if job.Status == StatusPending || job.Status == StatusProcessing {
		return view, nil
	}
	result, err := s.store.GetResult(ctx, jobID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, StorageError("load result", err)
	default:
		view.Result = result
	}
	return view, nil
}

// ListJobs returns the caller's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	if strings.TrimSpace(filter.OwnerID) == "" {
		return nil, ValidationError("owner is required", nil)
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, ValidationError(fmt.Sprintf("unknown job status %q", st), nil)
		}
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}
	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, StorageError("list jobs", err)
	}
	return jobs, nil
}

// RetryJob re-queues a failed job owned by caller.
func (s *Service) RetryJob(ctx context.Context, jobID uuid.UUID, caller string) (*Job, error) {
	if _, err := s.ownedJob(ctx, jobID, caller); err != nil {
		return nil, err
	}
	return s.controller.Retry(ctx, jobID)
}

// CancelJob requests cancellation of a job owned by caller.
func (s *Service) CancelJob(ctx context.Context, jobID uuid.UUID, caller string) (*Job, error) {
	if _, err := s.ownedJob(ctx, jobID, caller); err != nil {
		return nil, err
	}
	return s.controller.Cancel(ctx, jobID)
}

// ExportTables renders the job's tables as an XLSX workbook.
func (s *Service) ExportTables(ctx context.Context, jobID uuid.UUID, caller string) ([]byte, error) {
	view, err := s.GetJob(ctx, jobID, caller)
	if err != nil {
		return nil, err
	}
	if view.Result == nil {
		return nil, newError(KindNotFound, "job has no extraction result yet", nil)
	}
	data, err := tables.WriteXLSX(view.Result.Tables)
	if err != nil {
		return nil, newError(KindInternal, "export tables", err)
	}
	return data, nil
}

// RecoverInterrupted runs at startup: pending jobs are queued again and jobs a
// previous process left in processing or partial are failed so they can be
// retried.
func (s *Service) RecoverInterrupted(ctx context.Context) (requeued, failed int, err error) {
	pending, err := s.store.ListJobs(ctx, JobFilter{Statuses: []JobStatus{StatusPending}})
	if err != nil {
		return 0, 0, StorageError("list pending jobs", err)
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(ctx, job.ID); err != nil {
			return requeued, failed, fmt.Errorf("requeue %s: %w", job.ID, err)
		}
		requeued++
	}

	running, err := s.store.ListJobs(ctx, JobFilter{Statuses: []JobStatus{StatusProcessing, StatusPartial}})
	if err != nil {
		return requeued, failed, StorageError("list running jobs", err)
	}
	for _, job := range running {
		if _, err := s.writer.apply(ctx, job, Failed{Message: "interrupted by restart", At: s.now()}); err != nil {
			s.logger.Warn().Str("job_id", job.ID.String()).Err(err).Msg("Could not fail interrupted job")
			continue
		}
		failed++
	}
	return requeued, failed, nil
}

func (s *Service) ownedJob(ctx context.Context, jobID uuid.UUID, caller string) (*Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, StorageError("load job", err)
	}
	if job.OwnerID != caller {
		return nil, ErrNotOwner
	}
	return job, nil
}
