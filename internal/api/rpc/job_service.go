// Package rpc exposes job operations as a Connect service.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

// ServiceName is the fully-qualified Connect service name.
const ServiceName = "docextract.v1.JobService"

// Procedure paths.
const (
	GetJobProcedure    = "/" + ServiceName + "/GetJob"
	ListJobsProcedure  = "/" + ServiceName + "/ListJobs"
	RetryJobProcedure  = "/" + ServiceName + "/RetryJob"
	CancelJobProcedure = "/" + ServiceName + "/CancelJob"
)

// OwnerHeader carries the caller identity when auth is disabled.
const OwnerHeader = "X-User-ID"

// Jobs is the part of extraction.Service the RPC surface needs.
type Jobs interface {
	GetJob(ctx context.Context, id uuid.UUID, caller string) (*extraction.JobView, error)
	ListJobs(ctx context.Context, filter extraction.JobFilter) ([]*extraction.Job, error)
	RetryJob(ctx context.Context, id uuid.UUID, caller string) (*extraction.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID, caller string) (*extraction.Job, error)
}

// JobService implements the Connect JobService.
type JobService struct {
	jobs         Jobs
	logger       *observability.Logger
	defaultOwner string
}

// NewJobService creates a new job service. Requests without an owner header
// act as defaultOwner.
func NewJobService(jobs Jobs, logger *observability.Logger, defaultOwner string) *JobService {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &JobService{jobs: jobs, logger: logger.WithOperation("rpc"), defaultOwner: defaultOwner}
}

// Handler returns the mount path and handler for all procedures.
func (s *JobService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(GetJobProcedure, connect.NewUnaryHandler(GetJobProcedure, s.GetJob, opts...))
	mux.Handle(ListJobsProcedure, connect.NewUnaryHandler(ListJobsProcedure, s.ListJobs, opts...))
	mux.Handle(RetryJobProcedure, connect.NewUnaryHandler(RetryJobProcedure, s.RetryJob, opts...))
	mux.Handle(CancelJobProcedure, connect.NewUnaryHandler(CancelJobProcedure, s.CancelJob, opts...))
	return "/" + ServiceName + "/", mux
}

// GetJob handles the GetJob RPC.
func (s *JobService) GetJob(ctx context.Context, req *connect.Request[GetJobRequest]) (*connect.Response[GetJobResponse], error) {
	id, err := parseJobID(req.Msg.JobID)
	if err != nil {
		return nil, err
	}
	view, err := s.jobs.GetJob(ctx, id, s.owner(req.Header()))
	if err != nil {
		return nil, s.toConnectError(err)
	}
	return connect.NewResponse(&GetJobResponse{Job: view.Job, Result: view.Result}), nil
}

// ListJobs handles the ListJobs RPC.
func (s *JobService) ListJobs(ctx context.Context, req *connect.Request[ListJobsRequest]) (*connect.Response[ListJobsResponse], error) {
	filter := extraction.JobFilter{
		OwnerID:    s.owner(req.Header()),
		ProjectRef: req.Msg.ProjectRef,
		Limit:      int(req.Msg.Limit),
	}
	for _, raw := range req.Msg.Statuses {
		st, err := extraction.ParseStatus(strings.ToLower(raw))
		if err != nil {
			return nil, s.toConnectError(err)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	jobs, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, s.toConnectError(err)
	}
	if jobs == nil {
		jobs = []*extraction.Job{}
	}
	return connect.NewResponse(&ListJobsResponse{Jobs: jobs}), nil
}

// RetryJob handles the RetryJob RPC.
func (s *JobService) RetryJob(ctx context.Context, req *connect.Request[RetryJobRequest]) (*connect.Response[RetryJobResponse], error) {
	id, err := parseJobID(req.Msg.JobID)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.RetryJob(ctx, id, s.owner(req.Header()))
	if err != nil {
		return nil, s.toConnectError(err)
	}
	return connect.NewResponse(&RetryJobResponse{Job: job}), nil
}

// CancelJob handles the CancelJob RPC.
func (s *JobService) CancelJob(ctx context.Context, req *connect.Request[CancelJobRequest]) (*connect.Response[CancelJobResponse], error) {
	id, err := parseJobID(req.Msg.JobID)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.CancelJob(ctx, id, s.owner(req.Header()))
	if err != nil {
		return nil, s.toConnectError(err)
	}
	return connect.NewResponse(&CancelJobResponse{Job: job}), nil
}

func (s *JobService) owner(h http.Header) string {
	if v := strings.TrimSpace(h.Get(OwnerHeader)); v != "" {
		return v
	}
	return s.defaultOwner
}

func parseJobID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("invalid job_id %q", raw))
	}
	return id, nil
}

func (s *JobService) toConnectError(err error) error {
	code := CodeOf(extraction.KindOf(err))
	if code == connect.CodeInternal {
		s.logger.Error().Err(err).Msg("RPC failed")
	}
	return connect.NewError(code, errors.New(err.Error()))
}

// CodeOf maps an extraction error kind to a Connect code.
func CodeOf(kind extraction.ErrorKind) connect.Code {
	switch kind {
	case extraction.KindValidation:
		return connect.CodeInvalidArgument
	case extraction.KindNotFound:
		return connect.CodeNotFound
	case extraction.KindForbidden:
		return connect.CodePermissionDenied
	case extraction.KindRetryExhausted, extraction.KindNotCancellable:
		return connect.CodeFailedPrecondition
	case extraction.KindConflict:
		return connect.CodeAborted
	case extraction.KindUpstream, extraction.KindStorage:
		return connect.CodeUnavailable
	case extraction.KindTimeout:
		return connect.CodeDeadlineExceeded
	default:
		return connect.CodeInternal
	}
}
