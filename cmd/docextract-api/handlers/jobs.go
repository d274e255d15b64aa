// Package handlers provides HTTP handlers for the extraction API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/cmd/docextract-api/middleware"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

// JobService is the subset of extraction.Service the handlers call.
type JobService interface {
	SubmitJob(ctx context.Context, req extraction.SubmitRequest) (*extraction.Job, error)
	GetJob(ctx context.Context, id uuid.UUID, caller string) (*extraction.JobView, error)
	ListJobs(ctx context.Context, filter extraction.JobFilter) ([]*extraction.Job, error)
	RetryJob(ctx context.Context, id uuid.UUID, caller string) (*extraction.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID, caller string) (*extraction.Job, error)
	ExportTables(ctx context.Context, id uuid.UUID, caller string) ([]byte, error)
}

// JobsHandler handles job submission and status requests.
type JobsHandler struct {
	logger    *observability.Logger
	service   JobService
	maxUpload int64
}

// NewJobsHandler creates a new jobs handler. maxUpload bounds the multipart
// body of a submission.
func NewJobsHandler(logger *observability.Logger, service JobService, maxUpload int64) *JobsHandler {
	if maxUpload <= 0 {
		maxUpload = 100 << 20
	}
	return &JobsHandler{logger: logger, service: service, maxUpload: maxUpload}
}

// JobListDTO is the response of GET /jobs.
type JobListDTO struct {
	Jobs  []*extraction.Job `json:"jobs"`
	Count int               `json:"count"`
}

// Submit handles POST /jobs.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "document too large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := extraction.SubmitRequest{
		OwnerID:    middleware.OwnerFromContext(r.Context()),
		ProjectRef: r.FormValue("projectRef"),
		SourceRef:  r.FormValue("sourceRef"),
	}

	var err error
	if req.Config.EnableImageAnalysis, err = formBool(r, "enableImageAnalysis", true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid enableImageAnalysis", err.Error())
		return
	}
	if req.Config.ForceFullReprocess, err = formBool(r, "forceFullReprocess", false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid forceFullReprocess", err.Error())
		return
	}
	if req.Config.MaxImages, err = formInt(r, "maxImages", 0); err != nil {
		writeError(w, http.StatusBadRequest, "invalid maxImages", err.Error())
		return
	}
	if v := r.FormValue("maxRetries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid maxRetries", err.Error())
			return
		}
		req.MaxRetries = &n
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		req.Document = file
		req.SourceName = header.Filename
	case errors.Is(err, http.ErrMissingFile):
		if req.SourceRef == "" {
			writeError(w, http.StatusBadRequest, "file is required", "")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid file", err.Error())
		return
	}

	job, err := h.service.SubmitJob(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// Get handles GET /jobs/{jobId}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetJob(r.Context(), id, middleware.OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// List handles GET /jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := extraction.JobFilter{
		OwnerID:    middleware.OwnerFromContext(r.Context()),
		ProjectRef: q.Get("projectRef"),
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			st, err := extraction.ParseStatus(strings.ToLower(part))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid status", err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
			return
		}
		filter.Limit = n
	}

	jobs, err := h.service.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*extraction.Job{}
	}
	writeJSON(w, http.StatusOK, JobListDTO{Jobs: jobs, Count: len(jobs)})
}

// Retry handles POST /jobs/{jobId}/retry.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.RetryJob(r.Context(), id, middleware.OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel handles POST /jobs/{jobId}/cancel.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.CancelJob(r.Context(), id, middleware.OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// ExportTables handles GET /jobs/{jobId}/tables.xlsx.
func (h *JobsHandler) ExportTables(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	data, err := h.service.ExportTables(r.Context(), id, middleware.OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-tables.xlsx"`, id))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "jobId")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid jobId", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func formBool(r *http.Request, key string, def bool) (bool, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func formInt(r *http.Request, key string, def int) (int, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// StatusFor maps an extraction error to an HTTP status.
func StatusFor(err error) int {
	switch extraction.KindOf(err) {
	case extraction.KindValidation:
		return http.StatusBadRequest
	case extraction.KindUpstream:
		return http.StatusBadGateway
	case extraction.KindTimeout:
		return http.StatusGatewayTimeout
	case extraction.KindStorage:
		return http.StatusServiceUnavailable
	case extraction.KindRetryExhausted, extraction.KindNotCancellable, extraction.KindConflict:
		return http.StatusConflict
	case extraction.KindNotFound:
		return http.StatusNotFound
	case extraction.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *JobsHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	switch {
	case extraction.IsUpstream(err):
		h.logger.WithContext(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("Upstream service failed")
	case status >= 500:
		h.logger.WithContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, string(extraction.KindOf(err)), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, status, resp)
}
