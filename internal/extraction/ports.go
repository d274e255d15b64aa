package extraction

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/conversion"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/vision"
)

// Store persists jobs and results. UpdateJob is a compare-and-set on the
// job's previous status and returns ErrStatusConflict when the stored status
// differs from expected. Lookups of unknown ids return ErrNotFound.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	UpdateJob(ctx context.Context, job *Job, expected JobStatus) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// CreateResult inserts the result row, replacing one left by an earlier attempt.
	CreateResult(ctx context.Context, result *ExtractionResult) error
	UpdateResult(ctx context.Context, result *ExtractionResult) error
	GetResult(ctx context.Context, jobID uuid.UUID) (*ExtractionResult, error)
	DeleteResult(ctx context.Context, jobID uuid.UUID) error
}

// BlobStore holds uploaded documents and extracted images.
type BlobStore interface {
	Put(ctx context.Context, ref string, r io.Reader) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Converter is the document conversion service.
type Converter interface {
	Submit(ctx context.Context, doc conversion.Document, opts conversion.Options) (conversion.Handle, error)
	Poll(ctx context.Context, h conversion.Handle) (*conversion.PollResult, error)
}

// Analyzer is the vision analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, img vision.Image) (*vision.Analysis, error)
}

// LanguageDetector returns an ISO 639-1 code or "".
type LanguageDetector interface {
	Detect(text string) string
}

// CancelSignal exposes the cooperative cancellation flag of a job.
type CancelSignal interface {
	IsRaised(ctx context.Context, jobID uuid.UUID) (bool, error)
	Clear(ctx context.Context, jobID uuid.UUID) error
}

// Enqueuer schedules a pending job for the orchestrator.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

// Runner drives one job.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

const jobsPrefix = "jobs/"

// SourceRef is where an uploaded document is stored.
func SourceRef(jobID uuid.UUID, name string) string {
	return jobsPrefix + jobID.String() + "/source/" + safeName(name, "document")
}

// ownsSource reports whether job's source document was stored for that job
// by SubmitJob. Only such documents are deleted when the job ends; external
// references may be shared by other jobs.
func ownsSource(job *Job) bool {
	return strings.HasPrefix(job.SourceRef, jobsPrefix+job.ID.String()+"/source/")
}

// externalRef normalizes a caller-supplied source reference. References into
// job storage or outside the blob root are rejected.
func externalRef(ref string) (string, bool) {
	clean := path.Clean(ref)
	switch {
	case clean == "." || clean == ".." || path.IsAbs(clean) || strings.HasPrefix(clean, "../"):
		return "", false
	case clean+"/" == jobsPrefix || strings.HasPrefix(clean, jobsPrefix):
		return "", false
	}
	return clean, true
}

// ImageBlobRef is where an extracted image is stored.
func ImageBlobRef(jobID uuid.UUID, name string) string {
	return "jobs/" + jobID.String() + "/images/" + name
}
