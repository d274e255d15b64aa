package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

// Flags is the writable side of the cancellation flag.
type Flags interface {
	CancelSignal
	Raise(ctx context.Context, jobID uuid.UUID) error
}

// Controller gates retries against the retry ceiling and records cancellation
// requests.
type Controller struct {
	store  Store
	blobs  BlobStore
	flags  Flags
	queue  Enqueuer
	writer *jobWriter
	logger *observability.Logger
	now    func() time.Time
}

// NewController creates a controller. now may be nil.
func NewController(store Store, blobs BlobStore, flags Flags, queue Enqueuer, logger *observability.Logger, now func() time.Time) *Controller {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:  store,
		blobs:  blobs,
		flags:  flags,
		queue:  queue,
		writer: &jobWriter{store: store, logger: logger, now: now},
		logger: logger,
		now:    now,
	}
}

// Retry moves a failed job back to pending and schedules it. It fails with a
// retry_exhausted error when the job is not failed or has no retries left, in
// which case the job is left untouched.
func (c *Controller) Retry(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	next, err := c.writer.apply(ctx, job, Retried{})
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, newError(KindRetryExhausted, "job changed status during retry", err)
		}
		return job, err
	}

	// A retried job starts from scratch: no result until conversion succeeds
	// again and no stale cancellation request.
	if err := c.store.DeleteResult(ctx, jobID); err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn().Str("job_id", jobID.String()).Err(err).Msg("Could not delete previous result")
	}
	if err := c.flags.Clear(ctx, jobID); err != nil {
		c.logger.Warn().Str("job_id", jobID.String()).Err(err).Msg("Could not clear cancellation flag")
	}

	if err := c.queue.Enqueue(ctx, jobID); err != nil {
		c.logger.Error().Str("job_id", jobID.String()).Err(err).Msg("Retried job not enqueued, it will be picked up on restart")
	}
	c.logger.Info().
		Str("job_id", jobID.String()).
		Int("retry_count", next.RetryCount).
		Int("max_retries", next.MaxRetries).
		Msg("Job queued for retry")
	return next, nil
}

// Cancel requests cancellation. A pending job is cancelled immediately; a
// running one is cancelled by the orchestrator at its next safe point. Terminal
// jobs return ErrNotCancellable.
func (c *Controller) Cancel(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, ErrNotCancellable
	}

	if err := c.flags.Raise(ctx, jobID); err != nil {
		return job, StorageError("record cancellation request", err)
	}
	if job.Status != StatusPending {
		return job, nil
	}

	next, err := c.writer.apply(ctx, job, Cancelled{At: c.now()})
	if errors.Is(err, ErrStatusConflict) {
		// Picked up concurrently; the orchestrator will see the flag.
		return job, nil
	}
	if err != nil {
		return job, err
	}
	if err := c.flags.Clear(ctx, jobID); err != nil {
		c.logger.Warn().Str("job_id", jobID.String()).Err(err).Msg("Could not clear cancellation flag")
	}
	if ownsSource(next) {
		if err := c.blobs.Delete(ctx, next.SourceRef); err != nil {
			c.logger.Warn().Str("job_id", jobID.String()).Err(err).Msg("Could not delete source document")
		}
	}
	return next, nil
}
