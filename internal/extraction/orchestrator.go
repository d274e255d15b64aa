package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/conversion"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

// Defaults for PipelineConfig.
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultConversionTimeout = 15 * time.Minute
	DefaultAnalysisTimeout   = 6 * time.Minute

	// deadlineSlack covers store writes, blob I/O and polling jitter on top of
	// the conversion and analysis bounds.
	deadlineSlack = 5 * time.Minute
)

// Dependencies are the collaborators of the pipeline.
type Dependencies struct {
	Store     Store
	Blobs     BlobStore
	Converter Converter
	Analyzer  Analyzer
	Detector  LanguageDetector
	Flags     CancelSignal
	Logger    *observability.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// PipelineConfig tunes polling and batching.
type PipelineConfig struct {
	PollInterval      time.Duration
	ConversionTimeout time.Duration
	BatchSize         int
	// AnalysisTimeout bounds a single image analysis, retries included.
	AnalysisTimeout time.Duration
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ConversionTimeout <= 0 {
		c.ConversionTimeout = DefaultConversionTimeout
	}
	if c.BatchSize < 1 {
		c.BatchSize = DefaultBatchSize
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = DefaultAnalysisTimeout
	}
	return c
}

// deadline bounds a whole run of a job with cfg: the conversion ceiling plus
// one analysis budget per image batch.
func (c PipelineConfig) deadline(cfg JobConfig) time.Duration {
	d := c.ConversionTimeout + deadlineSlack
	if cfg.EnableImageAnalysis && cfg.MaxImages > 0 {
		batches := (cfg.MaxImages + c.BatchSize - 1) / c.BatchSize
		d += time.Duration(batches) * c.AnalysisTimeout
	}
	return d
}

// Orchestrator owns a job from pickup to a terminal state.
type Orchestrator struct {
	store     Store
	blobs     BlobStore
	converter Converter
	flags     CancelSignal
	writer    *jobWriter
	assembler *Assembler
	batches   *BatchProcessor
	cfg       PipelineConfig
	logger    *observability.Logger
	now       func() time.Time
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(deps Dependencies, cfg PipelineConfig) *Orchestrator {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.WithOperation("extraction")
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	writer := &jobWriter{store: deps.Store, logger: logger, now: now}
	return &Orchestrator{
		store:     deps.Store,
		blobs:     deps.Blobs,
		converter: deps.Converter,
		flags:     deps.Flags,
		writer:    writer,
		assembler: &Assembler{blobs: deps.Blobs, detector: deps.Detector, logger: logger, now: now},
		batches: &BatchProcessor{
			analyzer:    deps.Analyzer,
			blobs:       deps.Blobs,
			store:       deps.Store,
			flags:       deps.Flags,
			writer:      writer,
			batchSize:   cfg.BatchSize,
			callTimeout: cfg.AnalysisTimeout,
			logger:      logger,
			now:         now,
		},
		cfg:    cfg,
		logger: logger,
		now:    now,
	}
}

// Run drives a pending job to completed, failed or cancelled. Stage errors are
// recorded on the job rather than returned; the returned error only reports
// that the job could not be loaded or its terminal state not persisted.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) error {
	log := o.logger.WithJob(jobID.String())

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != StatusPending {
		log.Info().Str("status", string(job.Status)).Msg("Skipping job that is no longer pending")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.deadline(job.Config))
	defer cancel()

	if o.cancelRequested(ctx, job) {
		return o.finish(ctx, job, errCancelled)
	}

	job, err = o.writer.apply(ctx, job, Started{At: o.now()})
	if errors.Is(err, ErrStatusConflict) {
		log.Info().Msg("Job changed status before start, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	out, err := o.convert(ctx, job)
	if err != nil {
		return o.finish(ctx, job, err)
	}

	result, analyzable, err := o.assembler.Assemble(ctx, job, out)
	if err != nil {
		return o.finish(ctx, job, err)
	}
	if err := o.store.CreateResult(ctx, result); err != nil {
		return o.finish(ctx, job, StorageError("persist extraction result", err))
	}

	job, err = o.writer.apply(ctx, job, ConversionSucceeded{ImagesToAnalyze: len(analyzable), At: o.now()})
	if err != nil {
		return o.finish(ctx, job, err)
	}
	log.Info().
		Int("images", result.ImagesFound).
		Int("analyzable", len(analyzable)).
		Int("tables", result.TablesFound).
		Int("pages", result.PageCount).
		Msg("Conversion finished")

	if job.Status == StatusPartial {
		job, err = o.batches.Process(ctx, job, result, analyzable)
		if err != nil {
			return o.finish(ctx, job, err)
		}
	}

	o.release(ctx, job)
	return nil
}

// convert submits the source document and polls until the service finishes,
// the ceiling passes or cancellation is requested.
func (o *Orchestrator) convert(ctx context.Context, job *Job) (*conversion.Output, error) {
	rc, err := o.blobs.Open(ctx, job.SourceRef)
	if err != nil {
		return nil, StorageError("open source document", err)
	}
	handle, err := o.converter.Submit(ctx, conversion.Document{Name: job.SourceName, Body: rc}, conversion.Options{
		ForceOCR:               job.Config.ForceFullReprocess,
		StripExistingOCR:       job.Config.ForceFullReprocess,
		DisableImageExtraction: !job.Config.EnableImageAnalysis,
	})
	rc.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, UpstreamError("submit document for conversion", err)
	}

	started := o.now()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		res, err := o.converter.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, UpstreamError("document conversion failed", err)
		}
		if o.cancelRequested(ctx, job) {
			return nil, errCancelled
		}
		if res.Done {
			return res.Output, nil
		}

		elapsed := o.now().Sub(started)
		if elapsed >= o.cfg.ConversionTimeout {
			return nil, TimeoutError(fmt.Sprintf("document conversion did not finish within %s", o.cfg.ConversionTimeout), nil)
		}
		next, err := o.writer.apply(ctx, job, ProgressAdvanced{
			Progress: ConversionProgress(elapsed, o.cfg.ConversionTimeout),
			Stage:    fmt.Sprintf("converting document (%s elapsed)", elapsed.Truncate(time.Second)),
		})
		if err != nil {
			return nil, err
		}
		*job = *next
	}
}

// cancelRequested reads the cancellation flag. A flag that cannot be read is
// treated as not raised.
func (o *Orchestrator) cancelRequested(ctx context.Context, job *Job) bool {
	raised, err := o.flags.IsRaised(ctx, job.ID)
	if err != nil {
		o.logger.Warn().Str("job_id", job.ID.String()).Err(err).Msg("Could not read cancellation flag")
		return false
	}
	return raised
}

// finish moves the job to cancelled or failed according to cause. It writes
// with a context detached from ctx so a timed-out job still records why.
func (o *Orchestrator) finish(ctx context.Context, job *Job, cause error) error {
	log := o.logger.WithJob(job.ID.String())
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if errors.Is(cause, ErrStatusConflict) {
		log.Warn().Err(cause).Msg("Job modified concurrently, abandoning run")
		return nil
	}

	var ev Event
	if errors.Is(cause, errCancelled) {
		ev = Cancelled{At: o.now()}
	} else {
		ev = Failed{Message: failureMessage(cause), At: o.now()}
		log.Error().Str("kind", string(KindOf(cause))).Err(cause).Msg("Extraction failed")
	}

	// The latest stored status is the CAS baseline; a stale in-memory copy
	// would make the update conflict.
	current, err := o.store.GetJob(wctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	next, err := o.writer.apply(wctx, current, ev)
	if err != nil {
		if errors.Is(err, ErrNotCancellable) || errors.Is(err, ErrStatusConflict) {
			log.Info().Str("status", string(current.Status)).Msg("Job already terminal")
			return nil
		}
		return fmt.Errorf("record %s: %w", cause, err)
	}
	o.release(wctx, next)
	return nil
}

// release frees per-job resources once the job is terminal. The source document
// of a failed job is kept while a retry is still possible, and documents the
// job does not own are never deleted.
func (o *Orchestrator) release(ctx context.Context, job *Job) {
	if !job.Status.IsTerminal() {
		return
	}
	if err := o.flags.Clear(ctx, job.ID); err != nil {
		o.logger.Warn().Str("job_id", job.ID.String()).Err(err).Msg("Could not clear cancellation flag")
	}
	if job.Status == StatusFailed && job.RetryCount < job.MaxRetries || !ownsSource(job) {
		return
	}
	if err := o.blobs.Delete(ctx, job.SourceRef); err != nil {
		o.logger.Warn().Str("job_id", job.ID.String()).Err(err).Msg("Could not delete source document")
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "job exceeded its processing time limit"
	case errors.Is(err, context.Canceled):
		return "job interrupted by shutdown"
	default:
		return err.Error()
	}
}
