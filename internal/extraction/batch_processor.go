package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/vision"
)

// DefaultBatchSize is the number of images analyzed concurrently.
const DefaultBatchSize = 3

// errCancelled signals that a cancellation request was observed at a safe point.
var errCancelled = errors.New("cancellation requested")

// BatchProcessor runs vision analysis over a partial job's images in
// fixed-size concurrent batches. A failing image never aborts the batch.
type BatchProcessor struct {
	analyzer    Analyzer
	blobs       BlobStore
	store       Store
	flags       CancelSignal
	writer      *jobWriter
	batchSize   int
	callTimeout time.Duration
	logger      *observability.Logger
	now         func() time.Time
}

// Process analyzes images and drives job from partial to completed. Results are
// persisted after every batch; a cancellation observed between batches stops
// the loop and discards the batch that was in flight.
func (b *BatchProcessor) Process(ctx context.Context, job *Job, result *ExtractionResult, images []ImageRef) (*Job, error) {
	log := b.logger.WithJob(job.ID.String())
	total := len(images)
	batches := chunk(images, b.batchSize)

	for i, batch := range batches {
		if err := b.checkpoint(ctx, job); err != nil {
			return job, err
		}

		analyses := b.runBatch(ctx, batch)

		if err := b.checkpoint(ctx, job); err != nil {
			log.Info().Int("batch", i+1).Int("discarded", len(analyses)).Msg("Discarding batch results")
			return job, err
		}

		result.ImageAnalyses = append(result.ImageAnalyses, analyses...)
		result.recount()
		result.UpdatedAt = b.now()
		if job.StartedAt != nil {
			result.ProcessingTimeMs = result.UpdatedAt.Sub(*job.StartedAt).Milliseconds()
		}
		if err := b.store.UpdateResult(ctx, result); err != nil {
			return job, StorageError("persist image analyses", err)
		}

		processed := len(result.ImageAnalyses)
		next, err := b.writer.apply(ctx, job, ProgressAdvanced{
			Progress: BatchProgress(processed, total),
			Stage:    fmt.Sprintf("analyzing images: batch %d/%d (%d/%d)", i+1, len(batches), processed, total),
		})
		if err != nil {
			return job, err
		}
		job = next

		log.Debug().
			Int("batch", i+1).
			Int("batches", len(batches)).
			Int("charts", result.ChartsDetected).
			Msg("Image batch analyzed")
	}

	return b.writer.apply(ctx, job, AnalysisFinished{At: b.now()})
}

// checkpoint is a safe point: it reports context cancellation and cancellation
// requests. A flag that cannot be read is treated as not raised.
func (b *BatchProcessor) checkpoint(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raised, err := b.flags.IsRaised(ctx, job.ID)
	if err != nil {
		b.logger.Warn().Str("job_id", job.ID.String()).Err(err).Msg("Could not read cancellation flag")
		return nil
	}
	if raised {
		return errCancelled
	}
	return nil
}

// runBatch analyzes one batch concurrently. Results keep the input order.
func (b *BatchProcessor) runBatch(ctx context.Context, batch []ImageRef) []ImageAnalysisResult {
	results := make([]ImageAnalysisResult, len(batch))
	var wg sync.WaitGroup
	for i, img := range batch {
		wg.Add(1)
		go func(i int, img ImageRef) {
			defer wg.Done()
			results[i] = b.analyzeOne(ctx, img)
		}(i, img)
	}
	wg.Wait()
	return results
}

func (b *BatchProcessor) analyzeOne(ctx context.Context, img ImageRef) (res ImageAnalysisResult) {
	res.ImageName = img.Name
	defer func() {
		if r := recover(); r != nil {
			res = ImageAnalysisResult{ImageName: img.Name, Error: fmt.Sprintf("analysis panicked: %v", r)}
		}
		if res.Error != "" {
			b.logger.Warn().Str("image", img.Name).Str("error", res.Error).Msg("Image analysis failed")
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	data, err := b.readImage(callCtx, img.Ref)
	if err != nil {
		res.Error = fmt.Sprintf("read image: %v", err)
		return res
	}

	a, err := b.analyzer.Analyze(callCtx, vision.Image{Name: img.Name, Data: data})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.Error = fmt.Sprintf("analysis timed out after %s", b.callTimeout)
		} else {
			res.Error = err.Error()
		}
		return res
	}

	res.IsChart = a.IsGraph
	res.ChartType = a.GraphType
	res.Explanation = a.Reason
	res.ReconstructionCode = a.PythonCode
	res.ExtractedData = a.Data
	res.Assumptions = a.Assumptions
	return res
}

func (b *BatchProcessor) readImage(ctx context.Context, ref string) ([]byte, error) {
	rc, err := b.blobs.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func chunk(images []ImageRef, size int) [][]ImageRef {
	if size < 1 {
		size = DefaultBatchSize
	}
	var out [][]ImageRef
	for start := 0; start < len(images); start += size {
		out = append(out, images[start:min(start+size, len(images))])
	}
	return out
}
