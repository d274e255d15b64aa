package extraction

import (
	"context"
	"time"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

// jobWriter applies events and persists the outcome with a compare-and-set on
// the previous status.
type jobWriter struct {
	store  Store
	logger *observability.Logger
	now    func() time.Time
}

func (w *jobWriter) apply(ctx context.Context, job *Job, ev Event) (*Job, error) {
	next, err := Transition(*job, ev)
	if err != nil {
		return job, err
	}
	next.UpdatedAt = w.now()
	if err := w.store.UpdateJob(ctx, &next, job.Status); err != nil {
		return job, err
	}
	if next.Status != job.Status {
		w.logger.Info().
			Str("job_id", job.ID.String()).
			Str("from", string(job.Status)).
			Str("to", string(next.Status)).
			Int("progress", next.Progress).
			Msg("Job state changed")
	}
	return &next, nil
}
