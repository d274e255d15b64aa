package extraction

import (
	"fmt"
	"time"
)

// Event is something that happened to a job. Transition applies it.
type Event interface {
	apply(job Job) (Job, error)
}

// Transition returns the job that results from applying ev to job. It never
// mutates its input and has no side effects, so every rule of the lifecycle can
// be tested on plain values.
func Transition(job Job, ev Event) (Job, error) {
	next, err := ev.apply(*job.Clone())
	if err != nil {
		return job, err
	}
	return next, nil
}

func invalidTransition(job Job, ev string) error {
	return newError(KindConflict,
		fmt.Sprintf("cannot apply %s to job in status %s", ev, job.Status), nil)
}

// Started is emitted when a worker picks up a pending job.
type Started struct {
	At time.Time
}

func (e Started) apply(job Job) (Job, error) {
	if job.Status != StatusPending {
		return job, invalidTransition(job, "start")
	}
	at := e.At
	job.Status = StatusProcessing
	job.StartedAt = &at
	job.CompletedAt = nil
	job.ErrorMessage = ""
	job.Progress = max(job.Progress, ProgressStarted)
	job.Stage = "submitting document for conversion"
	return job, nil
}

// ProgressAdvanced reports work done inside the current state. Progress never
// moves backwards; a lower value only updates the stage.
type ProgressAdvanced struct {
	Progress int
	Stage    string
}

func (e ProgressAdvanced) apply(job Job) (Job, error) {
	if job.Status != StatusProcessing && job.Status != StatusPartial {
		return job, invalidTransition(job, "progress")
	}
	p := min(max(e.Progress, 0), ProgressDone)
	job.Progress = max(job.Progress, p)
	if e.Stage != "" {
		job.Stage = e.Stage
	}
	return job, nil
}

// ConversionSucceeded is emitted once the conversion output is persisted.
// ImagesToAnalyze is the number of images the batch processor would receive.
type ConversionSucceeded struct {
	ImagesToAnalyze int
	At              time.Time
}

func (e ConversionSucceeded) apply(job Job) (Job, error) {
	if job.Status != StatusProcessing {
		return job, invalidTransition(job, "conversion success")
	}
	if job.Config.EnableImageAnalysis && e.ImagesToAnalyze > 0 {
		job.Status = StatusPartial
		job.Progress = max(job.Progress, ProgressConverted)
		job.Stage = fmt.Sprintf("text ready, analyzing %d images", e.ImagesToAnalyze)
		return job, nil
	}
	return complete(job, e.At), nil
}

// AnalysisFinished is emitted after the last image batch.
type AnalysisFinished struct {
	At time.Time
}

func (e AnalysisFinished) apply(job Job) (Job, error) {
	if job.Status != StatusPartial {
		return job, invalidTransition(job, "analysis finished")
	}
	return complete(job, e.At), nil
}

func complete(job Job, at time.Time) Job {
	job.Status = StatusCompleted
	job.Progress = ProgressDone
	job.Stage = "completed"
	job.CompletedAt = &at
	return job
}

// Failed records an unrecoverable error.
type Failed struct {
	Message string
	At      time.Time
}

func (e Failed) apply(job Job) (Job, error) {
	if job.Status != StatusProcessing && job.Status != StatusPartial {
		return job, invalidTransition(job, "failure")
	}
	at := e.At
	job.Status = StatusFailed
	job.ErrorMessage = e.Message
	if job.ErrorMessage == "" {
		job.ErrorMessage = "extraction failed"
	}
	job.Stage = "failed"
	job.CompletedAt = &at
	return job, nil
}

// Cancelled records that a cancellation request was observed.
type Cancelled struct {
	At time.Time
}

func (e Cancelled) apply(job Job) (Job, error) {
	if job.Status.IsTerminal() {
		return job, ErrNotCancellable
	}
	at := e.At
	job.Status = StatusCancelled
	job.Stage = "cancelled"
	job.CompletedAt = &at
	return job, nil
}

// Retried puts a failed job back in the queue.
type Retried struct{}

func (Retried) apply(job Job) (Job, error) {
	if job.Status != StatusFailed {
		return job, newError(KindRetryExhausted,
			fmt.Sprintf("only failed jobs can be retried, job is %s", job.Status), nil)
	}
	if job.RetryCount >= job.MaxRetries {
		return job, newError(KindRetryExhausted,
			fmt.Sprintf("retry limit reached (%d of %d)", job.RetryCount, job.MaxRetries), nil)
	}
	job.RetryCount++
	job.Status = StatusPending
	job.Progress = 0
	job.Stage = "queued for retry"
	job.ErrorMessage = ""
	job.CompletedAt = nil
	return job, nil
}
