package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/api/rpc"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
)

func (a *app) submitCmd() *cobra.Command {
	var (
		opts    submitOptions
		noImage bool
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "submit [FILE]",
		Short: "Submit a document for extraction",
		Long: `Upload FILE and create an extraction job. With --source-ref and no FILE,
the job reads a document already present in blob storage.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" && opts.SourceRef == "" {
				return errors.New("a FILE or --source-ref is required")
			}
			opts.EnableImageAnalysis = !noImage

			s := a.ui.Spinner("Uploading " + displayName(path, opts.SourceRef))
			job, err := a.rest.Submit(cmd.Context(), path, opts)
			s.Stop()
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}

			if !wait {
				if a.opts.outputJSON {
					return a.ui.JSON(job)
				}
				a.ui.Success("Job %s created (%s)", job.ID, Status(job.Status))
				return nil
			}

			final, err := a.waitForJob(cmd.Context(), job.ID.String())
			if err != nil {
				return err
			}
			if a.opts.outputJSON {
				return a.ui.JSON(final)
			}
			a.ui.Job(final.Job)
			if final.Result != nil {
				a.ui.Result(final.Result)
			}
			return exitStatus(final.Job)
		},
	}
	cmd.Flags().StringVarP(&opts.ProjectRef, "project", "p", "", "project reference")
	cmd.Flags().StringVar(&opts.SourceRef, "source-ref", "", "existing blob reference instead of an upload")
	cmd.Flags().BoolVar(&noImage, "no-images", false, "skip chart and image analysis")
	cmd.Flags().BoolVar(&opts.ForceFullReprocess, "force", false, "reprocess the document from scratch")
	cmd.Flags().IntVar(&opts.MaxImages, "max-images", 0, "maximum images to analyze (0 = server default)")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", -1, "retry budget for the job (-1 = server default)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	return cmd
}

// waitForJob polls until the job reaches a terminal state.
func (a *app) waitForJob(ctx context.Context, jobID string) (*rpc.GetJobResponse, error) {
	bar := a.ui.ProgressBar(shortID(jobID))
	ticker := time.NewTicker(a.opts.interval)
	defer ticker.Stop()

	for {
		resp, err := a.rpc.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		bar.Describe(fmt.Sprintf("%s %-10s", shortID(jobID), resp.Job.Status))
		_ = bar.Set(resp.Job.Progress)
		if resp.Job.Status.IsTerminal() {
			_ = bar.Finish()
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job and its result counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.rpc.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.opts.outputJSON {
				return a.ui.JSON(resp)
			}
			a.ui.Job(resp.Job)
			if resp.Result != nil {
				a.ui.Result(resp.Result)
			}
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var (
		project  string
		statuses []string
		limit    int32
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := a.rpc.ListJobs(cmd.Context(), &rpc.ListJobsRequest{
				ProjectRef: project,
				Statuses:   statuses,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if a.opts.outputJSON {
				return a.ui.JSON(resp)
			}
			a.ui.Jobs(resp.Jobs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only jobs of this project")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only jobs in these statuses")
	cmd.Flags().Int32VarP(&limit, "limit", "n", 0, "maximum jobs to return")
	return cmd
}

func (a *app) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Re-queue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.rpc.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.opts.outputJSON {
				return a.ui.JSON(resp)
			}
			a.ui.Success("Job %s re-queued (attempt %d of %d)", resp.Job.ID, resp.Job.RetryCount, resp.Job.MaxRetries)
			return nil
		},
	}
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.rpc.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.opts.outputJSON {
				return a.ui.JSON(resp)
			}
			if resp.Job.Status == extraction.StatusCancelled {
				a.ui.Success("Job %s cancelled", resp.Job.ID)
			} else {
				a.ui.Info("Cancellation requested; job %s stops at its next checkpoint", resp.Job.ID)
			}
			return nil
		},
	}
}

func (a *app) tablesCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "tables JOB_ID",
		Short: "Download the extracted tables as XLSX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = args[0] + "-tables.xlsx"
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := a.rest.DownloadTables(cmd.Context(), args[0], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(output)
				return fmt.Errorf("download tables: %w", err)
			}
			a.ui.Success("Wrote %s (%d bytes)", output, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default JOB_ID-tables.xlsx)")
	return cmd
}

// exitStatus turns a non-completed terminal job into an error.
func exitStatus(job *extraction.Job) error {
	switch job.Status {
	case extraction.StatusCompleted:
		return nil
	case extraction.StatusFailed:
		return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorMessage)
	default:
		return fmt.Errorf("job %s ended %s", job.ID, job.Status)
	}
}

func displayName(path, ref string) string {
	if path != "" {
		return path
	}
	return ref
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
