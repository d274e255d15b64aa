package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
)

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch JOB_ID...",
		Short: "Follow one or more jobs until they finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), args)
		},
	}
}

func (a *app) watch(ctx context.Context, ids []string) error {
	progress := a.ui.MultiProgress()
	finals := make([]*extraction.Job, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		var status atomic.Value
		status.Store("")
		bar := JobBar(progress, shortID(id), func() string { return status.Load().(string) })

		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := a.follow(ctx, id, func(j *extraction.Job) {
				status.Store(string(j.Status))
				bar.SetCurrent(int64(j.Progress))
			})
			finals[i], errs[i] = job, err
			if err != nil || job.Status != extraction.StatusCompleted {
				bar.Abort(false)
				return
			}
			bar.SetTotal(-1, true)
		}()
	}
	wg.Wait()
	progress.Wait()

	if a.opts.outputJSON {
		var out []*extraction.Job
		for _, j := range finals {
			if j != nil {
				out = append(out, j)
			}
		}
		if err := a.ui.JSON(out); err != nil {
			return err
		}
	}

	var failed int
	for i, id := range ids {
		switch {
		case errs[i] != nil:
			failed++
			a.ui.Warning("%s: %v", id, errs[i])
		case finals[i].Status != extraction.StatusCompleted:
			failed++
			if finals[i].ErrorMessage != "" {
				a.ui.Warning("%s %s: %s", id, Status(finals[i].Status), finals[i].ErrorMessage)
			} else {
				a.ui.Warning("%s %s", id, Status(finals[i].Status))
			}
		default:
			a.ui.Success("%s %s", id, Status(finals[i].Status))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not complete", failed, len(ids))
	}
	return nil
}

// follow polls one job until it is terminal, reporting each observation.
func (a *app) follow(ctx context.Context, id string, observe func(*extraction.Job)) (*extraction.Job, error) {
	ticker := time.NewTicker(a.opts.interval)
	defer ticker.Stop()
	for {
		resp, err := a.rpc.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		observe(resp.Job)
		if resp.Job.Status.IsTerminal() {
			return resp.Job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
