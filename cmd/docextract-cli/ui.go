package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
)

// UI provides user-friendly output utilities.
type UI struct {
	out      io.Writer
	err      io.Writer
	jsonMode bool
}

// NewUI creates a new UI instance.
func NewUI(out, err io.Writer, jsonMode bool) *UI {
	return &UI{out: out, err: err, jsonMode: jsonMode}
}

// Success prints a success message.
func (ui *UI) Success(format string, args ...any) {
	if ui.jsonMode {
		return
	}
	color.New(color.FgGreen).Fprintf(ui.out, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Info prints an info message.
func (ui *UI) Info(format string, args ...any) {
	if ui.jsonMode {
		return
	}
	color.New(color.FgCyan).Fprintf(ui.out, "ℹ %s\n", fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (ui *UI) Warning(format string, args ...any) {
	if ui.jsonMode {
		return
	}
	color.New(color.FgYellow).Fprintf(ui.err, "⚠ %s\n", fmt.Sprintf(format, args...))
}

// JSON writes v as indented JSON.
func (ui *UI) JSON(v any) error {
	enc := json.NewEncoder(ui.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusColors = map[extraction.JobStatus]*color.Color{
	extraction.StatusPending:    color.New(color.FgWhite),
	extraction.StatusProcessing: color.New(color.FgBlue),
	extraction.StatusPartial:    color.New(color.FgCyan),
	extraction.StatusCompleted:  color.New(color.FgGreen, color.Bold),
	extraction.StatusFailed:     color.New(color.FgRed, color.Bold),
	extraction.StatusCancelled:  color.New(color.FgYellow),
}

// Status renders a job status in its color.
func Status(s extraction.JobStatus) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

// Job prints a job summary.
func (ui *UI) Job(job *extraction.Job) {
	fmt.Fprintf(ui.out, "Job:       %s\n", job.ID)
	fmt.Fprintf(ui.out, "Status:    %s\n", Status(job.Status))
	fmt.Fprintf(ui.out, "Progress:  %d%%\n", job.Progress)
	if job.Stage != "" {
		fmt.Fprintf(ui.out, "Stage:     %s\n", job.Stage)
	}
	if job.SourceName != "" {
		fmt.Fprintf(ui.out, "Source:    %s\n", job.SourceName)
	}
	fmt.Fprintf(ui.out, "Retries:   %d/%d\n", job.RetryCount, job.MaxRetries)
	if job.ErrorMessage != "" {
		fmt.Fprintf(ui.out, "Error:     %s\n", color.RedString(job.ErrorMessage))
	}
}

// Result prints the counters of an extraction result.
func (ui *UI) Result(r *extraction.ExtractionResult) {
	fmt.Fprintf(ui.out, "Images:    %d found, %d analyzed, %d charts\n", r.ImagesFound, len(r.ImageAnalyses), r.ChartsDetected)
	fmt.Fprintf(ui.out, "Tables:    %d\n", r.TablesFound)
	if r.PageCount > 0 {
		fmt.Fprintf(ui.out, "Pages:     %d\n", r.PageCount)
	}
	if r.Language != "" {
		fmt.Fprintf(ui.out, "Language:  %s\n", r.Language)
	}
	fmt.Fprintf(ui.out, "Time:      %s\n", time.Duration(r.ProcessingTimeMs)*time.Millisecond)
}

// Jobs prints one line per job.
func (ui *UI) Jobs(jobs []*extraction.Job) {
	if len(jobs) == 0 {
		ui.Info("No jobs found")
		return
	}
	fmt.Fprintf(ui.out, "%-36s  %-10s  %4s  %-19s  %s\n", "ID", "STATUS", "PROG", "CREATED", "SOURCE")
	fmt.Fprintln(ui.out, strings.Repeat("─", 96))
	for _, j := range jobs {
		// pad before coloring so escape codes do not break alignment
		status := fmt.Sprintf("%-10s", j.Status)
		status = strings.Replace(status, string(j.Status), Status(j.Status), 1)
		fmt.Fprintf(ui.out, "%-36s  %s  %3d%%  %-19s  %s\n",
			j.ID, status, j.Progress, j.CreatedAt.Local().Format("2006-01-02 15:04:05"), j.SourceName)
	}
}

// Spinner starts a spinner on stderr. It renders only on a terminal.
func (ui *UI) Spinner(message string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(ui.err))
	s.Suffix = " " + message
	if !ui.jsonMode {
		s.Start()
	}
	return s
}

// ProgressBar creates a 0..100 bar for a single job.
func (ui *UI) ProgressBar(description string) *progressbar.ProgressBar {
	w := ui.err
	if ui.jsonMode {
		w = io.Discard
	}
	return progressbar.NewOptions(100,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
}

// MultiProgress creates a container for one bar per watched job.
func (ui *UI) MultiProgress() *mpb.Progress {
	w := ui.err
	if ui.jsonMode {
		w = io.Discard
	}
	return mpb.New(mpb.WithOutput(w), mpb.WithWidth(48), mpb.WithRefreshRate(150*time.Millisecond))
}

// JobBar adds a 0..100 bar whose suffix shows the job's current status.
func JobBar(p *mpb.Progress, name string, status func() string) *mpb.Bar {
	return p.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			decor.Percentage(decor.WC{W: 5}),
		),
		mpb.AppendDecorators(
			decor.Any(func(decor.Statistics) string { return status() }, decor.WC{W: 12}),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 8}),
		),
	)
}
