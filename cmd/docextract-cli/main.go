// Package main provides the docextract command line client.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/api/rpc"
)

type options struct {
	server     string
	owner      string
	outputJSON bool
	noColor    bool
	interval   time.Duration
}

type app struct {
	opts options
	http *http.Client
	rpc  *rpc.Client
	rest *restClient
	ui   *UI
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "docextract",
		Short: "Submit documents for extraction and follow their jobs",
		Long: `docextract talks to a running extraction API.

Use this tool to:
- Submit PDFs and other documents for conversion and image analysis
- Watch job progress until a terminal state
- Retry failed jobs and cancel running ones
- Download extracted tables as an XLSX workbook

All read commands support --json for automation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.opts.noColor {
				color.NoColor = true
			}
			if a.http == nil {
				a.http = &http.Client{Timeout: 5 * time.Minute}
			}
			a.rpc = rpc.NewClient(a.http, a.opts.server, a.opts.owner)
			a.rest = newRESTClient(a.http, a.opts.server, a.opts.owner)
			a.ui = NewUI(cmd.OutOrStdout(), cmd.ErrOrStderr(), a.opts.outputJSON)
			return nil
		},
	}

	defServer := os.Getenv("DOCEXTRACT_SERVER")
	if defServer == "" {
		defServer = "http://localhost:8090"
	}
	root.PersistentFlags().StringVarP(&a.opts.server, "server", "s", defServer, "extraction API base URL")
	root.PersistentFlags().StringVarP(&a.opts.owner, "owner", "u", os.Getenv("DOCEXTRACT_OWNER"), "caller identity sent as X-User-ID")
	root.PersistentFlags().BoolVar(&a.opts.outputJSON, "json", false, "output in JSON format")
	root.PersistentFlags().BoolVar(&a.opts.noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().DurationVar(&a.opts.interval, "interval", time.Second, "polling interval for --wait and watch")

	root.AddCommand(
		a.submitCmd(),
		a.statusCmd(),
		a.listCmd(),
		a.retryCmd(),
		a.cancelCmd(),
		a.watchCmd(),
		a.tablesCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
