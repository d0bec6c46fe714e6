package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/glosa-engine/processor"
	"github.com/warp/glosa-engine/tracking"
)

func newApplyCmd() *cobra.Command {
	var (
		outDir  string
		inPlace bool
		workers int
	)
	cmd := &cobra.Command{
		Use:   "apply [paths...]",
		Short: "Apply the rule catalog to files or directories",
		Long: `Applies every active rule to each document. Directories are scanned
recursively for .xml, .051 and .zip files. Only documents that changed are
written, either into --out or over the input with --in-place.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("out") {
				cfg.Output.Dir = outDir
			}
			if cmd.Flags().Changed("in-place") {
				cfg.Output.InPlace = inPlace
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			return runApply(cmd, args)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default output.dir)")
	cmd.Flags().BoolVar(&inPlace, "in-place", false, "overwrite input files")
	cmd.Flags().IntVar(&workers, "workers", 0, "documents processed in parallel (default workers)")
	return cmd
}

func runApply(cmd *cobra.Command, args []string) error {
	paths, err := processor.Discover(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("no documents found")
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	p := processor.New(a.engine, a.parser,
		processor.WithOutputDir(cfg.Output.Dir),
		processor.WithInPlace(cfg.Output.InPlace),
		processor.WithWorkers(cfg.Workers),
		processor.WithLogger(logger),
		processor.WithExecutionLog(a.store),
		processor.WithExecutionEnd(a.recorder.EndExecution))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	batch, err := p.Batch(ctx, paths)
	if err != nil {
		return err
	}

	records, err := a.store.ListRecords(context.Background(), batch.ExecutionID)
	if err != nil {
		return err
	}
	printBatch(cmd.OutOrStdout(), batch, tracking.Summarize(batch.ExecutionID, records))

	if batch.Failed > 0 {
		return fmt.Errorf("%d of %d document(s) failed", batch.Failed, len(batch.Documents))
	}
	return nil
}

func printBatch(w io.Writer, batch *processor.BatchResult, sum tracking.Summary) {
	for _, d := range batch.Documents {
		switch {
		case d.Err != nil:
			fmt.Fprintf(w, "FAIL  %s: %v\n", d.Path, d.Err)
		case d.Modified:
			fmt.Fprintf(w, "FIXED %s -> %s (%d change(s))\n", d.Path, d.Output, d.Result.Changes())
		default:
			fmt.Fprintf(w, "OK    %s\n", d.Path)
		}
		if d.Result != nil {
			for _, al := range d.Result.Alerts {
				fmt.Fprintf(w, "      alert %s: %s\n", al.RuleID, al.Message)
			}
		}
	}
	fmt.Fprintf(w, "\nexecution %s: %d document(s), %d corrected, %d failed\n",
		batch.ExecutionID, len(batch.Documents), batch.Modified, batch.Failed)
	fmt.Fprintf(w, "tracked corrections: %d, counted: %d, estimated savings: %s\n",
		sum.Records, sum.Counted, sum.Savings.StringFixed(2))
}
