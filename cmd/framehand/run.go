package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"framehand/internal/dispatch"
	"framehand/internal/history"
)

func runCmd() *cobra.Command {
	var transfer string
	var element string
	var exportRun string
	cmd := &cobra.Command{
		Use:   "run <task-file|->",
		Short: "Dispatch a task script through a fresh worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], transfer, element, exportRun)
		},
	}
	cmd.Flags().StringVar(&transfer, "transfer", "", "Seed the run from a previously exported run log")
	cmd.Flags().StringVar(&element, "element", "", "Narrow --transfer to steps touching one element id")
	cmd.Flags().StringVar(&exportRun, "export-run", "", "Write the finished run log to this file")
	return cmd
}

func runRun(cmd *cobra.Command, path, transfer, element, exportRun string) error {
	ctx := context.Background()

	task, err := readTask(path)
	if err != nil {
		return err
	}

	app, cleanup, err := newApp()
	if err != nil {
		return err
	}
	defer cleanup()

	var seed *history.RunLog
	if transfer != "" {
		seed, err = history.LoadRunFile(transfer)
		if err != nil {
			return err
		}
	}

	d := dispatch.New(app.mgr, app.reg, app.tracker, dispatch.NewReplayWorker(), dispatch.Options{
		Sink: app.sink,
		Log:  app.log,
	})

	var rep *dispatch.Report
	if seed != nil {
		rep, err = d.DispatchSeeded(ctx, task, seed, element)
	} else {
		rep, err = d.Dispatch(ctx, task)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Task %s finished.\n", rep.TaskID)
	fmt.Fprintf(os.Stdout, "  Run:     %s\n", rep.RunID)
	fmt.Fprintf(os.Stdout, "  Mode:    %s\n", rep.Mode)
	fmt.Fprintf(os.Stdout, "  Steps:   %d\n", rep.Steps)
	if rep.Outcome != nil {
		fmt.Fprintf(os.Stdout, "  Outcome: %s\n", rep.Outcome.Summary)
	}
	printDigest(app, rep.History)

	if exportRun != "" {
		if err := history.SaveRunFile(rep.History, exportRun); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Run log written to %s.\n", exportRun)
	}
	return nil
}

// printDigest summarizes which elements the run touched and how often they
// were re-touched after their first capture.
func printDigest(app *app, run *history.RunLog) {
	counts := history.ChangeCounts(run)
	if len(counts) == 0 {
		return
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintln(os.Stdout, "Touched elements:")
	for _, id := range ids {
		fmt.Fprintf(os.Stdout, "  %-14s %d updates\n", id, counts[id])
	}
}

func readTask(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read task from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read task file: %w", err)
	}
	return string(data), nil
}
