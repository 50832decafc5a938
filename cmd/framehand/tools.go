package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the operations the next task would receive",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	}
}

func runTools(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, cleanup, err := newApp()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := app.mgr.Connect(ctx); err != nil {
		app.log.Warn("backend unreachable, listing fallback operations", "error", err)
	}
	ops, mode := app.mgr.CurrentOperations(ctx)
	fmt.Fprintf(os.Stdout, "Mode: %s (%d operations)\n", mode, len(ops))
	for _, op := range ops {
		if op.Tool.Description != "" {
			fmt.Fprintf(os.Stdout, "  %-20s %s\n", op.Tool.Name, op.Tool.Description)
			continue
		}
		fmt.Fprintf(os.Stdout, "  %s\n", op.Tool.Name)
	}
	return nil
}
