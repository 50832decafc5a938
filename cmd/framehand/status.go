package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend link state and catalog statistics",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, cleanup, err := newApp()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := app.mgr.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stdout, "Backend:  unreachable (%v)\n", err)
	} else if info, ok := app.mgr.ServerInfo(); ok {
		fmt.Fprintf(os.Stdout, "Backend:  %s %s\n", info.Name, info.Version)
	}
	fmt.Fprintf(os.Stdout, "State:    %s\n", app.mgr.State())
	fmt.Fprintf(os.Stdout, "Tools:    %d\n", len(app.mgr.Tools()))

	stats := app.reg.Stats()
	fmt.Fprintf(os.Stdout, "Elements: %d (%d recent, capacity %d)\n",
		stats.Total, stats.RecentCount, stats.RecentCapacity)
	types := make([]string, 0, len(stats.ByType))
	for typ := range stats.ByType {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		fmt.Fprintf(os.Stdout, "  %-14s %d\n", typ, stats.ByType[typ])
	}
	return nil
}
