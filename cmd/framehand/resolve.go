package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <utterance>",
		Short: "Resolve a natural-language reference against the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, strings.Join(args, " "))
		},
	}
}

func runResolve(cmd *cobra.Command, utterance string) error {
	app, cleanup, err := newApp()
	if err != nil {
		return err
	}
	defer cleanup()

	ids := app.reg.Resolve(utterance)
	if len(ids) == 0 {
		fmt.Fprintln(os.Stdout, "no match")
		return nil
	}
	fmt.Fprintln(os.Stdout, strings.Join(ids, " "))
	return nil
}
