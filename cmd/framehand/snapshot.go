package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"framehand/internal/registry"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import the element catalog",
	}
	cmd.AddCommand(snapshotExportCmd())
	cmd.AddCommand(snapshotImportCmd())
	return cmd
}

func snapshotExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write the catalog to a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotExport(cmd, args[0])
		},
	}
}

func runSnapshotExport(cmd *cobra.Command, path string) error {
	app, cleanup, err := newApp()
	if err != nil {
		return err
	}
	defer cleanup()

	snap := app.reg.Export()
	if err := snap.SaveFile(path); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Exported %d elements to %s.\n", len(snap.Elements), path)
	return nil
}

func snapshotImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the catalog with a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotImport(cmd, args[0])
		},
	}
}

func runSnapshotImport(cmd *cobra.Command, path string) error {
	app, cleanup, err := newApp()
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := registry.LoadSnapshotFile(path)
	if err != nil {
		return err
	}
	if err := app.reg.Import(snap); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Imported %d elements from %s.\n", app.reg.Stats().Total, path)
	return nil
}
