// Framehand: state continuity host for stateless design-task workers.
//
// Workers come and go per task; framehand keeps what they learned. It owns
// the element catalog, the per-run history logs, and the managed link to the
// external FrameCAD design backend, and degrades to cached reads when that
// backend is away.
//
// Usage:
//
//	framehand status            # Link state and catalog statistics
//	framehand run task.txt      # Dispatch a task script
//	framehand resolve "the beam"
package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "framehand",
		Short: "State continuity host for frame design tasks",
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the config file")
	root.AddCommand(statusCmd())
	root.AddCommand(toolsCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(snapshotCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".framehand", "config.yaml")
}
