package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// BuildDate and Version can be set at build time via ldflags.
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigDir string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - tracking server to scene bridge",
		Long: `Conduit keeps the tokens of a virtual tabletop scene in step with the
physical markers reported by a camera tracking server.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config-dir", ".", "directory containing "+configFileName())

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conduit %s (built %s)\n", Version, BuildDate)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
