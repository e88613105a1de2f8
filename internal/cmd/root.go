package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mit-pdos/bfs-journal/util"
)

// NewRootCmd creates the root command of the bfsjournal CLI and attaches
// its subcommands.
func NewRootCmd() *cobra.Command {
	var debug uint64

	rootCmd := &cobra.Command{
		Use:   "bfsjournal",
		Short: "bfsjournal - inspect and exercise BFS-style journaled volumes",
		Long: `bfsjournal works on volumes laid out like BFS: a superblock in block 0
and a circular write-ahead log of block changes.

Use subcommands to perform different operations:
  - mkfs: Create an empty volume in a file or on a device
  - replay: Replay the log of a volume that was not cleanly unmounted
  - status: Show the superblock and journal state of a volume
  - bench: Run transactions against a volume and report disk latencies`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.Debug = debug
		},
	}
	rootCmd.PersistentFlags().Uint64Var(&debug, "debug", 0, "Debug verbosity (0 logs only failures)")

	groupVolume := "volume"
	groupUtilities := "utilities"

	rootCmd.AddGroup(&cobra.Group{
		ID:    groupVolume,
		Title: "Volume Operations",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    groupUtilities,
		Title: "Utility Commands",
	})

	mkfsCmd := NewMkfsCmd()
	replayCmd := NewReplayCmd()
	statusCmd := NewStatusCmd()
	benchCmd := NewBenchCmd()

	mkfsCmd.GroupID = groupVolume
	replayCmd.GroupID = groupVolume
	statusCmd.GroupID = groupVolume
	benchCmd.GroupID = groupUtilities

	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(benchCmd)

	return rootCmd
}
