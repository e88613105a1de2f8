package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/volume"
)

// openVolume mounts the volume at path, which replays its log if needed.
func openVolume(path string, blockSize uint64, readOnly bool) (disk.Disk, *volume.Volume, error) {
	d, err := disk.NewFileDisk(path, 0, blockSize)
	if err != nil {
		return nil, nil, err
	}
	cfg := volume.DefaultConfig()
	cfg.ReadOnly = readOnly
	v, err := volume.Mount(d, cfg)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, v, nil
}

// NewReplayCmd creates the replay subcommand.
func NewReplayCmd() *cobra.Command {
	var blockSize uint64

	cmd := &cobra.Command{
		Use:   "replay PATH",
		Short: "Replay the log of a volume",
		Long: `Mount the volume, replaying every transaction still in its log, and
unmount it again, leaving it clean.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, v, err := openVolume(args[0], blockSize, false)
			if err != nil {
				return err
			}
			defer d.Close()
			sb := v.SuperBlock()
			if err := v.Unmount(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%q is clean, log at %d\n", sb.Name, sb.LogStart)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&blockSize, "block-size", 2048, "Block size in bytes")

	return cmd
}
