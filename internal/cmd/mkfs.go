package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/volume"
)

// NewMkfsCmd creates the mkfs subcommand, which writes a fresh superblock
// and an empty log.
func NewMkfsCmd() *cobra.Command {
	var (
		blockSize uint64
		numBlocks uint64
		opts      volume.MkfsOptions
	)

	cmd := &cobra.Command{
		Use:   "mkfs PATH",
		Short: "Create an empty volume",
		Long: `Create an empty volume in a file or on a block device.

Regular files are created or resized to --blocks blocks. The log is placed
right after the superblock.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := disk.NewFileDisk(args[0], numBlocks, blockSize)
			if err != nil {
				return err
			}
			defer d.Close()
			sb, err := volume.Mkfs(d, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %q: %d blocks of %d bytes, log %v\n",
				sb.Name, sb.NumBlocks, sb.BlockSize, sb.LogBlocks)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&blockSize, "block-size", 2048, "Block size in bytes")
	cmd.Flags().Uint64Var(&numBlocks, "blocks", 0, "Volume size in blocks (0 keeps the size of an existing file)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Volume name (default: random)")
	cmd.Flags().Uint16Var(&opts.LogBlocks, "log-blocks", 0, "Log size in blocks (default: fit to the volume)")
	cmd.Flags().Uint32Var(&opts.AGShift, "ag-shift", 0, "log2 of the blocks per allocation group")

	return cmd
}
