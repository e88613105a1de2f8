package cmd

import (
	"fmt"
	"io"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/mit-pdos/bfs-journal/jrnl"
	"github.com/mit-pdos/bfs-journal/super"
)

func writeSuperBlock(sb super.SuperBlock, w io.Writer) {
	state := "clean"
	if !sb.IsClean() {
		state = "dirty"
	}
	tbl := table.New("superblock", "value").WithWriter(w)
	tbl.AddRow("name", sb.Name)
	tbl.AddRow("block size", sb.BlockSize)
	tbl.AddRow("blocks", sb.NumBlocks)
	tbl.AddRow("allocation groups", fmt.Sprintf("%d of %d blocks", sb.NumAGs, uint64(1)<<sb.AGShift))
	tbl.AddRow("log", sb.LogBlocks)
	tbl.AddRow("log start", sb.LogStart)
	tbl.AddRow("log end", sb.LogEnd)
	tbl.AddRow("state", state)
	tbl.Print()
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	var blockSize uint64

	cmd := &cobra.Command{
		Use:   "status PATH",
		Short: "Show the superblock and journal of a volume",
		Long: `Mount the volume read-only and print its superblock and the state of
its journal. A volume whose log still needs replay cannot be mounted
read-only; run replay first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, v, err := openVolume(args[0], blockSize, true)
			if err != nil {
				return err
			}
			defer d.Close()
			defer v.Unmount()

			w := cmd.OutOrStdout()
			writeSuperBlock(v.SuperBlock(), w)
			fmt.Fprintln(w)
			jrnl.WriteStatus(v.Journal().Status(cmd.Context()), w)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&blockSize, "block-size", 2048, "Block size in bytes")

	return cmd
}
