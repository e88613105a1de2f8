package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/jrnl"
	"github.com/mit-pdos/bfs-journal/util/timed_disk"
	"github.com/mit-pdos/bfs-journal/volume"
)

type benchOptions struct {
	path       string
	goose      bool
	blockSize  uint64
	numBlocks  uint64
	logBlocks  uint16
	txns       int
	txnBlocks  int
	goroutines int
}

// NewBenchCmd creates the bench subcommand.
func NewBenchCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run transactions and report disk latencies",
		Long: `Create a scratch volume (in memory unless --path is given, or on a goose
disk with --goose), run
transactions from several goroutines, unmount and print per-operation
disk latencies along with the final journal state.

Each goroutine writes its own range of blocks after the log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.path, "path", "", "File to use as the volume (default: memory)")
	cmd.Flags().BoolVar(&opts.goose, "goose", false, "Use an in-memory goose disk (4096-byte blocks)")
	cmd.Flags().Uint64Var(&opts.blockSize, "block-size", 2048, "Block size in bytes (ignored with --goose)")
	cmd.Flags().Uint64Var(&opts.numBlocks, "blocks", 1<<15, "Volume size in blocks")
	cmd.Flags().Uint16Var(&opts.logBlocks, "log-blocks", 0, "Log size in blocks (default: fit to the volume)")
	cmd.Flags().IntVarP(&opts.txns, "txns", "n", 1000, "Transactions per goroutine")
	cmd.Flags().IntVar(&opts.txnBlocks, "txn-blocks", 4, "Blocks written per transaction")
	cmd.Flags().IntVarP(&opts.goroutines, "goroutines", "g", 4, "Concurrent writers")

	return cmd
}

func runBench(ctx context.Context, opts benchOptions, w io.Writer) error {
	var d disk.Disk
	switch {
	case opts.goose:
		if opts.path != "" {
			return fmt.Errorf("--goose and --path are exclusive")
		}
		d = disk.NewGooseMemDisk(opts.numBlocks)
	case opts.path == "":
		d = disk.NewMemDisk(opts.numBlocks, opts.blockSize)
	default:
		var err error
		d, err = disk.NewFileDisk(opts.path, opts.numBlocks, opts.blockSize)
		if err != nil {
			return err
		}
	}
	td := timed_disk.New(d)
	defer td.Close()

	sb, err := volume.Mkfs(td, volume.MkfsOptions{LogBlocks: opts.logBlocks})
	if err != nil {
		return err
	}
	v, err := volume.Mount(td, volume.DefaultConfig())
	if err != nil {
		return err
	}
	td.ResetStats()

	first := v.ToBlock(sb.LogBlocks) + uint64(sb.LogBlocks.Length)
	span := uint64(opts.txns * opts.txnBlocks)
	if first+uint64(opts.goroutines)*span > sb.NumBlocks {
		v.Unmount()
		return fmt.Errorf("bench needs %d blocks past block %d, volume has %d",
			uint64(opts.goroutines)*span, first, sb.NumBlocks)
	}

	start := time.Now()
	errs := make([]error, opts.goroutines)
	var wg sync.WaitGroup
	for g := 0; g < opts.goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			data := make([]byte, uint64(opts.txnBlocks)*td.BlockSize())
			base := first + uint64(g)*span
			for i := 0; i < opts.txns; i++ {
				data[0] = byte(i)
				tx, err := jrnl.Begin(ctx, v.Journal())
				if err != nil {
					errs[g] = err
					return
				}
				if err := tx.WriteBlocks(base+uint64(i*opts.txnBlocks), data); err != nil {
					tx.Abort()
					errs[g] = err
					return
				}
				if err := tx.Done(); err != nil {
					errs[g] = err
					return
				}
			}
		}(g)
	}
	wg.Wait()
	st := v.Journal().Status(ctx)
	if err := v.Unmount(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	n := opts.goroutines * opts.txns
	fmt.Fprintf(w, "%d transactions in %v (%0.1f us/txn)\n\n",
		n, elapsed.Round(time.Millisecond), float64(elapsed.Microseconds())/float64(n))
	td.WriteStats(w)
	fmt.Fprintln(w)
	jrnl.WriteStatus(st, w)
	return nil
}
