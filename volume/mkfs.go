package volume

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mit-pdos/bfs-journal/addr"
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/super"
	"github.com/mit-pdos/bfs-journal/util"
)

const DefaultLogBlocks uint16 = 2048

type MkfsOptions struct {
	// Name defaults to "bfs-" and a random suffix.
	Name string
	// LogBlocks is the size of the log. Zero picks DefaultLogBlocks,
	// shrunk to fit small devices.
	LogBlocks uint16
	// AGShift is log2 of the blocks per allocation group; zero means
	// common.DEFAULT_ALLOCATION_SHIFT.
	AGShift uint32
}

func defaultLogBlocks(numBlocks uint64, perAG uint64) uint16 {
	n := uint64(DefaultLogBlocks)
	n = util.Min(n, numBlocks/4)
	n = util.Min(n, perAG-1)
	return uint16(n)
}

// Mkfs writes a fresh superblock for a volume covering all of d. The log is
// placed right after the superblock, in allocation group 0.
func Mkfs(d disk.Disk, opts MkfsOptions) (super.SuperBlock, error) {
	bs := d.BlockSize()
	if !util.IsPowerOfTwo(bs) || bs < common.MIN_BLOCK_SIZE || bs > common.MAX_BLOCK_SIZE {
		return super.SuperBlock{}, fmt.Errorf("mkfs: unsupported block size %d", bs)
	}
	numBlocks, err := d.Size()
	if err != nil {
		return super.SuperBlock{}, err
	}

	agShift := opts.AGShift
	if agShift == 0 {
		agShift = common.DEFAULT_ALLOCATION_SHIFT
	}
	if agShift > 16 {
		return super.SuperBlock{}, fmt.Errorf("mkfs: allocation group shift %d too large", agShift)
	}
	perAG := uint64(1) << agShift
	logBlocks := opts.LogBlocks
	if logBlocks == 0 {
		logBlocks = defaultLogBlocks(numBlocks, perAG)
	}
	if logBlocks < 2 || 1+uint64(logBlocks) > util.Min(perAG, numBlocks) {
		return super.SuperBlock{}, fmt.Errorf("mkfs: log of %d blocks does not fit (%d blocks, %d per group)",
			logBlocks, numBlocks, perAG)
	}

	name := opts.Name
	if name == "" {
		name = "bfs-" + uuid.NewString()[:8]
	}
	sb := super.SuperBlock{
		Name:        name,
		Magic1:      common.SUPER_BLOCK_MAGIC1,
		ByteOrder:   common.SUPER_BLOCK_FS_LENDIAN,
		BlockSize:   uint32(bs),
		BlockShift:  util.Log2(bs),
		NumBlocks:   numBlocks,
		UsedBlocks:  1 + uint64(logBlocks),
		InodeSize:   uint32(bs),
		Magic2:      common.SUPER_BLOCK_MAGIC2,
		BlocksPerAG: 1,
		AGShift:     agShift,
		NumAGs:      uint32(util.RoundUp(numBlocks, perAG)),
		Flags:       common.SUPER_BLOCK_DISK_CLEAN,
		LogBlocks:   addr.MkBlockRun(0, 1, logBlocks),
		Magic3:      common.SUPER_BLOCK_MAGIC3,
	}
	if err := sb.Validate(); err != nil {
		return super.SuperBlock{}, fmt.Errorf("mkfs: %w", err)
	}

	b0 := make(disk.Block, bs)
	sb.Place(b0)
	if err := d.Write(0, b0); err != nil {
		return super.SuperBlock{}, fmt.Errorf("mkfs: write superblock: %w", err)
	}
	if err := d.Barrier(); err != nil {
		return super.SuperBlock{}, err
	}
	util.DPrintf(1, "mkfs %q: %d blocks, log %v\n", name, numBlocks, sb.LogBlocks)
	return sb, nil
}
