// Package volume mounts a BFS-style volume: it reads and validates the
// superblock, sets up the block cache and the journal, and replays the log
// of a volume that was not cleanly unmounted.
package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/bfs-journal/addr"
	"github.com/mit-pdos/bfs-journal/bcache"
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/jrnl"
	"github.com/mit-pdos/bfs-journal/super"
	"github.com/mit-pdos/bfs-journal/util"
)

var (
	ErrBadBlockRun = errors.New("block run outside volume")
	ErrWrongDevice = errors.New("superblock does not match device")
	ErrNotMounted  = errors.New("volume is not mounted")
)

type Config struct {
	Cache   bcache.Config
	Journal jrnl.Config
	// ReadOnly refuses transactions; a volume whose log needs replay
	// cannot be mounted read-only.
	ReadOnly bool
}

func DefaultConfig() Config {
	return Config{
		Cache:   bcache.DefaultConfig(),
		Journal: jrnl.DefaultConfig(),
	}
}

type Volume struct {
	d        disk.Disk
	cfg      Config
	cache    *bcache.Cache
	journal  *jrnl.Journal
	panicked atomic.Bool
	mounted  atomic.Bool

	// geometry, fixed at mount
	blockSize  uint64
	blockShift uint32
	agShift    uint32
	numAGs     uint32
	numBlocks  uint64
	log        addr.BlockRun

	superMu *sync.Mutex
	sb      super.SuperBlock
}

var _ jrnl.Volume = (*Volume)(nil)

// Mount opens the volume on d, replaying its log if needed.
func Mount(d disk.Disk, cfg Config) (*Volume, error) {
	b0, err := d.Read(0)
	if err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	sb, err := super.FromBlock(b0)
	if err != nil {
		return nil, err
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}
	if uint64(sb.BlockSize) != d.BlockSize() {
		return nil, fmt.Errorf("%w: block size %d on device of %d",
			ErrWrongDevice, sb.BlockSize, d.BlockSize())
	}
	sz, err := d.Size()
	if err != nil {
		return nil, err
	}
	if sb.NumBlocks > sz {
		return nil, fmt.Errorf("%w: %d blocks on device of %d", ErrWrongDevice, sb.NumBlocks, sz)
	}

	v := &Volume{
		d:          d,
		cfg:        cfg,
		blockSize:  uint64(sb.BlockSize),
		blockShift: sb.BlockShift,
		agShift:    sb.AGShift,
		numAGs:     sb.NumAGs,
		numBlocks:  sb.NumBlocks,
		log:        sb.LogBlocks,
		superMu:    new(sync.Mutex),
		sb:         sb,
	}
	v.cache = bcache.MkCache(d, cfg.Cache)
	v.journal = jrnl.MkJournal(v, cfg.Journal)
	util.DPrintf(1, "mount %q: %d blocks of %d, %d allocation groups, log %v\n",
		sb.Name, sb.NumBlocks, sb.BlockSize, sb.NumAGs, sb.LogBlocks)

	if sb.LogStart != sb.LogEnd {
		if err := v.journal.ReplayLog(); err != nil {
			v.cache.Shutdown()
			return nil, fmt.Errorf("mount %q: %w", sb.Name, err)
		}
	}
	v.journal.Start()
	v.mounted.Store(true)
	return v, nil
}

// Unmount writes everything back, stops the background goroutines and
// marks the volume clean. The device is left open.
func (v *Volume) Unmount() error {
	if !v.mounted.CompareAndSwap(true, false) {
		return ErrNotMounted
	}
	err := v.journal.FlushLogAndBlocks(context.Background())
	v.journal.Shutdown()
	if cerr := v.cache.Shutdown(); err == nil {
		err = cerr
	}
	if err != nil || v.IsReadOnly() {
		return err
	}
	sb := v.SuperBlock()
	if sb.LogStart != sb.LogEnd || sb.IsClean() {
		return nil
	}
	err = v.UpdateSuperBlock(func(sb *super.SuperBlock) {
		sb.Flags = common.SUPER_BLOCK_DISK_CLEAN
	})
	if err != nil {
		return err
	}
	return v.d.Barrier()
}

func (v *Volume) Journal() *jrnl.Journal {
	return v.journal
}

func (v *Volume) Cache() *bcache.Cache {
	return v.cache
}

func (v *Volume) Name() string {
	return v.SuperBlock().Name
}

func (v *Volume) BlockSize() uint64 {
	return v.blockSize
}

func (v *Volume) NumBlocks() uint64 {
	return v.numBlocks
}

func (v *Volume) Device() disk.Disk {
	return v.d
}

func (v *Volume) BlockCache() jrnl.BlockCache {
	return v.cache
}

// ToBlock is the device block number of the first block of run.
func (v *Volume) ToBlock(run addr.BlockRun) common.Bnum {
	return common.Bnum(run.AllocationGroup)<<v.agShift | common.Bnum(run.Start)
}

// ToBlockRun is the single-block run for bn.
func (v *Volume) ToBlockRun(bn common.Bnum) addr.BlockRun {
	mask := common.Bnum(1)<<v.agShift - 1
	return addr.MkBlockRun(uint32(bn>>v.agShift), uint16(bn&mask), 1)
}

// ToOffset is the byte offset of run on the device.
func (v *Volume) ToOffset(run addr.BlockRun) uint64 {
	return v.ToBlock(run) << v.blockShift
}

func (v *Volume) ValidateBlockRun(run addr.BlockRun) error {
	perAG := uint64(1) << v.agShift
	if run.AllocationGroup >= v.numAGs || run.Length == 0 ||
		uint64(run.Start)+uint64(run.Length) > perAG ||
		util.SumOverflows(v.ToBlock(run), uint64(run.Length)) ||
		v.ToBlock(run)+uint64(run.Length) > v.numBlocks {
		return fmt.Errorf("%w: %v", ErrBadBlockRun, run)
	}
	return nil
}

func (v *Volume) Log() addr.BlockRun {
	return v.log
}

func (v *Volume) SuperBlock() super.SuperBlock {
	v.superMu.Lock()
	defer v.superMu.Unlock()
	return v.sb
}

// UpdateSuperBlock applies fn to a copy of the superblock and writes it to
// block 0; the in-memory superblock changes only if the write succeeds.
func (v *Volume) UpdateSuperBlock(fn func(sb *super.SuperBlock)) error {
	v.superMu.Lock()
	defer v.superMu.Unlock()
	if v.panicked.Load() {
		return jrnl.ErrReadOnly
	}
	sb := v.sb
	fn(&sb)
	b0, err := v.d.Read(0)
	if err != nil {
		return fmt.Errorf("read block 0: %w", err)
	}
	sb.Place(b0)
	if err := v.d.Write(0, b0); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	v.sb = sb
	util.DPrintf(3, "superblock: log %d..%d flags %#x\n", sb.LogStart, sb.LogEnd, sb.Flags)
	return nil
}

// FlushDevice waits for every ended transaction to reach its home location
// and flushes the device.
func (v *Volume) FlushDevice() error {
	if err := v.cache.Sync(); err != nil {
		return err
	}
	return v.d.Barrier()
}

// Panic stops the volume from accepting writes after the journal found the
// disk in a state it cannot vouch for.
func (v *Volume) Panic() {
	if v.panicked.CompareAndSwap(false, true) {
		util.DPrintf(0, "volume %q: panic, now read-only\n", v.Name())
	}
}

func (v *Volume) Panicked() bool {
	return v.panicked.Load()
}

func (v *Volume) IsReadOnly() bool {
	return v.cfg.ReadOnly || v.panicked.Load()
}
