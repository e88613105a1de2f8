// Package wal manages the circular on-disk log region.
//
// Positions are block offsets in [0, Size()); the region wraps, so a run of
// log blocks that crosses the physical end continues at offset 0. The region
// reserves one block so that start == end always means empty.
package wal

import (
	"fmt"

	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/util"
)

type LogPosition = uint64

type Region struct {
	d     disk.Disk
	start common.Bnum
	size  uint64
}

// MkRegion describes size log blocks starting at device block start.
func MkRegion(d disk.Disk, start common.Bnum, size uint64) *Region {
	if size < 2 {
		panic("log region needs at least two blocks")
	}
	return &Region{d: d, start: start, size: size}
}

func (r *Region) Size() uint64 {
	return r.size
}

// Start is the device block number of log position 0.
func (r *Region) Start() common.Bnum {
	return r.start
}

// Advance returns the position n blocks after pos.
func (r *Region) Advance(pos LogPosition, n uint64) LogPosition {
	return (pos%r.size + n%r.size) % r.size
}

// Used is the number of blocks between start and end.
func (r *Region) Used(start LogPosition, end LogPosition) uint64 {
	start %= r.size
	end %= r.size
	if start <= end {
		return end - start
	}
	return r.size - start + end
}

// Free is the number of blocks that can still be appended at end without
// reaching start.
func (r *Region) Free(start LogPosition, end LogPosition) uint64 {
	return r.size - r.Used(start, end) - 1
}

// Read returns the log block at pos.
func (r *Region) Read(pos LogPosition) (disk.Block, error) {
	b, err := r.d.Read(r.start + pos%r.size)
	if err != nil {
		return nil, fmt.Errorf("log read at %d: %w", pos, err)
	}
	return b, nil
}

// Write writes blocks at consecutive log positions starting at pos. Each
// contiguous piece goes to the device as one vectored write; a sequence
// that crosses the end of the region is split at the wrap point.
//
// Returns the position following the last block written.
func (r *Region) Write(pos LogPosition, blocks []disk.Block) (LogPosition, error) {
	pos %= r.size
	if uint64(len(blocks)) >= r.size {
		return pos, fmt.Errorf("log write of %d blocks does not fit in %d", len(blocks), r.size)
	}
	for len(blocks) > 0 {
		n := util.Min(uint64(len(blocks)), r.size-pos)
		util.DPrintf(5, "log write: %d blocks at %d\n", n, pos)
		err := disk.WriteBatch(r.d, r.start+pos, blocks[:n])
		if err != nil {
			return pos, fmt.Errorf("log write at %d: %w", pos, err)
		}
		blocks = blocks[n:]
		pos = (pos + n) % r.size
	}
	return pos, nil
}
