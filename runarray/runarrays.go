package runarray

import (
	"github.com/mit-pdos/bfs-journal/addr"
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/util"
)

// BlockMapper converts absolute block numbers to block runs.
type BlockMapper interface {
	ToBlockRun(bn common.Bnum) addr.BlockRun
}

// RunArrays collects the block numbers of one transaction into as many
// run_arrays as needed.
//
// Every run is a single block: the original BFS replay code cannot handle
// longer runs in the log, so adjacent blocks are never merged.
type RunArrays struct {
	blockSize  uint64
	mapper     BlockMapper
	arrays     []*RunArray
	blockCount uint64
}

func MkRunArrays(blockSize uint64, mapper BlockMapper) *RunArrays {
	return &RunArrays{
		blockSize: blockSize,
		mapper:    mapper,
	}
}

func (ra *RunArrays) BlockCount() uint64 {
	return ra.blockCount
}

func (ra *RunArrays) CountArrays() int {
	return len(ra.arrays)
}

func (ra *RunArrays) ArrayAt(i int) *RunArray {
	return ra.arrays[i]
}

// LogEntryLength is the number of log blocks needed: one header per array
// plus the data blocks.
func (ra *RunArrays) LogEntryLength() uint64 {
	return ra.blockCount + uint64(len(ra.arrays))
}

func (ra *RunArrays) lastArray() *RunArray {
	if len(ra.arrays) == 0 {
		return nil
	}
	return ra.arrays[len(ra.arrays)-1]
}

func (ra *RunArrays) containsRun(r addr.BlockRun) bool {
	for _, a := range ra.arrays {
		if a.Contains(r) {
			return true
		}
	}
	return false
}

func (ra *RunArrays) addRun(r addr.BlockRun) bool {
	last := ra.lastArray()
	if last == nil || last.IsFull() {
		return false
	}
	last.Insert(r)
	return true
}

// Insert records block bn. Blocks already present are ignored.
func (ra *RunArrays) Insert(bn common.Bnum) {
	r := ra.mapper.ToBlockRun(bn)
	r.Length = 1
	if ra.containsRun(r) {
		util.DPrintf(5, "RunArrays: %d already present\n", bn)
		return
	}
	if !ra.addRun(r) {
		ra.arrays = append(ra.arrays, New(ra.blockSize))
		if !ra.addRun(r) {
			panic("fresh run array is full")
		}
	}
	ra.blockCount++
}
