// Package runarray implements the journal's on-disk run_array block and the
// in-memory builder that packs a transaction's block numbers into them.
//
// A run_array is exactly one block: an 8-byte header {count, max_runs}
// followed by sorted block_run entries, at most 127 of them whatever the
// block size. BFS as originally shipped wrote
// max_runs one larger than it could actually fill, so the usable capacity
// of every array is one less than the stored value. Logs written with any
// other max_runs are rejected on replay.
package runarray

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/bfs-journal/addr"
	"github.com/mit-pdos/bfs-journal/util"
)

const headerSize uint64 = 8

// maxRunsCap bounds max_runs at every block size.
const maxRunsCap uint64 = 127

var (
	ErrFull      = errors.New("run array is full")
	ErrBadHeader = errors.New("run array header out of range")
)

// MaxRuns is the number of block_run slots after the header of a block of
// blockSize bytes, capped at 127. It is also the value stored in the
// max_runs header field.
func MaxRuns(blockSize uint64) uint32 {
	return uint32(util.Min(maxRunsCap, (blockSize-headerSize)/addr.BlockRunSize))
}

// RunArray is the decoded form of one run_array block.
type RunArray struct {
	count   int32
	maxRuns int32
	runs    []addr.BlockRun
}

// New returns an empty array sized for blockSize.
func New(blockSize uint64) *RunArray {
	max := MaxRuns(blockSize)
	return &RunArray{
		maxRuns: int32(max),
		runs:    make([]addr.BlockRun, 0, max),
	}
}

func (a *RunArray) CountRuns() int32 {
	return a.count
}

// MaxRuns is the usable capacity, one less than the stored header value.
func (a *RunArray) MaxRuns() int32 {
	return a.maxRuns - 1
}

func (a *RunArray) RunAt(i int) addr.BlockRun {
	return a.runs[i]
}

func (a *RunArray) Runs() []addr.BlockRun {
	return a.runs
}

// BlockCount is the number of data blocks the array describes.
func (a *RunArray) BlockCount() uint64 {
	var n uint64
	for _, r := range a.runs {
		n += uint64(r.Length)
	}
	return n
}

func (a *RunArray) IsFull() bool {
	return a.count >= a.MaxRuns()
}

// Contains reports whether any run in a overlaps r.
func (a *RunArray) Contains(r addr.BlockRun) bool {
	for _, x := range a.runs {
		if x.Overlaps(r) {
			return true
		}
	}
	return false
}

// Insert adds r keeping the runs sorted by (allocation group, start).
func (a *RunArray) Insert(r addr.BlockRun) error {
	if a.IsFull() {
		return ErrFull
	}
	i, _ := slices.BinarySearchFunc(a.runs, r, func(x, y addr.BlockRun) int {
		return x.Compare(y)
	})
	a.runs = slices.Insert(a.runs, i, r)
	a.count++
	return nil
}

// Encode produces the block image of a.
func (a *RunArray) Encode(blockSize uint64) []byte {
	if uint64(len(a.runs)) > uint64(MaxRuns(blockSize)) {
		panic("run array does not fit in block")
	}
	enc := marshal.NewEnc(blockSize)
	enc.PutInt32(uint32(a.count))
	enc.PutInt32(uint32(a.maxRuns))
	for _, r := range a.runs {
		r.Put(&enc)
	}
	return enc.Finish()
}

// Decode parses a run_array block. The header's count must fit within the
// block; whether max_runs matches this volume is left to the caller.
func Decode(b []byte) (*RunArray, error) {
	if uint64(len(b)) < headerSize {
		return nil, fmt.Errorf("%w: block of %d bytes", ErrBadHeader, len(b))
	}
	dec := marshal.NewDec(b)
	count := int32(dec.GetInt32())
	maxRuns := int32(dec.GetInt32())
	slots := MaxRuns(uint64(len(b)))
	if count < 0 || uint32(count) > slots {
		return nil, fmt.Errorf("%w: count %d", ErrBadHeader, count)
	}
	a := &RunArray{count: count, maxRuns: maxRuns, runs: make([]addr.BlockRun, count)}
	for i := range a.runs {
		a.runs[i] = addr.Get(&dec)
	}
	return a, nil
}
