// Package addr defines block_run, the extent descriptor used on disk to name
// a contiguous range of blocks inside one allocation group.
package addr

import (
	"fmt"

	"github.com/tchajed/marshal"
)

// BlockRunSize is the encoded size of a BlockRun in bytes.
const BlockRunSize uint64 = 8

// BlockRun identifies Length blocks starting at block Start of allocation
// group AllocationGroup.
//
// Equality and ordering only consider (AllocationGroup, Start).
type BlockRun struct {
	AllocationGroup uint32
	Start           uint16
	Length          uint16
}

func MkBlockRun(ag uint32, start uint16, length uint16) BlockRun {
	return BlockRun{AllocationGroup: ag, Start: start, Length: length}
}

func (r BlockRun) String() string {
	return fmt.Sprintf("(%d, %d, %d)", r.AllocationGroup, r.Start, r.Length)
}

func (r BlockRun) IsZero() bool {
	return r.AllocationGroup == 0 && r.Start == 0 && r.Length == 0
}

// Compare orders runs by allocation group, then start.
func (r BlockRun) Compare(o BlockRun) int {
	if r.AllocationGroup != o.AllocationGroup {
		if r.AllocationGroup < o.AllocationGroup {
			return -1
		}
		return 1
	}
	if r.Start != o.Start {
		if r.Start < o.Start {
			return -1
		}
		return 1
	}
	return 0
}

func (r BlockRun) Less(o BlockRun) bool {
	return r.Compare(o) < 0
}

func (r BlockRun) Equal(o BlockRun) bool {
	return r.Compare(o) == 0
}

// Contains reports whether block start of group ag lies inside r.
func (r BlockRun) Contains(ag uint32, start uint16) bool {
	return r.AllocationGroup == ag &&
		uint32(start) >= uint32(r.Start) &&
		uint32(start) < uint32(r.Start)+uint32(r.Length)
}

// Overlaps reports whether r and o share at least one block.
func (r BlockRun) Overlaps(o BlockRun) bool {
	if r.AllocationGroup != o.AllocationGroup {
		return false
	}
	rEnd := uint32(r.Start) + uint32(r.Length)
	oEnd := uint32(o.Start) + uint32(o.Length)
	return uint32(r.Start) < oEnd && uint32(o.Start) < rEnd
}

// Put appends the on-disk form of r to enc.
//
// start and length share one little-endian word, start in the low half.
func (r BlockRun) Put(enc *marshal.Enc) {
	enc.PutInt32(r.AllocationGroup)
	enc.PutInt32(uint32(r.Start) | uint32(r.Length)<<16)
}

// Get decodes a BlockRun written by Put.
func Get(dec *marshal.Dec) BlockRun {
	ag := dec.GetInt32()
	w := dec.GetInt32()
	return BlockRun{
		AllocationGroup: ag,
		Start:           uint16(w & 0xffff),
		Length:          uint16(w >> 16),
	}
}
