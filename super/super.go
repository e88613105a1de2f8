// Package super encodes the BFS superblock: 512 bytes at byte offset 512 of
// block 0, little-endian.
package super

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/bfs-journal/addr"
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/util"
)

var ErrInvalid = errors.New("invalid superblock")

type SuperBlock struct {
	Name        string
	Magic1      uint32
	ByteOrder   uint32
	BlockSize   uint32
	BlockShift  uint32
	NumBlocks   uint64
	UsedBlocks  uint64
	InodeSize   uint32
	Magic2      uint32
	BlocksPerAG uint32
	AGShift     uint32
	NumAGs      uint32
	Flags       uint32
	LogBlocks   addr.BlockRun
	LogStart    uint64
	LogEnd      uint64
	Magic3      uint32
	RootDir     addr.BlockRun
	Indices     addr.BlockRun
}

// Encode returns the 512-byte on-disk image of sb.
func (sb *SuperBlock) Encode() []byte {
	enc := marshal.NewEnc(common.SUPER_BLOCK_SIZE)
	// name is filled in below
	enc.PutInts([]uint64{0, 0, 0, 0})
	enc.PutInt32(sb.Magic1)
	enc.PutInt32(sb.ByteOrder)
	enc.PutInt32(sb.BlockSize)
	enc.PutInt32(sb.BlockShift)
	enc.PutInt(sb.NumBlocks)
	enc.PutInt(sb.UsedBlocks)
	enc.PutInt32(sb.InodeSize)
	enc.PutInt32(sb.Magic2)
	enc.PutInt32(sb.BlocksPerAG)
	enc.PutInt32(sb.AGShift)
	enc.PutInt32(sb.NumAGs)
	enc.PutInt32(sb.Flags)
	sb.LogBlocks.Put(&enc)
	enc.PutInt(sb.LogStart)
	enc.PutInt(sb.LogEnd)
	enc.PutInt32(sb.Magic3)
	sb.RootDir.Put(&enc)
	sb.Indices.Put(&enc)
	b := enc.Finish()
	copy(b[:common.SUPER_BLOCK_NAME_LENGTH-1], sb.Name)
	return b
}

// Decode parses a superblock image; it does not validate it.
func Decode(b []byte) (SuperBlock, error) {
	if uint64(len(b)) < common.SUPER_BLOCK_SIZE {
		return SuperBlock{}, fmt.Errorf("%w: %d bytes", ErrInvalid, len(b))
	}
	var sb SuperBlock
	name := b[:common.SUPER_BLOCK_NAME_LENGTH]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	sb.Name = string(name)
	dec := marshal.NewDec(b)
	dec.GetInts(4)
	sb.Magic1 = dec.GetInt32()
	sb.ByteOrder = dec.GetInt32()
	sb.BlockSize = dec.GetInt32()
	sb.BlockShift = dec.GetInt32()
	sb.NumBlocks = dec.GetInt()
	sb.UsedBlocks = dec.GetInt()
	sb.InodeSize = dec.GetInt32()
	sb.Magic2 = dec.GetInt32()
	sb.BlocksPerAG = dec.GetInt32()
	sb.AGShift = dec.GetInt32()
	sb.NumAGs = dec.GetInt32()
	sb.Flags = dec.GetInt32()
	sb.LogBlocks = addr.Get(&dec)
	sb.LogStart = dec.GetInt()
	sb.LogEnd = dec.GetInt()
	sb.Magic3 = dec.GetInt32()
	sb.RootDir = addr.Get(&dec)
	sb.Indices = addr.Get(&dec)
	return sb, nil
}

// Validate checks the fields every BFS superblock must satisfy.
func (sb *SuperBlock) Validate() error {
	bad := func(format string, a ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, a...))
	}
	if sb.Magic1 != common.SUPER_BLOCK_MAGIC1 || sb.Magic2 != common.SUPER_BLOCK_MAGIC2 ||
		sb.Magic3 != common.SUPER_BLOCK_MAGIC3 {
		return bad("bad magic")
	}
	if sb.ByteOrder != common.SUPER_BLOCK_FS_LENDIAN {
		return bad("byte order %#x", sb.ByteOrder)
	}
	bs := uint64(sb.BlockSize)
	if !util.IsPowerOfTwo(bs) || bs < common.MIN_BLOCK_SIZE || bs > common.MAX_BLOCK_SIZE {
		return bad("block size %d", bs)
	}
	if sb.BlockShift >= 32 || uint64(1)<<sb.BlockShift != bs {
		return bad("block shift %d for block size %d", sb.BlockShift, bs)
	}
	if sb.InodeSize != sb.BlockSize {
		return bad("inode size %d", sb.InodeSize)
	}
	if sb.AGShift < 1 || sb.AGShift > 16 || sb.BlocksPerAG < 1 || sb.NumAGs < 1 || sb.NumBlocks < 10 {
		return bad("allocation groups (shift %d, %d groups, %d blocks)", sb.AGShift, sb.NumAGs, sb.NumBlocks)
	}
	if uint64(sb.NumAGs) != util.RoundUp(sb.NumBlocks, uint64(1)<<sb.AGShift) {
		return bad("%d allocation groups for %d blocks", sb.NumAGs, sb.NumBlocks)
	}
	log := sb.LogBlocks
	if log.Length < 2 || log.AllocationGroup >= sb.NumAGs ||
		uint64(log.Start)+uint64(log.Length) > uint64(1)<<sb.AGShift {
		return bad("log run %v", log)
	}
	if sb.LogStart >= uint64(log.Length) || sb.LogEnd >= uint64(log.Length) {
		return bad("log positions %d..%d outside log of %d", sb.LogStart, sb.LogEnd, log.Length)
	}
	return nil
}

func (sb *SuperBlock) IsClean() bool {
	return sb.Flags == common.SUPER_BLOCK_DISK_CLEAN
}

// FromBlock extracts the superblock from the contents of block 0.
func FromBlock(block []byte) (SuperBlock, error) {
	end := common.SUPER_BLOCK_OFFSET + common.SUPER_BLOCK_SIZE
	if uint64(len(block)) < end {
		return SuperBlock{}, fmt.Errorf("%w: block of %d bytes", ErrInvalid, len(block))
	}
	return Decode(block[common.SUPER_BLOCK_OFFSET:end])
}

// CheckSuperBlock validates the superblock held in the contents of block 0.
func CheckSuperBlock(block []byte) error {
	sb, err := FromBlock(block)
	if err != nil {
		return err
	}
	return sb.Validate()
}

// Place writes sb into the contents of block 0, leaving the boot area
// alone.
func (sb *SuperBlock) Place(block []byte) {
	copy(block[common.SUPER_BLOCK_OFFSET:], sb.Encode())
}
