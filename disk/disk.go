package disk

import (
	"errors"
	"fmt"
)

// Block is one device block; its length is the device's BlockSize().
type Block = []byte

// DefaultBlockSize is the block size used when none is specified.
const DefaultBlockSize uint64 = 4096

var (
	ErrOutOfBounds = errors.New("block address out of bounds")
	ErrBlockSize   = errors.New("buffer is not block-sized")
)

// Disk provides access to a logical block-based disk
type Disk interface {
	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint64) (Block, error)

	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block) error

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in blocks
	Size() (uint64, error)

	// BlockSize reports the size of every block in bytes.
	BlockSize() uint64

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

// DiskWriteBatch is implemented by disks that can write a run of
// consecutive blocks with a single vectored request.
type DiskWriteBatch interface {
	WriteBatch(startPos uint64, blocks []Block) error
}

// WriteBatch writes blocks to consecutive addresses starting at startPos,
// using a vectored write if d supports one.
func WriteBatch(d Disk, startPos uint64, blocks []Block) error {
	if bd, ok := d.(DiskWriteBatch); ok {
		return bd.WriteBatch(startPos, blocks)
	}
	for i, b := range blocks {
		if err := d.Write(startPos+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

func checkAccess(a uint64, n uint64, size uint64, buflen int, bs uint64) error {
	if uint64(buflen) != bs {
		return fmt.Errorf("%w (%d bytes)", ErrBlockSize, buflen)
	}
	if a >= size || n > size-a {
		return fmt.Errorf("%w: %d+%d (size %d)", ErrOutOfBounds, a, n, size)
	}
	return nil
}
