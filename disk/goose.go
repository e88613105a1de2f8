package disk

import (
	"fmt"

	goosedisk "github.com/tchajed/goose/machine/disk"
)

// gooseDisk adapts a goose machine disk, which has a fixed 4096-byte block
// size and reports failures by panicking.
type gooseDisk struct {
	d goosedisk.Disk
}

var _ Disk = gooseDisk{}

// FromGoose wraps a goose disk so it can back a volume.
func FromGoose(d goosedisk.Disk) Disk {
	return gooseDisk{d: d}
}

// NewGooseMemDisk is a convenience for an in-memory goose disk.
func NewGooseMemDisk(numBlocks uint64) Disk {
	return FromGoose(goosedisk.NewMemDisk(numBlocks))
}

func (g gooseDisk) check(a uint64, buflen int) error {
	if uint64(buflen) != goosedisk.BlockSize {
		return fmt.Errorf("%w (%d bytes)", ErrBlockSize, buflen)
	}
	if a >= g.d.Size() {
		return fmt.Errorf("%w: %d", ErrOutOfBounds, a)
	}
	return nil
}

func (g gooseDisk) Read(a uint64) (Block, error) {
	b := make(Block, goosedisk.BlockSize)
	err := g.ReadTo(a, b)
	return b, err
}

func (g gooseDisk) ReadTo(a uint64, b Block) error {
	if err := g.check(a, len(b)); err != nil {
		return err
	}
	g.d.ReadTo(a, b)
	return nil
}

func (g gooseDisk) Write(a uint64, v Block) error {
	if err := g.check(a, len(v)); err != nil {
		return err
	}
	g.d.Write(a, v)
	return nil
}

func (g gooseDisk) Size() (uint64, error) { return g.d.Size(), nil }

func (g gooseDisk) BlockSize() uint64 { return goosedisk.BlockSize }

func (g gooseDisk) Barrier() error {
	g.d.Barrier()
	return nil
}

func (g gooseDisk) Close() error {
	g.d.Close()
	return nil
}
