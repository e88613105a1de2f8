package disk

import (
	"sync"
)

var _ Disk = (*memDisk)(nil)
var _ DiskWriteBatch = (*memDisk)(nil)

type memDisk struct {
	l      *sync.RWMutex
	bs     uint64
	blocks [][]byte
}

// NewMemDisk creates an in-memory disk of numBlocks zeroed blocks of bs bytes.
func NewMemDisk(numBlocks uint64, bs uint64) Disk {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, bs)
	}
	return &memDisk{l: new(sync.RWMutex), bs: bs, blocks: blocks}
}

func (d *memDisk) ReadTo(a uint64, buf Block) error {
	d.l.RLock()
	defer d.l.RUnlock()
	if err := checkAccess(a, 1, uint64(len(d.blocks)), len(buf), d.bs); err != nil {
		return err
	}
	copy(buf, d.blocks[a])
	return nil
}

func (d *memDisk) Read(a uint64) (Block, error) {
	buf := make(Block, d.bs)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *memDisk) Write(a uint64, v Block) error {
	d.l.Lock()
	defer d.l.Unlock()
	if err := checkAccess(a, 1, uint64(len(d.blocks)), len(v), d.bs); err != nil {
		return err
	}
	copy(d.blocks[a], v)
	return nil
}

func (d *memDisk) WriteBatch(startPos uint64, blocks []Block) error {
	d.l.Lock()
	defer d.l.Unlock()
	for i, v := range blocks {
		a := startPos + uint64(i)
		if err := checkAccess(a, 1, uint64(len(d.blocks)), len(v), d.bs); err != nil {
			return err
		}
		copy(d.blocks[a], v)
	}
	return nil
}

func (d *memDisk) Size() (uint64, error) {
	// this never changes so we assume it's safe to run lock-free
	return uint64(len(d.blocks)), nil
}

func (d *memDisk) BlockSize() uint64 { return d.bs }

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Close() error { return nil }
