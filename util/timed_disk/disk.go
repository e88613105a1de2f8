package timed_disk

import (
	"io"
	"time"

	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/util/stats"
)

type Disk struct {
	d   disk.Disk
	ops [4]stats.Op
}

func New(d disk.Disk) *Disk {
	return &Disk{d: d}
}

const (
	readOp int = iota
	writeOp
	writeBatchOp
	barrierOp
)

var ops = []string{"disk.Read", "disk.Write", "disk.WriteBatch", "disk.Barrier"}

// assert that Disk implements disk.Disk
var _ disk.Disk = &Disk{}
var _ disk.DiskWriteBatch = &Disk{}

func (d *Disk) ReadTo(a uint64, b disk.Block) error {
	defer d.ops[readOp].Record(time.Now())
	return d.d.ReadTo(a, b)
}

func (d *Disk) Read(a uint64) (disk.Block, error) {
	buf := make(disk.Block, d.d.BlockSize())
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *Disk) Write(a uint64, b disk.Block) error {
	defer d.ops[writeOp].Record(time.Now())
	return d.d.Write(a, b)
}

func (d *Disk) WriteBatch(startPos uint64, blocks []disk.Block) error {
	defer d.ops[writeBatchOp].Record(time.Now())
	return disk.WriteBatch(d.d, startPos, blocks)
}

func (d *Disk) Barrier() error {
	defer d.ops[barrierOp].Record(time.Now())
	return d.d.Barrier()
}

func (d *Disk) Size() (uint64, error) {
	return d.d.Size()
}

func (d *Disk) BlockSize() uint64 {
	return d.d.BlockSize()
}

func (d *Disk) Close() error {
	return d.d.Close()
}

func (d *Disk) WriteStats(w io.Writer) {
	stats.WriteTable(ops, d.ops[:], w)
}

func (d *Disk) ResetStats() {
	for i := range d.ops {
		d.ops[i].Reset()
	}
}
