package disk

import (
	"sync"
)

// CrashDisk forwards to another disk until it "crashes": from then on,
// writes are silently dropped, as if power was lost the moment they were
// issued. The wrapped disk then holds the image a recovery would see.
type CrashDisk struct {
	Disk
	mu      *sync.Mutex
	armed   bool
	left    uint64
	crashed bool
	writes  uint64
}

var _ Disk = (*CrashDisk)(nil)

func NewCrashDisk(d Disk) *CrashDisk {
	return &CrashDisk{Disk: d, mu: new(sync.Mutex)}
}

// CrashAfter lets n more block writes through, then crashes.
func (d *CrashDisk) CrashAfter(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = true
	d.left = n
	d.crashed = n == 0
}

func (d *CrashDisk) Crash() {
	d.CrashAfter(0)
}

func (d *CrashDisk) Crashed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crashed
}

// Writes is the number of block writes that reached the wrapped disk.
func (d *CrashDisk) Writes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *CrashDisk) Write(a uint64, v Block) error {
	d.mu.Lock()
	if d.crashed {
		d.mu.Unlock()
		return nil
	}
	if d.armed {
		if d.left == 0 {
			d.crashed = true
			d.mu.Unlock()
			return nil
		}
		d.left--
	}
	d.writes++
	d.mu.Unlock()
	return d.Disk.Write(a, v)
}

func (d *CrashDisk) Barrier() error {
	if d.Crashed() {
		return nil
	}
	return d.Disk.Barrier()
}

// Close does not close the wrapped disk, which outlives the crash.
func (d *CrashDisk) Close() error {
	return nil
}
