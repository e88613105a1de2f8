package disk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// writev issues one pwritev for the whole batch, continuing with plain
// writes if the kernel accepts only a prefix.
func (d *fileDisk) writev(startPos uint64, blocks []Block) error {
	n, err := unix.Pwritev(d.fd, blocks, int64(startPos*d.bs))
	if err != nil {
		return fmt.Errorf("writev blocks %d+%d: %w", startPos, len(blocks), err)
	}
	done := uint64(n) / d.bs
	if uint64(n)%d.bs != 0 {
		return fmt.Errorf("writev blocks %d+%d: short write of %d bytes", startPos, len(blocks), n)
	}
	for i := done; i < uint64(len(blocks)); i++ {
		if err := d.Write(startPos+i, blocks[i]); err != nil {
			return err
		}
	}
	return nil
}
