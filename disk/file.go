//go:build unix

package disk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var _ Disk = (*fileDisk)(nil)
var _ DiskWriteBatch = (*fileDisk)(nil)

type fileDisk struct {
	fd        int
	bs        uint64
	numBlocks uint64
}

// NewFileDisk opens (creating if needed) a file or block device at path.
//
// Regular files are resized to numBlocks blocks; numBlocks of 0 keeps the
// current size.
func NewFileDisk(path string, numBlocks uint64, bs uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if (stat.Mode & unix.S_IFMT) == unix.S_IFREG {
		if numBlocks == 0 {
			numBlocks = uint64(stat.Size) / bs
		} else if uint64(stat.Size) != numBlocks*bs {
			err = unix.Ftruncate(fd, int64(numBlocks*bs))
			if err != nil {
				unix.Close(fd)
				return nil, fmt.Errorf("truncate %s: %w", path, err)
			}
		}
	}
	if numBlocks == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: cannot determine size", path)
	}
	return &fileDisk{fd: fd, bs: bs, numBlocks: numBlocks}, nil
}

func (d *fileDisk) ReadTo(a uint64, buf Block) error {
	if err := checkAccess(a, 1, d.numBlocks, len(buf), d.bs); err != nil {
		return err
	}
	n, err := unix.Pread(d.fd, buf, int64(a*d.bs))
	if err != nil {
		return fmt.Errorf("read block %d: %w", a, err)
	}
	// reads past the end of a sparse file come back short
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (d *fileDisk) Read(a uint64) (Block, error) {
	buf := make([]byte, d.bs)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *fileDisk) Write(a uint64, v Block) error {
	if err := checkAccess(a, 1, d.numBlocks, len(v), d.bs); err != nil {
		return err
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*d.bs))
	if err != nil {
		return fmt.Errorf("write block %d: %w", a, err)
	}
	return nil
}

func (d *fileDisk) WriteBatch(startPos uint64, blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}
	for i, b := range blocks {
		if err := checkAccess(startPos+uint64(i), 1, d.numBlocks, len(b), d.bs); err != nil {
			return err
		}
	}
	return d.writev(startPos, blocks)
}

func (d *fileDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d *fileDisk) BlockSize() uint64 { return d.bs }

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	err := unix.Fsync(d.fd)
	if err != nil {
		return fmt.Errorf("file sync failed: %w", err)
	}
	return nil
}

func (d *fileDisk) Close() error {
	return unix.Close(d.fd)
}
