package common

// Bnum is an absolute block number on the device.
type Bnum = uint64

const NULLBNUM Bnum = 0

// Superblock magics and flag values, as laid out by BFS.
const (
	SUPER_BLOCK_MAGIC1     uint32 = 0x42465331
	SUPER_BLOCK_MAGIC2     uint32 = 0xdd121031
	SUPER_BLOCK_MAGIC3     uint32 = 0x15b6830e
	SUPER_BLOCK_FS_LENDIAN uint32 = 0x42494745
	SUPER_BLOCK_DISK_CLEAN uint32 = 0x434c454e
	SUPER_BLOCK_DISK_DIRTY uint32 = 0x44495254
)

// The superblock lives at byte 512 of block 0 and is 512 bytes long.
const (
	SUPER_BLOCK_OFFSET      uint64 = 512
	SUPER_BLOCK_SIZE        uint64 = 512
	SUPER_BLOCK_NAME_LENGTH uint64 = 32
)

const (
	MIN_BLOCK_SIZE uint64 = 1024
	MAX_BLOCK_SIZE uint64 = 16384

	DEFAULT_ALLOCATION_SHIFT uint32 = 13
	INODE_SIZE               uint32 = 512
)
