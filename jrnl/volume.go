package jrnl

import (
	"github.com/mit-pdos/bfs-journal/addr"
	"github.com/mit-pdos/bfs-journal/bcache"
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/super"
)

// BlockCache is the transaction-grouping API the journal drives.
type BlockCache interface {
	StartTransaction() (bcache.TransactionID, error)
	StartSubTransaction(id bcache.TransactionID) error
	DetachSubTransaction(id bcache.TransactionID, cb bcache.Callback) (bcache.TransactionID, error)
	AbortTransaction(id bcache.TransactionID) error
	AbortSubTransaction(id bcache.TransactionID) error
	EndTransaction(id bcache.TransactionID, cb bcache.Callback) error

	BlocksInTransaction(id bcache.TransactionID) (int, error)
	BlocksInMainTransaction(id bcache.TransactionID) (int, error)
	BlocksInSubTransaction(id bcache.TransactionID) (int, error)
	NextBlockInTransaction(id bcache.TransactionID, mainOnly bool, cookie *int) (common.Bnum, []byte, error)

	SyncTransaction(id bcache.TransactionID) error
	AddTransactionListener(id bcache.TransactionID, events bcache.Event, cb bcache.Callback) error

	Get(bn common.Bnum) ([]byte, error)
	GetWritable(bn common.Bnum, id bcache.TransactionID) ([]byte, error)
	GetEmpty(bn common.Bnum, id bcache.TransactionID) ([]byte, error)
	Put(bn common.Bnum) error
}

var _ BlockCache = (*bcache.Cache)(nil)

// Volume is what the journal needs from the mounted filesystem.
type Volume interface {
	BlockSize() uint64
	Device() disk.Disk
	BlockCache() BlockCache

	ToBlock(run addr.BlockRun) common.Bnum
	ToBlockRun(bn common.Bnum) addr.BlockRun
	ToOffset(run addr.BlockRun) uint64
	ValidateBlockRun(run addr.BlockRun) error

	// SuperBlock returns a copy of the in-memory superblock.
	SuperBlock() super.SuperBlock
	// UpdateSuperBlock applies fn to the superblock and writes it to disk.
	// The in-memory copy only changes if the write succeeds.
	UpdateSuperBlock(fn func(sb *super.SuperBlock)) error
	// FlushDevice writes every dirty block home and flushes the device.
	FlushDevice() error

	// Log is the block run holding the journal.
	Log() addr.BlockRun

	Panic()
	IsReadOnly() bool
}
