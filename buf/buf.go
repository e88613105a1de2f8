// Package buf holds the cached copy of one disk block together with the
// older versions the block cache needs to roll back or write back
// transactions that touched it.
package buf

import (
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/util"
)

// A Buf is the cached state of disk block Bn.
//
// Data is the latest contents and is modified in place by the transaction
// that owns the block. At most one open transaction owns a block; the
// contents of the last ended transaction are kept separately until they
// reach the disk.
type Buf struct {
	Bn   common.Bnum
	Data []byte

	txn      int32
	inMain   bool
	inSub    bool
	original []byte // before txn; nil if the block was created empty
	parent   []byte // main-transaction contents of a block the sub changed
	fresh    bool   // never read from disk

	committed []byte
	commitSeq uint64

	refs uint32
}

func MkBuf(bn common.Bnum, data []byte) *Buf {
	return &Buf{Bn: bn, Data: data}
}

// MkEmptyBuf creates a zeroed block that was not read from disk.
func MkEmptyBuf(bn common.Bnum, blockSize uint64) *Buf {
	return &Buf{Bn: bn, Data: make([]byte, blockSize), fresh: true}
}

func (b *Buf) Txn() int32 {
	return b.txn
}

func (b *Buf) InMain() bool {
	return b.inMain
}

func (b *Buf) InSub() bool {
	return b.inSub
}

func (b *Buf) Ref() {
	b.refs++
}

func (b *Buf) Unref() {
	if b.refs == 0 {
		panic("buf: unref of unreferenced block")
	}
	b.refs--
}

// IsDirty reports whether the block has contents that are not on disk.
func (b *Buf) IsDirty() bool {
	return b.txn != 0 || b.committed != nil
}

// Busy reports whether the block must stay in the cache.
func (b *Buf) Busy() bool {
	return b.IsDirty() || b.refs > 0
}

// Join records that transaction txn is about to modify the block. sub says
// whether txn currently has a sub-transaction open.
//
// Returns true if the block was not part of txn before.
func (b *Buf) Join(txn int32, sub bool) bool {
	if b.txn == 0 {
		b.txn = txn
		if b.fresh {
			b.original = nil
		} else {
			b.original = util.CloneByteSlice(b.Data)
		}
		if sub {
			b.inSub = true
		} else {
			b.inMain = true
		}
		return true
	}
	if b.txn != txn {
		panic("buf: block belongs to another transaction")
	}
	if sub && !b.inSub {
		b.inSub = true
		if b.inMain {
			b.parent = util.CloneByteSlice(b.Data)
		}
	}
	return false
}

// MainData is the contents as of the main transaction: a block that the
// sub-transaction changed reports its pre-sub contents.
func (b *Buf) MainData() []byte {
	if b.inMain && b.inSub {
		return b.parent
	}
	return b.Data
}

func (b *Buf) leave() {
	b.txn = 0
	b.inMain = false
	b.inSub = false
	b.original = nil
	b.parent = nil
}

// Abort restores the contents from before the transaction. It returns true
// if the block never existed on disk and should be dropped from the cache.
func (b *Buf) Abort() bool {
	discard := b.original == nil
	if !discard {
		copy(b.Data, b.original)
	}
	b.leave()
	return discard
}

// AbortSub undoes the sub-transaction's change to the block. It returns
// left=true if the block is no longer part of the transaction, and discard
// as for Abort.
func (b *Buf) AbortSub() (left bool, discard bool) {
	if !b.inSub {
		return false, false
	}
	if b.inMain {
		copy(b.Data, b.parent)
		b.parent = nil
		b.inSub = false
		return false, false
	}
	return true, b.Abort()
}

// MergeSub folds the sub-transaction's change into the main transaction.
func (b *Buf) MergeSub() {
	if b.inSub {
		b.inMain = true
		b.inSub = false
		b.parent = nil
	}
}

// Commit ends the block's transaction; the current contents become the
// version to write home, tagged with seq.
func (b *Buf) Commit(seq uint64) {
	b.committed = util.CloneByteSlice(b.Data)
	b.commitSeq = seq
	b.fresh = false
	b.leave()
}

// DetachMain ends the main part of the block's transaction with seq and, if
// the sub-transaction changed the block, hands it to transaction newTxn.
//
// Returns true if the block now belongs to newTxn.
func (b *Buf) DetachMain(seq uint64, newTxn int32) bool {
	if b.inMain {
		b.committed = util.CloneByteSlice(b.MainData())
		b.commitSeq = seq
		b.fresh = false
	}
	if !b.inSub {
		b.leave()
		return false
	}
	if b.inMain {
		b.original = b.parent
	}
	b.txn = newTxn
	b.inMain = true
	b.inSub = false
	b.parent = nil
	return true
}

// Committed returns the version waiting to be written home, if any.
func (b *Buf) Committed() ([]byte, uint64, bool) {
	if b.committed == nil {
		return nil, 0, false
	}
	return b.committed, b.commitSeq, true
}

// Written notes that the version tagged seq reached the disk. A newer
// committed version stays pending.
func (b *Buf) Written(seq uint64) {
	if b.committed != nil && b.commitSeq == seq {
		b.committed = nil
	}
}
