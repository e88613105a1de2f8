package jrnl

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mit-pdos/bfs-journal/bcache"
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/runarray"
	"github.com/mit-pdos/bfs-journal/super"
	"github.com/mit-pdos/bfs-journal/util"
	"github.com/mit-pdos/bfs-journal/wal"
)

// collectBlocks packs the blocks of the open transaction into run arrays.
// With mainOnly, only the main transaction is taken, with the contents it
// had before the sub-transaction.
func (j *Journal) collectBlocks(mainOnly bool) (*runarray.RunArrays, map[common.Bnum][]byte, error) {
	ra := runarray.MkRunArrays(j.blockSize, j.vol)
	data := make(map[common.Bnum][]byte)
	cookie := 0
	for {
		bn, b, err := j.cache.NextBlockInTransaction(j.transactionID, mainOnly, &cookie)
		if errors.Is(err, bcache.ErrNoMoreBlocks) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		ra.Insert(bn)
		data[bn] = b
	}
	return ra, data, nil
}

// pin keeps the cache from dropping bns while they are being logged.
func (j *Journal) pin(bns []common.Bnum) (func(), error) {
	release := func(n int) {
		for _, bn := range bns[:n] {
			if err := j.cache.Put(bn); err != nil {
				util.DPrintf(1, "jrnl: unpin %d: %v\n", bn, err)
			}
		}
	}
	for i, bn := range bns {
		if _, err := j.cache.Get(bn); err != nil {
			release(i)
			return nil, ioError(fmt.Sprintf("pin block %d", bn), err)
		}
	}
	return func() { release(len(bns)) }, nil
}

// writeArray writes one run_array and its blocks at log position pos.
func (j *Journal) writeArray(pos wal.LogPosition, a *runarray.RunArray, data map[common.Bnum][]byte) (wal.LogPosition, error) {
	blocks := make([]disk.Block, 0, 1+a.BlockCount())
	blocks = append(blocks, a.Encode(j.blockSize))
	var bns []common.Bnum
	for _, r := range a.Runs() {
		bn := j.vol.ToBlock(r)
		for i := uint64(0); i < uint64(r.Length); i++ {
			blocks = append(blocks, data[bn+i])
			bns = append(bns, bn+i)
		}
	}
	unpin, err := j.pin(bns)
	if err != nil {
		return pos, err
	}
	defer unpin()
	next, err := j.region.Write(pos, blocks)
	if err != nil {
		return pos, ioError("write log", err)
	}
	return next, nil
}

// writeTransactionToLog writes the open transaction to the log and hands it
// to the block cache. A transaction too large for the log is split if its
// main part fits on its own: the main part is logged and ended, and the
// sub-transaction continues as a new transaction.
//
// Assumes the journal lock is held.
func (j *Journal) writeTransactionToLog() error {
	detached := false
	size, err := j.transactionSize()
	if err != nil {
		return err
	}
	if size > j.maxEntryLength() {
		if !j.hasSub {
			return fmt.Errorf("%w: %d blocks, log of %d", ErrBufferOverflow, size, j.logSize)
		}
		n, err := j.cache.BlocksInMainTransaction(j.transactionID)
		if err != nil {
			return err
		}
		if main := j.entryLength(uint64(n)); main > j.maxEntryLength() {
			return fmt.Errorf("%w: %d blocks (%d in main transaction), log of %d",
				ErrBufferOverflow, size, main, j.logSize)
		}
		detached = true
	}

	ra, data, err := j.collectBlocks(detached)
	if err != nil {
		return err
	}
	if ra.BlockCount() == 0 {
		// nothing changed
		return j.finishTransaction(detached, nil)
	}

	length := ra.LogEntryLength()
	if length > j.FreeLogBlocks() {
		if err := j.cache.SyncTransaction(j.transactionID); err != nil {
			return ioError("sync to free log space", err)
		}
		if length > j.FreeLogBlocks() {
			return fmt.Errorf("%w: need %d blocks, %d free after sync",
				ErrLogFull, length, j.FreeLogBlocks())
		}
	}

	start := j.logEnd.Load()
	pos := start
	for i := 0; i < ra.CountArrays(); i++ {
		pos, err = j.writeArray(pos, ra.ArrayAt(i), data)
		if err != nil {
			return err
		}
	}
	if err := j.vol.Device().Barrier(); err != nil {
		return ioError("log barrier", err)
	}

	// The log entry is on disk; make it visible to replay.
	err = j.vol.UpdateSuperBlock(func(sb *super.SuperBlock) {
		sb.Flags = common.SUPER_BLOCK_DISK_DIRTY
		sb.LogEnd = pos
	})
	if err != nil {
		return inContext(ContextSuperBlockWrite, ioError("advance log end", err))
	}
	if err := j.vol.Device().Barrier(); err != nil {
		return inContext(ContextFlush, ioError("flush drive cache", err))
	}

	j.entriesMu.Lock()
	j.nextSeq++
	seq := j.nextSeq
	j.entries = append(j.entries, logEntry{
		seq:    seq,
		start:  start,
		length: length,
		txnID:  j.transactionID,
	})
	j.used += length
	j.logEnd.Store(pos)
	j.entriesMu.Unlock()
	util.DPrintf(2, "jrnl: logged transaction %d: %d blocks in %d arrays at %d..%d\n",
		j.transactionID, ra.BlockCount(), ra.CountArrays(), start, pos)

	written := func(id bcache.TransactionID, ev bcache.Event) {
		j.transactionWritten(seq)
	}
	return j.finishTransaction(detached, written)
}

// finishTransaction ends the open transaction, or with detached, only its
// main part. Assumes the journal lock is held.
func (j *Journal) finishTransaction(detached bool, written bcache.Callback) error {
	if !detached {
		if err := j.cache.EndTransaction(j.transactionID, written); err != nil {
			return err
		}
		j.hasSub = false
		j.unwritten = 0
		return nil
	}

	id, err := j.cache.DetachSubTransaction(j.transactionID, written)
	if err != nil {
		return err
	}
	util.DPrintf(2, "jrnl: detached transaction %d from %d\n", id, j.transactionID)
	j.transactionID = id
	j.hasSub = false
	j.unwritten = 1
	j.setState(StateOpen)
	j.addIdleListener()

	size, err := j.transactionSize()
	if err != nil {
		return err
	}
	if size > j.maxEntryLength() {
		return fmt.Errorf("%w: %d blocks left after detach, log of %d",
			ErrBufferOverflow, size, j.logSize)
	}
	return nil
}

// transactionWritten runs once the blocks of log entry seq are home. When
// it is the oldest entry, the log start moves past it.
func (j *Journal) transactionWritten(seq uint64) {
	j.entriesMu.Lock()
	i := slices.IndexFunc(j.entries, func(e logEntry) bool { return e.seq == seq })
	if i < 0 {
		j.entriesMu.Unlock()
		util.DPrintf(0, "jrnl: completion for unknown log entry %d\n", seq)
		return
	}
	e := j.entries[i]
	head := i == 0
	var start wal.LogPosition
	if head {
		if len(j.entries) > 1 {
			start = j.entries[1].start
		} else {
			start = j.logEnd.Load()
		}
	}
	j.used -= e.length
	j.entries = slices.Delete(j.entries, i, i+1)
	j.entriesMu.Unlock()
	util.DPrintf(3, "jrnl: log entry %d (%d at %d) written home\n", seq, e.length, e.start)

	if !head {
		return
	}
	err := j.vol.UpdateSuperBlock(func(sb *super.SuperBlock) {
		sb.LogStart = start
		if sb.LogStart == sb.LogEnd {
			sb.Flags = common.SUPER_BLOCK_DISK_CLEAN
		}
	})
	if err != nil {
		j.errs.Handle(ioError("advance log start", err), ContextSuperBlockWrite)
		return
	}
	j.logStart.Store(start)
}
