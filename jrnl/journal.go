// Package jrnl is the write-ahead journal of a BFS volume.
//
// Filesystem operations group their block changes in transactions (see
// Begin). Small transactions are batched in one block-cache transaction; a
// batch is written to the circular on-disk log as a sequence of run_array
// headers followed by the logged blocks, and only then released to the
// block cache, which writes the blocks home. Once a batch's blocks are
// home, its part of the log is reclaimed by advancing log_start in the
// superblock. After a crash, ReplayLog rewrites every block still logged
// between log_start and log_end.
//
// All transaction state is serialized by one reentrant lock: a caller that
// already holds a transaction (identified through its context) re-enters
// the lock and shares the open transaction.
package jrnl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mit-pdos/bfs-journal/bcache"
	"github.com/mit-pdos/bfs-journal/runarray"
	"github.com/mit-pdos/bfs-journal/util"
	"github.com/mit-pdos/bfs-journal/wal"
)

type Config struct {
	// MaxTransactionSize is the size in log blocks up to which finished
	// transactions are batched instead of written to the log right away.
	// Zero means half the log minus a few blocks.
	MaxTransactionSize uint64
	// FlushInterval makes the flusher write batched transactions to the
	// log periodically. Zero disables the timer; idle transactions are
	// flushed regardless.
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{}
}

// State is where the journal is in a transaction's life.
type State int

const (
	// StateIdle means no caller holds a transaction. Batched work may
	// still be waiting for the log.
	StateIdle State = iota
	// StateOpen means a caller holds a fresh cache transaction.
	StateOpen
	// StateSubOpen means a caller holds a sub-transaction on top of
	// batched work.
	StateSubOpen
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateSubOpen:
		return "sub-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// logEntry is one written piece of the log whose blocks are not yet home.
type logEntry struct {
	seq    uint64
	start  wal.LogPosition
	length uint64
	txnID  bcache.TransactionID
}

type Journal struct {
	vol       Volume
	cache     BlockCache
	region    *wal.Region
	errs      *ErrorHandler
	blockSize uint64
	cfg       Config

	logSize            uint64
	maxTransactionSize uint64

	lock *recursiveLock
	// The fields below are protected by lock.
	owner           *Transaction
	state           State
	transactionID   bcache.TransactionID
	hasSub          bool
	separate        bool
	unwritten       int
	idleListenerFor bcache.TransactionID
	timestamp       time.Time

	entriesMu *sync.Mutex
	entries   []logEntry
	used      uint64
	nextSeq   uint64

	logStart atomic.Uint64
	logEnd   atomic.Uint64

	flushMu        *sync.Mutex
	condFlush      *sync.Cond
	condShut       *sync.Cond
	flushRequested bool
	running        bool
	shutdown       bool
	nthread        uint64
	stopTicker     chan struct{}
}

// MkJournal sets up the journal of vol, picking up log_start and log_end
// from its superblock. Call ReplayLog before any transaction if they differ,
// then Start.
func MkJournal(vol Volume, cfg Config) *Journal {
	log := vol.Log()
	logSize := uint64(log.Length)
	maxSize := cfg.MaxTransactionSize
	if maxSize == 0 {
		maxSize = 1
		if logSize/2 > 5 {
			maxSize = logSize/2 - 5
		}
	}
	sb := vol.SuperBlock()
	fmu := new(sync.Mutex)
	j := &Journal{
		vol:                vol,
		cache:              vol.BlockCache(),
		region:             wal.MkRegion(vol.Device(), vol.ToBlock(log), logSize),
		errs:               MkErrorHandler(vol),
		blockSize:          vol.BlockSize(),
		cfg:                cfg,
		logSize:            logSize,
		maxTransactionSize: maxSize,
		lock:               mkRecursiveLock(),
		entriesMu:          new(sync.Mutex),
		flushMu:            fmu,
		condFlush:          sync.NewCond(fmu),
		condShut:           sync.NewCond(fmu),
		stopTicker:         make(chan struct{}),
	}
	j.logStart.Store(sb.LogStart % logSize)
	j.logEnd.Store(sb.LogEnd % logSize)
	util.DPrintf(1, "jrnl: log of %d blocks at %d, max transaction %d, start %d end %d\n",
		logSize, j.region.Start(), maxSize, j.logStart.Load(), j.logEnd.Load())
	return j
}

func (j *Journal) ErrorHandler() *ErrorHandler {
	return j.errs
}

func (j *Journal) LogSize() uint64 {
	return j.logSize
}

func (j *Journal) MaxTransactionSize() uint64 {
	return j.maxTransactionSize
}

func (j *Journal) LogStart() wal.LogPosition {
	return j.logStart.Load()
}

func (j *Journal) LogEnd() wal.LogPosition {
	return j.logEnd.Load()
}

// FreeLogBlocks is the number of blocks a new log entry may use.
func (j *Journal) FreeLogBlocks() uint64 {
	return j.region.Free(j.logStart.Load(), j.logEnd.Load())
}

// maxEntryLength is the longest log entry that fits in an empty log.
func (j *Journal) maxEntryLength() uint64 {
	return j.logSize - 1
}

// entryLength is the log space taken by n blocks including their run_array
// headers.
func (j *Journal) entryLength(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	perArray := uint64(runarray.MaxRuns(j.blockSize)) - 1
	return n + util.RoundUp(n, perArray)
}

// transactionSize is the log space the open transaction would take.
// Assumes the journal lock is held.
func (j *Journal) transactionSize() (uint64, error) {
	n, err := j.cache.BlocksInTransaction(j.transactionID)
	if err != nil {
		return 0, err
	}
	return j.entryLength(uint64(n)), nil
}

// CurrentTransactionSize is the log space the open transaction would take,
// or 0 if there is none.
func (j *Journal) CurrentTransactionSize() uint64 {
	if j.state == StateIdle && j.unwritten == 0 {
		return 0
	}
	n, err := j.transactionSize()
	if err != nil {
		return 0
	}
	return n
}

func (j *Journal) CurrentTransactionTooLarge() bool {
	return j.CurrentTransactionSize() > j.maxEntryLength()
}

func (j *Journal) setState(s State) {
	util.DPrintf(4, "jrnl: %s -> %s (txn %d)\n", j.state, s, j.transactionID)
	j.state = s
}

// idle is called by the block cache when a transaction has not been used for
// a while. The flush must happen elsewhere: writing the log produces new
// transaction events.
func (j *Journal) idle(id bcache.TransactionID, ev bcache.Event) {
	util.DPrintf(3, "jrnl: transaction %d idle\n", id)
	j.RequestFlush()
}

func (j *Journal) addIdleListener() {
	if j.idleListenerFor == j.transactionID {
		return
	}
	err := j.cache.AddTransactionListener(j.transactionID, bcache.EventIdle, j.idle)
	if err != nil {
		util.DPrintf(1, "jrnl: idle listener for %d: %v\n", j.transactionID, err)
		return
	}
	j.idleListenerFor = j.transactionID
}

// Lock starts transaction t, or lets t join the transaction its caller
// already has open.
func (j *Journal) Lock(t *Transaction, separate bool) error {
	depth := j.lock.lock(t.owner)
	if !j.separate && depth > 1 {
		// re-entry: reuse the current transaction
		t.joined = true
		t.started = true
		util.DPrintf(4, "jrnl: owner %d re-enters transaction %d at depth %d\n",
			t.owner.id, j.transactionID, depth)
		return nil
	}

	t.parent = j.owner
	if t.parent != nil && !t.parent.done {
		// the enclosing transaction is still open: commit with it
		j.owner = t
		t.joined = true
		t.started = true
		if separate {
			j.separate = true
		}
		return nil
	}

	if j.vol.IsReadOnly() {
		t.parent = nil
		j.lock.unlock(t.owner)
		return ErrReadOnly
	}

	if j.unwritten > 0 {
		if err := j.cache.StartSubTransaction(j.transactionID); err != nil {
			t.parent = nil
			j.lock.unlock(t.owner)
			return fmt.Errorf("start sub-transaction of %d: %w", j.transactionID, err)
		}
		j.hasSub = true
		j.setState(StateSubOpen)
	} else {
		id, err := j.cache.StartTransaction()
		if err != nil {
			t.parent = nil
			j.lock.unlock(t.owner)
			return fmt.Errorf("start transaction: %w", err)
		}
		j.transactionID = id
		j.setState(StateOpen)
	}
	if separate {
		j.separate = true
	}
	j.owner = t
	t.started = true
	j.addIdleListener()
	return nil
}

// Unlock finishes t. Only a transaction that started its own cache
// transaction or sub-transaction commits or aborts it and notifies its
// listeners; nested ones pass their listeners to the enclosing
// transaction, which notifies them once the shared work is committed or
// rolled back.
//
// A failed inner transaction makes the enclosing one fail with ErrAborted.
// If committing fails, the failing work is aborted, the listeners learn
// that it failed and the error is returned.
func (j *Journal) Unlock(t *Transaction, success bool) error {
	if !t.started {
		return ErrNotStarted
	}
	if !j.lock.heldBy(t.owner) {
		panic("jrnl: Unlock by an owner that does not hold the journal")
	}
	depth := j.lock.recursion()
	var err error

	if j.separate || depth == 1 {
		if success && t.failed {
			success = false
			err = ErrAborted
			j.errs.Handle(err, ContextTransaction)
		}
		if t.joined {
			// the enclosing transaction commits our work and tells our
			// listeners how that went
			enclosing := t.parent
			if enclosing == nil {
				enclosing = j.owner
			}
			if !success {
				enclosing.failed = true
			}
			t.MoveListenersTo(enclosing)
		} else if derr := j.transactionDone(success); derr != nil {
			j.errs.Handle(derr, ContextTransaction)
			if success {
				j.abortCurrent()
				success = false
			}
			err = derr
		}
		t.done = true

		// Listeners may start transactions; the one we just finished can
		// no longer take their changes.
		separate := j.separate
		j.separate = true
		t.NotifyListeners(success)
		j.separate = separate

		if j.owner == t {
			j.owner = t.parent
		}
		j.timestamp = time.Now()
		if j.owner == nil || j.owner.done {
			j.setState(StateIdle)
		}
		if j.separate && depth == 1 {
			j.separate = false
		}
	} else {
		if !success {
			j.owner.failed = true
		}
		t.MoveListenersTo(j.owner)
	}

	t.started = false
	j.lock.unlock(t.owner)
	return err
}

// abortCurrent rolls back the work of the transaction being finished after
// committing it failed. Assumes the journal lock is held.
func (j *Journal) abortCurrent() {
	var err error
	if j.hasSub {
		err = j.cache.AbortSubTransaction(j.transactionID)
		j.hasSub = false
	} else {
		err = j.cache.AbortTransaction(j.transactionID)
		j.unwritten = 0
	}
	if err != nil {
		util.DPrintf(1, "jrnl: abort of %d: %v\n", j.transactionID, err)
	}
}

// transactionDone commits or aborts the work of the transaction that just
// finished. Small transactions are only counted; they reach the log with a
// later, larger one or when the flusher runs.
func (j *Journal) transactionDone(success bool) error {
	if !success {
		if j.hasSub {
			// the batched parent transaction stays usable
			j.hasSub = false
			return j.cache.AbortSubTransaction(j.transactionID)
		}
		j.unwritten = 0
		return j.cache.AbortTransaction(j.transactionID)
	}

	size, err := j.transactionSize()
	if err != nil {
		return err
	}
	if size < j.maxTransactionSize {
		// make room for this transaction while it is still cheap to do so
		if size > j.FreeLogBlocks() {
			if err := j.cache.SyncTransaction(j.transactionID); err != nil {
				return ioError("sync before batching", err)
			}
		}
		j.unwritten++
		util.DPrintf(3, "jrnl: batched transaction %d (%d blocks, %d unwritten)\n",
			j.transactionID, size, j.unwritten)
		return nil
	}
	return j.writeTransactionToLog()
}

// TransactionID is the block-cache transaction currently being built.
func (j *Journal) TransactionID(ctx context.Context) bcache.TransactionID {
	o := ownerFrom(ctx)
	if o == nil {
		o = mkLockOwner()
	}
	j.lock.lock(o)
	defer j.lock.unlock(o)
	return j.transactionID
}
