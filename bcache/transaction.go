package bcache

import (
	"fmt"

	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/util"
)

func (c *Cache) StartTransaction() (TransactionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return 0, ErrShutdown
	}
	id := c.nextID
	c.nextID++
	c.txns[id] = mkTransaction(id)
	util.DPrintf(3, "bcache: start transaction %d\n", id)
	return id, nil
}

// StartSubTransaction opens a sub-transaction of id. A sub-transaction that
// is already open becomes part of the main transaction first.
func (c *Cache) StartSubTransaction(id TransactionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.openTxn(id)
	if err != nil {
		return err
	}
	if t.hasSub {
		for _, b := range t.blocks {
			b.MergeSub()
		}
	}
	t.hasSub = true
	t.touch()
	util.DPrintf(3, "bcache: start sub-transaction of %d\n", id)
	return nil
}

// AddTransactionListener registers cb for the events of open transaction id.
func (c *Cache) AddTransactionListener(id TransactionID, events Event, cb Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.openTxn(id)
	if err != nil {
		return err
	}
	t.listeners = append(t.listeners, listener{events: events, cb: cb})
	return nil
}

func notify(id TransactionID, ev Event, cbs []Callback) {
	for _, cb := range cbs {
		cb(id, ev)
	}
}

func (c *Cache) abortBlocks(t *transaction, bns []common.Bnum) {
	for _, bn := range bns {
		b := t.blocks[bn]
		if b.Abort() {
			c.bufs.Del(bn)
		}
	}
}

// AbortTransaction restores every block of id to its contents before the
// transaction and forgets the transaction.
func (c *Cache) AbortTransaction(id TransactionID) error {
	c.mu.Lock()
	t, err := c.openTxn(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.abortBlocks(t, t.order)
	delete(c.txns, id)
	cbs := t.listenersFor(EventAborted)
	c.mu.Unlock()
	util.DPrintf(3, "bcache: abort transaction %d (%d blocks)\n", id, len(t.order))
	notify(id, EventAborted, cbs)
	return nil
}

// AbortSubTransaction undoes the changes of id's open sub-transaction; the
// main transaction stays open.
func (c *Cache) AbortSubTransaction(id TransactionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.openTxn(id)
	if err != nil {
		return err
	}
	if !t.hasSub {
		return fmt.Errorf("%w: %d", ErrNoSubTransaction, id)
	}
	var kept []common.Bnum
	for _, bn := range t.order {
		b := t.blocks[bn]
		left, discard := b.AbortSub()
		if !left {
			kept = append(kept, bn)
			continue
		}
		delete(t.blocks, bn)
		if discard {
			c.bufs.Del(bn)
		}
	}
	util.DPrintf(3, "bcache: abort sub-transaction of %d (%d -> %d blocks)\n",
		id, len(t.order), len(kept))
	t.order = kept
	t.hasSub = false
	return nil
}

// queueEnded hands an ended transaction to the writer. Assumes c.mu is held.
func (c *Cache) queueEnded(e *endedTxn) {
	if len(e.bns) == 0 && e.cb == nil {
		return
	}
	c.queue = append(c.queue, e)
	c.condInstall.Signal()
}

// EndTransaction closes id. Its blocks are written home in the background;
// cb (if not nil) receives EventWritten once they are durable.
func (c *Cache) EndTransaction(id TransactionID, cb Callback) error {
	c.mu.Lock()
	t, err := c.openTxn(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.seq++
	e := &endedTxn{id: id, seq: c.seq, bns: t.order, cb: cb}
	for _, bn := range t.order {
		t.blocks[bn].Commit(e.seq)
	}
	delete(c.txns, id)
	c.queueEnded(e)
	cbs := t.listenersFor(EventEnded)
	c.mu.Unlock()
	util.DPrintf(3, "bcache: end transaction %d (%d blocks)\n", id, len(e.bns))
	notify(id, EventEnded, cbs)
	return nil
}

// DetachSubTransaction ends the main part of id like EndTransaction and
// moves the sub-transaction's blocks to a new open transaction, whose id is
// returned. Blocks the sub-transaction changed are ended with their
// main-transaction contents.
func (c *Cache) DetachSubTransaction(id TransactionID, cb Callback) (TransactionID, error) {
	c.mu.Lock()
	t, err := c.openTxn(id)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if !t.hasSub {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrNoSubTransaction, id)
	}
	newID := c.nextID
	c.nextID++
	nt := mkTransaction(newID)
	c.seq++
	e := &endedTxn{id: id, seq: c.seq, cb: cb}
	for _, bn := range t.order {
		b := t.blocks[bn]
		if b.InMain() {
			e.bns = append(e.bns, bn)
		}
		if b.DetachMain(e.seq, int32(newID)) {
			nt.add(b)
		}
	}
	delete(c.txns, id)
	c.txns[newID] = nt
	c.queueEnded(e)
	cbs := t.listenersFor(EventEnded)
	c.mu.Unlock()
	util.DPrintf(3, "bcache: detach %d: %d blocks ended, %d moved to %d\n",
		id, len(e.bns), len(nt.order), newID)
	notify(id, EventEnded, cbs)
	return newID, nil
}

func (c *Cache) BlocksInTransaction(id TransactionID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.openTxn(id)
	if err != nil {
		return 0, err
	}
	return len(t.order), nil
}

// BlocksInMainTransaction counts the blocks the main transaction changed.
func (c *Cache) BlocksInMainTransaction(id TransactionID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.openTxn(id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range t.blocks {
		if b.InMain() {
			n++
		}
	}
	return n, nil
}

// BlocksInSubTransaction counts the blocks first changed by the open
// sub-transaction.
func (c *Cache) BlocksInSubTransaction(id TransactionID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.openTxn(id)
	if err != nil {
		return 0, err
	}
	if !t.hasSub {
		return 0, nil
	}
	n := 0
	for _, b := range t.blocks {
		if !b.InMain() {
			n++
		}
	}
	return n, nil
}

// NextBlockInTransaction enumerates the blocks of id in the order they
// joined it. cookie starts at 0. With mainOnly, only main-transaction
// blocks are returned, with their main-transaction contents. The returned
// data is a copy.
func (c *Cache) NextBlockInTransaction(id TransactionID, mainOnly bool, cookie *int) (common.Bnum, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.openTxn(id)
	if err != nil {
		return 0, nil, err
	}
	for *cookie < len(t.order) {
		bn := t.order[*cookie]
		*cookie++
		b := t.blocks[bn]
		if mainOnly && !b.InMain() {
			continue
		}
		var data []byte
		if mainOnly {
			data = b.MainData()
		} else {
			data = b.Data
		}
		return bn, util.CloneByteSlice(data), nil
	}
	return 0, nil, ErrNoMoreBlocks
}
