package bcache

import (
	"fmt"
	"time"

	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/util"
)

type blockWrite struct {
	bn   common.Bnum
	seq  uint64
	data disk.Block
}

// collectWrites takes the queued transactions and the latest committed
// version of each of their blocks. Assumes c.mu is held.
func (c *Cache) collectWrites() []blockWrite {
	c.inflight = c.queue
	c.queue = nil
	seen := make(map[common.Bnum]bool)
	var writes []blockWrite
	for _, e := range c.inflight {
		for _, bn := range e.bns {
			if seen[bn] {
				continue
			}
			seen[bn] = true
			b := c.bufs.Lookup(bn)
			if b == nil {
				continue
			}
			data, seq, ok := b.Committed()
			if !ok {
				// a later version already reached the disk
				continue
			}
			writes = append(writes, blockWrite{bn: bn, seq: seq, data: data})
		}
	}
	return writes
}

func (c *Cache) writeBlocks(writes []blockWrite) error {
	for _, w := range writes {
		util.DPrintf(5, "bcache: write home %d\n", w.bn)
		if err := c.d.Write(w.bn, w.data); err != nil {
			return fmt.Errorf("write block %d: %w", w.bn, err)
		}
	}
	return c.d.Barrier()
}

// installOnce writes one batch of ended transactions home and runs their
// callbacks. Called with c.mu held; drops it during I/O and callbacks.
func (c *Cache) installOnce() {
	writes := c.collectWrites()
	done := c.inflight
	c.mu.Unlock()

	err := c.writeBlocks(writes)

	c.mu.Lock()
	if err != nil {
		util.DPrintf(0, "bcache: write-back failed: %v\n", err)
		c.writeErr = err
		c.queue = append(done, c.queue...)
		c.inflight = nil
		c.condWritten.Broadcast()
		return
	}
	for _, w := range writes {
		if b := c.bufs.Lookup(w.bn); b != nil {
			b.Written(w.seq)
		}
	}
	c.evict()
	c.mu.Unlock()

	for _, e := range done {
		if e.cb != nil {
			e.cb(e.id, EventWritten)
		}
	}

	c.mu.Lock()
	c.inflight = nil
	c.condWritten.Broadcast()
}

// installer writes ended transactions to their home locations.
func (c *Cache) installer() {
	c.mu.Lock()
	for !c.shutdown {
		if len(c.queue) > 0 && c.writeErr == nil {
			c.installOnce()
		} else {
			c.condInstall.Wait()
		}
	}
	util.DPrintf(1, "bcache installer: shutdown\n")
	c.nthread -= 1
	c.condShut.Signal()
	c.mu.Unlock()
}

func (c *Cache) idleCallbacks(now time.Time) []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fire []func()
	for _, t := range c.txns {
		if t.idleNotified || now.Sub(t.lastUsed) < c.cfg.IdleTimeout {
			continue
		}
		cbs := t.listenersFor(EventIdle)
		if len(cbs) == 0 {
			continue
		}
		t.idleNotified = true
		id := t.id
		fire = append(fire, func() { notify(id, EventIdle, cbs) })
	}
	return fire
}

// idleNotifier fires EventIdle once per idle period of an open transaction.
func (c *Cache) idleNotifier() {
	ticker := time.NewTicker(c.cfg.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopIdle:
			c.mu.Lock()
			c.nthread -= 1
			c.condShut.Signal()
			c.mu.Unlock()
			return
		case now := <-ticker.C:
			for _, f := range c.idleCallbacks(now) {
				f()
			}
		}
	}
}

func (c *Cache) pendingUpTo(id TransactionID) bool {
	for _, e := range c.queue {
		if e.id <= id {
			return true
		}
	}
	for _, e := range c.inflight {
		if e.id <= id {
			return true
		}
	}
	return false
}

// SyncTransaction waits until every ended transaction up to id is on disk
// and its callback has returned.
func (c *Cache) SyncTransaction(id TransactionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.condInstall.Signal()
	for c.pendingUpTo(id) {
		if c.writeErr != nil {
			return c.writeErr
		}
		if c.shutdown {
			return ErrShutdown
		}
		c.condWritten.Wait()
	}
	return nil
}

// Sync waits for every ended transaction to reach the disk.
func (c *Cache) Sync() error {
	c.mu.Lock()
	last := c.nextID
	c.mu.Unlock()
	return c.SyncTransaction(last)
}

// Shutdown writes back everything ended so far and stops the background
// goroutines. Open transactions are left alone.
func (c *Cache) Shutdown() error {
	util.DPrintf(1, "shutdown bcache\n")
	err := c.Sync()
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return err
	}
	c.shutdown = true
	close(c.stopIdle)
	c.condInstall.Broadcast()
	c.condWritten.Broadcast()
	for c.nthread > 0 {
		util.DPrintf(1, "wait for installer/idle notifier\n")
		c.condShut.Wait()
	}
	c.mu.Unlock()
	util.DPrintf(1, "bcache done\n")
	return err
}
