package jrnl

import (
	"context"
	"errors"
	"time"

	"github.com/mit-pdos/bfs-journal/util"
)

// Start runs the background flusher, which writes batched transactions to
// the log when the block cache reports them idle, when RequestFlush is
// called and every FlushInterval.
func (j *Journal) Start() {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()
	if j.running || j.shutdown {
		return
	}
	j.running = true
	j.nthread += 1
	go func() { j.flusher() }()
	if j.cfg.FlushInterval > 0 {
		j.nthread += 1
		go func() { j.ticker(j.cfg.FlushInterval) }()
	}
}

// RequestFlush wakes the flusher without waiting for it.
func (j *Journal) RequestFlush() {
	j.flushMu.Lock()
	j.flushRequested = true
	j.condFlush.Signal()
	j.flushMu.Unlock()
}

func (j *Journal) flusher() {
	j.flushMu.Lock()
	for !j.shutdown {
		if !j.flushRequested {
			j.condFlush.Wait()
			continue
		}
		j.flushRequested = false
		j.flushMu.Unlock()

		err := j.flushLog(context.Background(), false, false)
		if err != nil && !errors.Is(err, ErrBusy) {
			util.DPrintf(1, "jrnl flusher: %v\n", err)
		}

		j.flushMu.Lock()
	}
	util.DPrintf(1, "jrnl flusher: shutdown\n")
	j.nthread -= 1
	j.condShut.Signal()
	j.flushMu.Unlock()
}

func (j *Journal) ticker(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-j.stopTicker:
			j.flushMu.Lock()
			j.nthread -= 1
			j.condShut.Signal()
			j.flushMu.Unlock()
			return
		case <-t.C:
			j.RequestFlush()
		}
	}
}

// flushLog writes the batched transaction to the log. Without canWait it
// gives up with ErrBusy if a transaction is in progress. Called from inside
// a transaction it does nothing.
func (j *Journal) flushLog(ctx context.Context, canWait bool, flushBlocks bool) error {
	o := ownerFrom(ctx)
	if o == nil {
		o = mkLockOwner()
	}
	var depth int
	if canWait {
		depth = j.lock.lock(o)
	} else {
		var ok bool
		depth, ok = j.lock.tryLock(o)
		if !ok {
			return ErrBusy
		}
	}
	defer j.lock.unlock(o)
	if depth > 1 {
		return nil
	}

	var err error
	if j.unwritten != 0 {
		util.DPrintf(2, "jrnl: flush %d batched transactions\n", j.unwritten)
		if err = j.writeTransactionToLog(); err != nil {
			j.errs.Handle(err, ContextFlush)
		}
	}
	if flushBlocks {
		if ferr := j.vol.FlushDevice(); ferr != nil {
			ferr = ioError("flush device", ferr)
			j.errs.Handle(ferr, ContextFlush)
			if err == nil {
				err = ferr
			}
		}
	}
	return err
}

// FlushLog writes any batched transactions to the log, waiting for a
// running transaction to finish first.
func (j *Journal) FlushLog(ctx context.Context) error {
	return j.flushLog(ctx, true, false)
}

// FlushLogAndBlocks is FlushLog followed by writing every logged block
// home and flushing the device.
func (j *Journal) FlushLogAndBlocks(ctx context.Context) error {
	return j.flushLog(ctx, true, true)
}

// Shutdown stops the background flusher. It does not flush; see
// FlushLogAndBlocks.
func (j *Journal) Shutdown() {
	j.flushMu.Lock()
	if j.shutdown {
		j.flushMu.Unlock()
		return
	}
	j.shutdown = true
	close(j.stopTicker)
	j.condFlush.Broadcast()
	for j.nthread > 0 {
		util.DPrintf(1, "wait for journal flusher %d\n", j.nthread)
		j.condShut.Wait()
	}
	j.flushMu.Unlock()
	util.DPrintf(1, "jrnl done\n")
}
