// Package repblock keeps a block and a copy of it in the next block,
// updated together in one journal transaction.
package repblock

import (
	"context"
	"sync"

	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/jrnl"
	"github.com/mit-pdos/bfs-journal/util"
)

type RepBlock struct {
	j  *jrnl.Journal
	m  *sync.Mutex
	b0 common.Bnum
	b1 common.Bnum
}

func Open(j *jrnl.Journal, bn common.Bnum) *RepBlock {
	return &RepBlock{
		j:  j,
		m:  new(sync.Mutex),
		b0: bn,
		b1: bn + 1,
	}
}

// Read returns the primary copy. It runs in a transaction so that it never
// sees half of a concurrent Write.
func (rb *RepBlock) Read(ctx context.Context) (disk.Block, error) {
	rb.m.Lock()
	defer rb.m.Unlock()
	tx, err := jrnl.Begin(ctx, rb.j)
	if err != nil {
		return nil, err
	}
	data, err := tx.Get(rb.b0)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	b := util.CloneByteSlice(data)
	if err := tx.Put(rb.b0); err != nil {
		tx.Abort()
		return nil, err
	}
	return b, tx.Done()
}

// Write replaces both copies and waits until the change is in the log.
func (rb *RepBlock) Write(ctx context.Context, b disk.Block) error {
	rb.m.Lock()
	defer rb.m.Unlock()
	tx, err := jrnl.Begin(ctx, rb.j)
	if err != nil {
		return err
	}
	for _, bn := range []common.Bnum{rb.b0, rb.b1} {
		if err := tx.WriteBlocks(bn, b); err != nil {
			tx.Abort()
			return err
		}
	}
	if err := tx.Done(); err != nil {
		return err
	}
	return rb.j.FlushLog(ctx)
}
