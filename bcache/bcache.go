// Package bcache is a block cache that groups modified blocks into
// transactions.
//
// Blocks modified by an open transaction never reach their home location.
// Ending a transaction snapshots its blocks and hands them to a background
// writer, which writes them home, issues a barrier and only then reports
// EventWritten to the transaction's callback. Aborting restores the
// contents the blocks had before the transaction (or before the current
// sub-transaction).
package bcache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mit-pdos/bfs-journal/buf"
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/lockmap"
	"github.com/mit-pdos/bfs-journal/util"
)

type TransactionID int32

// Event is a set of transaction events.
type Event uint32

const (
	EventEnded Event = 1 << iota
	EventAborted
	EventWritten
	EventIdle
)

func (e Event) String() string {
	switch e {
	case EventEnded:
		return "ended"
	case EventAborted:
		return "aborted"
	case EventWritten:
		return "written"
	case EventIdle:
		return "idle"
	}
	return fmt.Sprintf("event(%#x)", uint32(e))
}

// Callback is invoked without any cache lock held.
type Callback func(id TransactionID, event Event)

// Sentinel errors
var (
	ErrNoMoreBlocks       = errors.New("no more blocks in transaction")
	ErrUnknownTransaction = errors.New("no such open transaction")
	ErrNoSubTransaction   = errors.New("transaction has no sub-transaction")
	ErrBlockBusy          = errors.New("block belongs to another transaction")
	ErrNotCached          = errors.New("block is not referenced")
	ErrShutdown           = errors.New("block cache is shut down")
)

type Config struct {
	// Capacity is the number of blocks kept before clean, unreferenced
	// blocks are evicted.
	Capacity int
	// IdleTimeout is how long an open transaction must go unused before
	// its EventIdle listeners fire.
	IdleTimeout time.Duration
	// IdleCheckInterval is how often idle transactions are looked for.
	IdleCheckInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:          4096,
		IdleTimeout:       time.Second,
		IdleCheckInterval: 250 * time.Millisecond,
	}
}

type listener struct {
	events Event
	cb     Callback
}

type transaction struct {
	id           TransactionID
	order        []common.Bnum
	blocks       map[common.Bnum]*buf.Buf
	hasSub       bool
	listeners    []listener
	lastUsed     time.Time
	idleNotified bool
}

func mkTransaction(id TransactionID) *transaction {
	return &transaction{
		id:       id,
		blocks:   make(map[common.Bnum]*buf.Buf),
		lastUsed: time.Now(),
	}
}

func (t *transaction) add(b *buf.Buf) {
	t.order = append(t.order, b.Bn)
	t.blocks[b.Bn] = b
}

func (t *transaction) touch() {
	t.lastUsed = time.Now()
	t.idleNotified = false
}

func (t *transaction) listenersFor(ev Event) []Callback {
	var cbs []Callback
	for _, l := range t.listeners {
		if l.events&ev != 0 {
			cbs = append(cbs, l.cb)
		}
	}
	return cbs
}

// endedTxn is an ended transaction whose blocks are not known to be home.
type endedTxn struct {
	id  TransactionID
	seq uint64
	bns []common.Bnum
	cb  Callback
}

type Cache struct {
	d   disk.Disk
	bs  uint64
	cfg Config

	loads *lockmap.LockMap

	mu       *sync.Mutex
	bufs     *buf.BufMap
	txns     map[TransactionID]*transaction
	nextID   TransactionID
	seq      uint64
	queue    []*endedTxn
	inflight []*endedTxn
	writeErr error
	shutdown bool
	nthread  uint64

	condInstall *sync.Cond
	condWritten *sync.Cond
	condShut    *sync.Cond
	stopIdle    chan struct{}
}

// MkCache creates a cache over d and starts its writer and idle notifier.
func MkCache(d disk.Disk, cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = def.IdleCheckInterval
	}
	mu := new(sync.Mutex)
	c := &Cache{
		d:           d,
		bs:          d.BlockSize(),
		cfg:         cfg,
		loads:       lockmap.MkLockMap(),
		mu:          mu,
		bufs:        buf.MkBufMap(),
		txns:        make(map[TransactionID]*transaction),
		nextID:      1,
		condInstall: sync.NewCond(mu),
		condWritten: sync.NewCond(mu),
		condShut:    sync.NewCond(mu),
		stopIdle:    make(chan struct{}),
	}
	c.nthread = 2
	go func() { c.installer() }()
	go func() { c.idleNotifier() }()
	util.DPrintf(1, "bcache: capacity %d, block size %d\n", cfg.Capacity, c.bs)
	return c
}

func (c *Cache) BlockSize() uint64 {
	return c.bs
}

// load returns the cached block bn, reading it from disk if needed. Called
// and returns with c.mu held; the lock is dropped around the disk read.
func (c *Cache) load(bn common.Bnum) (*buf.Buf, error) {
	if b := c.bufs.Lookup(bn); b != nil {
		return b, nil
	}
	c.mu.Unlock()
	c.loads.Acquire(bn)
	c.mu.Lock()
	defer c.loads.Release(bn)
	if b := c.bufs.Lookup(bn); b != nil {
		return b, nil
	}
	c.mu.Unlock()
	data, err := c.d.Read(bn)
	c.mu.Lock()
	if err != nil {
		return nil, err
	}
	if b := c.bufs.Lookup(bn); b != nil {
		// created by GetEmpty while we were reading
		return b, nil
	}
	b := buf.MkBuf(bn, data)
	c.bufs.Insert(b)
	return b, nil
}

func (c *Cache) openTxn(id TransactionID) (*transaction, error) {
	if c.shutdown {
		return nil, ErrShutdown
	}
	t, ok := c.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	return t, nil
}

// Get returns the current contents of block bn and takes a reference that
// keeps it cached until Put. The slice must not be modified.
func (c *Cache) Get(bn common.Bnum) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.load(bn)
	if err != nil {
		return nil, err
	}
	b.Ref()
	return b.Data, nil
}

// GetWritable returns block bn for modification as part of transaction id.
// The returned slice may be written until the matching Put.
func (c *Cache) GetWritable(bn common.Bnum, id TransactionID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.load(bn)
	if err != nil {
		return nil, err
	}
	return c.join(b, id)
}

// GetEmpty is GetWritable for a block whose old contents don't matter; a
// block not already cached is zeroed instead of read.
func (c *Cache) GetEmpty(bn common.Bnum, id TransactionID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bufs.Lookup(bn)
	if b == nil {
		b = buf.MkEmptyBuf(bn, c.bs)
		c.bufs.Insert(b)
	}
	data, err := c.join(b, id)
	if err != nil {
		return nil, err
	}
	for i := range data {
		data[i] = 0
	}
	return data, nil
}

func (c *Cache) join(b *buf.Buf, id TransactionID) ([]byte, error) {
	t, err := c.openTxn(id)
	if err != nil {
		return nil, err
	}
	if b.Txn() != 0 && TransactionID(b.Txn()) != id {
		return nil, fmt.Errorf("%w: block %d in %d", ErrBlockBusy, b.Bn, b.Txn())
	}
	if b.Join(int32(id), t.hasSub) {
		t.add(b)
	}
	t.touch()
	b.Ref()
	return b.Data, nil
}

// Put releases a reference taken by Get, GetWritable or GetEmpty.
func (c *Cache) Put(bn common.Bnum) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bufs.Lookup(bn)
	if b == nil {
		return fmt.Errorf("%w: %d", ErrNotCached, bn)
	}
	b.Unref()
	c.evict()
	return nil
}

// evict drops clean, unreferenced blocks while the cache is over capacity.
// Assumes c.mu is held.
func (c *Cache) evict() {
	over := c.bufs.Len() - c.cfg.Capacity
	if over <= 0 {
		return
	}
	for _, b := range c.bufs.Bufs() {
		if over == 0 {
			break
		}
		if !b.Busy() {
			c.bufs.Del(b.Bn)
			over--
		}
	}
}

// CachedBlocks reports how many blocks are in memory and how many of them
// are dirty.
func (c *Cache) CachedBlocks() (int, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufs.Len(), c.bufs.Ndirty()
}
