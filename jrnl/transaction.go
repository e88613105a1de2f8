package jrnl

import (
	"context"

	"github.com/mit-pdos/bfs-journal/bcache"
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/util"
)

// TransactionListener is implemented by objects (typically inodes) whose
// in-memory state depends on the outcome of the transaction they joined.
// Listeners must be comparable; pointer types are.
type TransactionListener interface {
	// TransactionDone reports whether the transaction committed. ctx
	// identifies the caller's lock owner, so a listener may start a new
	// transaction with it without deadlocking.
	TransactionDone(ctx context.Context, success bool)
	// RemovedFromTransaction is called after TransactionDone, once the
	// listener no longer belongs to the transaction.
	RemovedFromTransaction()
}

// Transaction is a scoped unit of change. A transaction started while the
// same caller already holds one open joins it and shares its commit.
type Transaction struct {
	journal   *Journal
	owner     *lockOwner
	parent    *Transaction
	listeners []TransactionListener

	started bool
	// joined transactions add no cache transaction of their own
	joined bool
	// done once the journal has committed or aborted our blocks
	done bool
	// failed is set when a nested transaction failed; our commit must too
	failed bool
}

type txnKey struct{}

func begin(ctx context.Context, j *Journal, separate bool) (*Transaction, error) {
	owner := ownerFrom(ctx)
	if owner == nil {
		owner = mkLockOwner()
	}
	t := &Transaction{journal: j, owner: owner}
	if err := j.Lock(t, separate); err != nil {
		return nil, err
	}
	return t, nil
}

// Begin starts a transaction on j. If ctx carries a transaction context of
// the same journal (see Context), the new transaction is nested in it.
func Begin(ctx context.Context, j *Journal) (*Transaction, error) {
	return begin(ctx, j, false)
}

// BeginSeparate is like Begin, but transactions nested in the new one are
// tracked on their own: each has the new transaction as its Parent, and a
// failed one fails it. Their work still commits or rolls back together
// with the new transaction, and their listeners are told only then.
func BeginSeparate(ctx context.Context, j *Journal) (*Transaction, error) {
	return begin(ctx, j, true)
}

// Context returns ctx annotated with t's lock owner. Pass it to code that
// may start transactions of its own.
func (t *Transaction) Context(ctx context.Context) context.Context {
	return context.WithValue(withOwner(ctx, t.owner), txnKey{}, t)
}

// FromContext returns the transaction ctx was annotated with, if any.
func FromContext(ctx context.Context) (*Transaction, bool) {
	t, ok := ctx.Value(txnKey{}).(*Transaction)
	return t, ok
}

// Done commits t (or hands it to its enclosing transaction).
func (t *Transaction) Done() error {
	if !t.started {
		return ErrNotStarted
	}
	return t.journal.Unlock(t, true)
}

// Abort rolls t back. Calling Abort after Done is a no-op, so it can be
// deferred.
func (t *Transaction) Abort() error {
	if !t.started {
		return nil
	}
	return t.journal.Unlock(t, false)
}

func (t *Transaction) IsStarted() bool {
	return t.started
}

func (t *Transaction) Parent() *Transaction {
	return t.parent
}

func (t *Transaction) Journal() *Journal {
	return t.journal
}

// ID is the block-cache transaction t's blocks belong to.
func (t *Transaction) ID() bcache.TransactionID {
	return t.journal.transactionID
}

// Get returns block bn for reading. Release it with Put.
func (t *Transaction) Get(bn common.Bnum) ([]byte, error) {
	return t.journal.cache.Get(bn)
}

// GetWritable returns block bn for modification.
func (t *Transaction) GetWritable(bn common.Bnum) ([]byte, error) {
	return t.journal.cache.GetWritable(bn, t.ID())
}

// GetEmpty returns a zeroed block bn for modification.
func (t *Transaction) GetEmpty(bn common.Bnum) ([]byte, error) {
	return t.journal.cache.GetEmpty(bn, t.ID())
}

func (t *Transaction) Put(bn common.Bnum) error {
	return t.journal.cache.Put(bn)
}

// WriteBlocks copies data, a whole number of blocks, to consecutive blocks
// starting at bn.
func (t *Transaction) WriteBlocks(bn common.Bnum, data []byte) error {
	bs := t.journal.blockSize
	if uint64(len(data))%bs != 0 {
		return ErrBadData
	}
	for off := uint64(0); off < uint64(len(data)); off += bs {
		b, err := t.GetWritable(bn)
		if err != nil {
			return err
		}
		copy(b, data[off:off+bs])
		if err := t.Put(bn); err != nil {
			return err
		}
		bn++
	}
	return nil
}

// IsTooLarge reports whether the open transaction no longer fits in the log.
func (t *Transaction) IsTooLarge() bool {
	return t.journal.CurrentTransactionTooLarge()
}

func (t *Transaction) AddListener(l TransactionListener) {
	if t.HasListener(l) {
		return
	}
	t.listeners = append(t.listeners, l)
}

func (t *Transaction) RemoveListener(l TransactionListener) {
	for i, x := range t.listeners {
		if x == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			l.RemovedFromTransaction()
			return
		}
	}
}

func (t *Transaction) HasListener(l TransactionListener) bool {
	for _, x := range t.listeners {
		if x == l {
			return true
		}
	}
	return false
}

func (t *Transaction) NumListeners() int {
	return len(t.listeners)
}

// NotifyListeners tells every listener the outcome and detaches it.
func (t *Transaction) NotifyListeners(success bool) {
	ctx := withOwner(context.Background(), t.owner)
	for len(t.listeners) > 0 {
		l := t.listeners[0]
		t.listeners = t.listeners[1:]
		l.TransactionDone(ctx, success)
		l.RemovedFromTransaction()
	}
	t.listeners = nil
}

// MoveListenersTo hands t's listeners to other, which will notify them.
func (t *Transaction) MoveListenersTo(other *Transaction) {
	for _, l := range t.listeners {
		other.AddListener(l)
	}
	util.DPrintf(4, "jrnl: moved %d listeners to enclosing transaction\n", len(t.listeners))
	t.listeners = nil
}
