package jrnl

import (
	"context"
	"sync"
	"sync/atomic"
)

var nextOwner atomic.Uint64

// lockOwner identifies one logical thread of filesystem work. Nested calls
// that share an owner re-enter the journal lock instead of deadlocking.
type lockOwner struct {
	id uint64
}

func mkLockOwner() *lockOwner {
	return &lockOwner{id: nextOwner.Add(1)}
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) *lockOwner {
	if ctx == nil {
		return nil
	}
	o, _ := ctx.Value(ownerKey{}).(*lockOwner)
	return o
}

func withOwner(ctx context.Context, o *lockOwner) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ownerKey{}, o)
}

// recursiveLock is a mutex that the current holder may acquire again.
type recursiveLock struct {
	mu     *sync.Mutex
	cond   *sync.Cond
	holder *lockOwner
	depth  int
}

func mkRecursiveLock() *recursiveLock {
	mu := new(sync.Mutex)
	return &recursiveLock{mu: mu, cond: sync.NewCond(mu)}
}

func (l *recursiveLock) lock(o *lockOwner) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.holder != nil && l.holder != o {
		l.cond.Wait()
	}
	l.holder = o
	l.depth++
	return l.depth
}

func (l *recursiveLock) tryLock(o *lockOwner) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != nil && l.holder != o {
		return 0, false
	}
	l.holder = o
	l.depth++
	return l.depth, true
}

func (l *recursiveLock) unlock(o *lockOwner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != o || l.depth == 0 {
		panic("jrnl: unlock of journal lock not held by caller")
	}
	l.depth--
	if l.depth == 0 {
		l.holder = nil
		l.cond.Signal()
	}
}

// recursion is the current depth; only meaningful to the holder.
func (l *recursiveLock) recursion() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth
}

func (l *recursiveLock) heldBy(o *lockOwner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == o
}
