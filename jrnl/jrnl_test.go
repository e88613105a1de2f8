package jrnl_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/bfs-journal/addr"
	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/disk"
	"github.com/mit-pdos/bfs-journal/jrnl"
	"github.com/mit-pdos/bfs-journal/runarray"
	"github.com/mit-pdos/bfs-journal/super"
	"github.com/mit-pdos/bfs-journal/volume"
)

const (
	testBlockSize uint64 = 1024
	testBlocks    uint64 = 4096
	testLogBlocks uint16 = 256
	testAGShift   uint32 = 10
)

var testLog = addr.MkBlockRun(0, 1, testLogBlocks)

func fill(b byte) []byte {
	data := make([]byte, testBlockSize)
	for i := range data {
		data[i] = b
	}
	return data
}

func toBlock(r addr.BlockRun) common.Bnum {
	return common.Bnum(r.AllocationGroup)<<testAGShift | common.Bnum(r.Start)
}

func bn(ag uint32, start uint16) common.Bnum {
	return toBlock(addr.MkBlockRun(ag, start, 1))
}

type recorder struct {
	mu      sync.Mutex
	done    []bool
	removed int
	onDone  func(ctx context.Context, success bool)
}

func (r *recorder) TransactionDone(ctx context.Context, success bool) {
	r.mu.Lock()
	r.done = append(r.done, success)
	f := r.onDone
	r.mu.Unlock()
	if f != nil {
		f(ctx, success)
	}
}

func (r *recorder) RemovedFromTransaction() {
	r.mu.Lock()
	r.removed++
	r.mu.Unlock()
}

func (r *recorder) results() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.done...)
}

type JournalSuite struct {
	suite.Suite
	ctx context.Context
	mem disk.Disk
	d   *disk.CrashDisk
	vol *volume.Volume
	j   *jrnl.Journal
}

func TestJournal(t *testing.T) {
	suite.Run(t, new(JournalSuite))
}

func testConfig() volume.Config {
	cfg := volume.DefaultConfig()
	cfg.Cache.IdleTimeout = time.Hour
	cfg.Cache.IdleCheckInterval = time.Hour
	return cfg
}

func (suite *JournalSuite) SetupTest() {
	suite.setup(testConfig())
}

func (suite *JournalSuite) setup(cfg volume.Config) {
	suite.ctx = context.Background()
	suite.mem = disk.NewMemDisk(testBlocks, testBlockSize)
	_, err := volume.Mkfs(suite.mem, volume.MkfsOptions{
		Name:      "journal-test",
		LogBlocks: testLogBlocks,
		AGShift:   testAGShift,
	})
	suite.Require().NoError(err)
	suite.mountWith(cfg)
}

func (suite *JournalSuite) TearDownTest() {
	if suite.vol != nil {
		suite.vol.Unmount()
		suite.vol = nil
	}
}

func (suite *JournalSuite) mountWith(cfg volume.Config) {
	suite.d = disk.NewCrashDisk(suite.mem)
	vol, err := volume.Mount(suite.d, cfg)
	suite.Require().NoError(err)
	suite.vol = vol
	suite.j = vol.Journal()
}

func (suite *JournalSuite) mount() {
	suite.mountWith(testConfig())
}

// crashAndRemount drops everything not yet on disk and mounts the disk
// image again, which replays the log.
func (suite *JournalSuite) crashAndRemount() {
	suite.d.Crash()
	suite.vol.Unmount()
	suite.mount()
}

func (suite *JournalSuite) unmount() {
	suite.Require().NoError(suite.vol.Unmount())
	suite.vol = nil
}

func (suite *JournalSuite) begin() *jrnl.Transaction {
	txn, err := jrnl.Begin(suite.ctx, suite.j)
	suite.Require().NoError(err)
	return txn
}

func (suite *JournalSuite) write(txn *jrnl.Transaction, bn common.Bnum, v byte) {
	suite.Require().NoError(txn.WriteBlocks(bn, fill(v)))
}

func (suite *JournalSuite) commit(bns []common.Bnum, v byte) {
	txn := suite.begin()
	for _, bn := range bns {
		suite.write(txn, bn, v)
	}
	suite.Require().NoError(txn.Done())
}

func (suite *JournalSuite) cached(bn common.Bnum) byte {
	data, err := suite.vol.Cache().Get(bn)
	suite.Require().NoError(err)
	v := data[0]
	suite.NoError(suite.vol.Cache().Put(bn))
	return v
}

func (suite *JournalSuite) onDisk(bn common.Bnum) byte {
	b, err := suite.mem.Read(bn)
	suite.Require().NoError(err)
	return b[0]
}

func (suite *JournalSuite) status() jrnl.Status {
	return suite.j.Status(suite.ctx)
}

// logBlock is the device block of log position pos. Mkfs puts the log
// right after the superblock, so this works while nothing is mounted.
func (suite *JournalSuite) logBlock(pos uint64) common.Bnum {
	return toBlock(testLog) + pos%uint64(testLogBlocks)
}

func (suite *JournalSuite) setLog(start uint64, end uint64) {
	b0, err := suite.mem.Read(0)
	suite.Require().NoError(err)
	sb, err := super.FromBlock(b0)
	suite.Require().NoError(err)
	sb.LogStart = start
	sb.LogEnd = end
	sb.Flags = common.SUPER_BLOCK_DISK_DIRTY
	sb.Place(b0)
	suite.Require().NoError(suite.mem.Write(0, b0))
}

// craftLog writes entries run arrays of n single-block runs each, starting
// at log position start, and returns the expected contents per block.
func (suite *JournalSuite) craftLog(start uint64, entries int, n int) (map[common.Bnum]byte, uint64) {
	want := make(map[common.Bnum]byte)
	pos := start
	for e := 0; e < entries; e++ {
		a := runarray.New(testBlockSize)
		for i := 0; i < n; i++ {
			suite.Require().NoError(a.Insert(addr.MkBlockRun(1, uint16(e*20+i), 1)))
		}
		suite.Require().NoError(suite.mem.Write(suite.logBlock(pos), a.Encode(testBlockSize)))
		pos++
		for _, r := range a.Runs() {
			v := byte(e*16 + int(r.Start)%16 + 1)
			suite.Require().NoError(suite.mem.Write(suite.logBlock(pos), fill(v)))
			want[toBlock(r)] = v
			pos++
		}
	}
	return want, pos % uint64(testLogBlocks)
}

func (suite *JournalSuite) TestBatchedTransactionFlushed() {
	start := suite.j.LogEnd()
	x := bn(1, 10)

	txn := suite.begin()
	suite.NoError(txn.WriteBlocks(x, bytes.Repeat([]byte{0xab}, int(3*testBlockSize))))
	suite.NoError(txn.Done())

	st := suite.status()
	suite.Equal(1, st.Unwritten)
	suite.Equal(start, st.LogEnd)
	suite.Equal(jrnl.StateIdle, st.State)
	suite.Equal(byte(0), suite.onDisk(x))

	suite.NoError(suite.j.FlushLog(suite.ctx))
	suite.Equal(start+4, suite.j.LogEnd())
	suite.Equal(0, suite.status().Unwritten)

	// one run_array holding three single-block runs, then the blocks
	hdr, err := suite.mem.Read(suite.logBlock(start))
	suite.Require().NoError(err)
	a, err := runarray.Decode(hdr)
	suite.Require().NoError(err)
	suite.Equal(int32(3), a.CountRuns())
	for i, r := range a.Runs() {
		suite.Equal(addr.MkBlockRun(1, uint16(10+i), 1), r)
	}
	for i := uint64(1); i <= 3; i++ {
		suite.Equal(byte(0xab), suite.onDisk(suite.logBlock(start+i)))
	}
	sb := suite.vol.SuperBlock()
	suite.Equal(start+4, sb.LogEnd)
}

func (suite *JournalSuite) TestFlushLogAndBlocksReclaimsLog() {
	x := bn(1, 3)
	suite.commit([]common.Bnum{x}, 7)
	suite.NoError(suite.j.FlushLogAndBlocks(suite.ctx))

	st := suite.status()
	suite.Equal(st.LogStart, st.LogEnd)
	suite.Empty(st.Entries)
	suite.Equal(uint64(0), st.Used)
	suite.Equal(uint64(testLogBlocks)-1, st.Free)
	suite.Equal(byte(7), suite.onDisk(x))

	sb := suite.vol.SuperBlock()
	suite.True(sb.IsClean())
	suite.Equal(sb.LogStart, sb.LogEnd)
}

// the log wraps several times while the cache writes blocks back behind
// the journal's back; the accounting must agree with the entry list
func (suite *JournalSuite) TestLogSpaceAccounting() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			suite.NoError(suite.vol.FlushDevice())
		}
	}()

	for i := 0; i < 60; i++ {
		bns := make([]common.Bnum, 5)
		for k := range bns {
			bns[k] = bn(1+uint32(i%3), uint16((i*5+k)%1000))
		}
		suite.commit(bns, byte(i+1))
		if i%7 == 6 {
			suite.NoError(suite.j.FlushLogAndBlocks(suite.ctx))
		} else {
			suite.NoError(suite.j.FlushLog(suite.ctx))
		}

		st := suite.status()
		suite.LessOrEqual(st.Used, st.LogSize)
		suite.Less(st.Used+st.Free, st.LogSize)
		var sum uint64
		for _, e := range st.Entries {
			sum += e.Length
		}
		suite.Equal(sum, st.Used, "after transaction %d", i)
	}
	close(stop)
	wg.Wait()

	suite.NoError(suite.j.FlushLogAndBlocks(suite.ctx))
	st := suite.status()
	suite.Empty(st.Entries)
	suite.Equal(uint64(0), st.Used)
	suite.Equal(st.LogSize-1, st.Free)
	suite.Equal(byte(60), suite.onDisk(bn(3, 295)))
}

func (suite *JournalSuite) TestEmptyTransaction() {
	txn := suite.begin()
	suite.NoError(txn.Done())
	suite.Equal(1, suite.status().Unwritten)
	suite.NoError(suite.j.FlushLog(suite.ctx))
	suite.Equal(uint64(0), suite.j.LogEnd())
	suite.Equal(0, suite.status().Unwritten)
}

func (suite *JournalSuite) TestReplayCraftedLog() {
	suite.unmount()
	want, end := suite.craftLog(100, 4, 9)
	suite.Equal(uint64(140), end)
	suite.setLog(100, 140)

	suite.mount()
	sb := suite.vol.SuperBlock()
	suite.Equal(uint64(140), sb.LogStart)
	suite.Equal(uint64(140), sb.LogEnd)
	suite.True(sb.IsClean())
	suite.Equal(uint64(140), suite.j.LogStart())
	for bn, v := range want {
		suite.Equal(v, suite.onDisk(bn), "block %d", bn)
	}
}

func (suite *JournalSuite) TestReplayIsIdempotent() {
	suite.unmount()
	want, end := suite.craftLog(100, 4, 9)
	suite.setLog(100, end)
	suite.mount()
	suite.unmount()

	// replay the same log again over the already-applied blocks
	suite.setLog(100, end)
	suite.mount()
	suite.Equal(end, suite.vol.SuperBlock().LogStart)
	for bn, v := range want {
		suite.Equal(v, suite.onDisk(bn), "block %d", bn)
	}
}

func (suite *JournalSuite) TestReplayWrapsAround() {
	suite.unmount()
	want, end := suite.craftLog(uint64(testLogBlocks)-5, 2, 9)
	suite.Equal(uint64(15), end)
	suite.setLog(uint64(testLogBlocks)-5, end)
	suite.mount()
	for bn, v := range want {
		suite.Equal(v, suite.onDisk(bn), "block %d", bn)
	}
}

func (suite *JournalSuite) TestReplayRejectsBadRunArray() {
	suite.unmount()
	_, end := suite.craftLog(100, 1, 4)
	hdr, err := suite.mem.Read(suite.logBlock(100))
	suite.Require().NoError(err)
	binary.LittleEndian.PutUint32(hdr[4:], 64)
	suite.Require().NoError(suite.mem.Write(suite.logBlock(100), hdr))
	suite.setLog(100, end)

	_, err = volume.Mount(disk.NewCrashDisk(suite.mem), testConfig())
	suite.ErrorIs(err, jrnl.ErrBadData)

	b0, err := suite.mem.Read(0)
	suite.Require().NoError(err)
	sb, err := super.FromBlock(b0)
	suite.Require().NoError(err)
	suite.Equal(uint64(100), sb.LogStart)
}

func (suite *JournalSuite) TestReplayRejectsEntryPastLogEnd() {
	suite.unmount()
	want, end := suite.craftLog(100, 1, 9)
	suite.Equal(uint64(110), end)
	suite.setLog(100, 105)

	_, err := volume.Mount(disk.NewCrashDisk(suite.mem), testConfig())
	suite.ErrorIs(err, jrnl.ErrBadData)
	// nothing is applied from an entry that does not fit
	for bn := range want {
		suite.Equal(byte(0), suite.onDisk(bn), "block %d", bn)
	}
}

func (suite *JournalSuite) TestReplayRejectsBadSuperblock() {
	suite.unmount()
	a := runarray.New(testBlockSize)
	suite.Require().NoError(a.Insert(addr.MkBlockRun(0, 0, 1)))
	suite.Require().NoError(suite.mem.Write(suite.logBlock(100), a.Encode(testBlockSize)))
	suite.Require().NoError(suite.mem.Write(suite.logBlock(101), fill(0xee)))
	suite.setLog(100, 102)

	_, err := volume.Mount(disk.NewCrashDisk(suite.mem), testConfig())
	suite.ErrorIs(err, jrnl.ErrBadData)
	b0, err := suite.mem.Read(0)
	suite.Require().NoError(err)
	suite.NoError(super.CheckSuperBlock(b0))
}

func (suite *JournalSuite) TestCrashAtEveryWrite() {
	bns := []common.Bnum{bn(1, 1), bn(1, 2), bn(1, 3)}
	for n := uint64(0); n < 16; n++ {
		suite.TearDownTest()
		suite.SetupTest()
		suite.commit(bns, 1)
		suite.Require().NoError(suite.j.FlushLogAndBlocks(suite.ctx))

		suite.d.CrashAfter(n)
		suite.commit(bns, 2)
		err := suite.j.FlushLog(suite.ctx)
		committed := err == nil && !suite.d.Crashed()
		suite.j.FlushLogAndBlocks(suite.ctx)
		suite.crashAndRemount()

		first := suite.onDisk(bns[0])
		for _, bn := range bns {
			suite.Equal(first, suite.onDisk(bn), "crash after %d writes", n)
		}
		if committed {
			suite.Equal(byte(2), first, "crash after %d writes", n)
		} else {
			suite.Contains([]byte{1, 2}, first, "crash after %d writes", n)
		}
	}
}

func (suite *JournalSuite) TestAbortLeavesBlocksUntouched() {
	x := bn(1, 5)
	suite.commit([]common.Bnum{x}, 1)
	suite.NoError(suite.j.FlushLogAndBlocks(suite.ctx))
	end := suite.j.LogEnd()

	txn := suite.begin()
	suite.write(txn, x, 2)
	r := &recorder{}
	txn.AddListener(r)
	suite.NoError(txn.Abort())
	suite.NoError(txn.Abort())

	suite.Equal([]bool{false}, r.results())
	suite.Equal(1, r.removed)
	suite.Equal(byte(1), suite.cached(x))
	suite.NoError(suite.j.FlushLogAndBlocks(suite.ctx))
	suite.Equal(byte(1), suite.onDisk(x))
	suite.Equal(end, suite.j.LogEnd())
}

func (suite *JournalSuite) TestAbortSubTransactionKeepsBatch() {
	x := bn(1, 5)
	y := bn(1, 6)
	suite.commit([]common.Bnum{x}, 1)
	suite.Equal(1, suite.status().Unwritten)

	txn := suite.begin()
	st := suite.j.Status(txn.Context(suite.ctx))
	suite.Equal(jrnl.StateSubOpen, st.State)
	suite.True(st.HasSubTransaction)
	suite.write(txn, x, 3)
	suite.write(txn, y, 2)
	suite.NoError(txn.Abort())

	suite.Equal(byte(1), suite.cached(x))
	suite.Equal(byte(0), suite.cached(y))
	suite.Equal(1, suite.status().Unwritten)

	suite.NoError(suite.j.FlushLog(suite.ctx))
	suite.crashAndRemount()
	suite.Equal(byte(1), suite.onDisk(x))
	suite.Equal(byte(0), suite.onDisk(y))
}

func (suite *JournalSuite) TestNestedTransactionsShareOne() {
	outer := suite.begin()
	l1 := &recorder{}
	outer.AddListener(l1)
	suite.write(outer, bn(1, 1), 1)

	ctx := outer.Context(suite.ctx)
	got, ok := jrnl.FromContext(ctx)
	suite.True(ok)
	suite.Same(outer, got)

	inner, err := jrnl.Begin(ctx, suite.j)
	suite.Require().NoError(err)
	suite.Equal(outer.ID(), inner.ID())
	l2 := &recorder{}
	inner.AddListener(l2)
	inner.AddListener(l2)
	suite.write(inner, bn(1, 2), 2)
	suite.Equal(2, suite.j.Status(ctx).Depth)

	suite.NoError(inner.Done())
	suite.Empty(l2.results())
	suite.Equal(2, outer.NumListeners())

	suite.NoError(outer.Done())
	suite.Equal([]bool{true}, l1.results())
	suite.Equal([]bool{true}, l2.results())
	suite.Equal(1, l1.removed)
	suite.Equal(1, l2.removed)
	suite.Equal(1, suite.status().Unwritten)
	suite.Equal(0, suite.status().Depth)
}

func (suite *JournalSuite) TestNestedFailureAbortsOuter() {
	x := bn(1, 7)
	y := bn(1, 8)
	outer := suite.begin()
	suite.write(outer, x, 5)
	l := &recorder{}
	outer.AddListener(l)

	inner, err := jrnl.Begin(outer.Context(suite.ctx), suite.j)
	suite.Require().NoError(err)
	suite.write(inner, y, 6)
	suite.NoError(inner.Abort())

	suite.ErrorIs(outer.Done(), jrnl.ErrAborted)
	suite.Equal([]bool{false}, l.results())
	suite.Equal(byte(0), suite.cached(x))
	suite.Equal(byte(0), suite.cached(y))
	suite.Equal(0, suite.status().Unwritten)
	suite.False(suite.vol.Panicked())
}

func (suite *JournalSuite) TestTransactionTooLarge() {
	end := suite.j.LogEnd()
	txn := suite.begin()
	for i := 0; i < 300; i++ {
		suite.write(txn, bn(1, uint16(i)), 4)
	}
	suite.True(txn.IsTooLarge())
	r := &recorder{}
	txn.AddListener(r)
	suite.ErrorIs(txn.Done(), jrnl.ErrBufferOverflow)

	suite.Equal([]bool{false}, r.results())
	suite.False(txn.IsStarted())
	suite.Equal(byte(0), suite.cached(bn(1, 0)))
	suite.Equal(byte(0), suite.cached(bn(1, 299)))
	st := suite.status()
	suite.Equal(0, st.Unwritten)
	suite.Equal(end, st.LogEnd)
	suite.Equal(uint64(1), st.Aborted)
	suite.False(suite.vol.Panicked())

	// the journal is still usable
	suite.commit([]common.Bnum{bn(1, 0)}, 9)
	suite.NoError(suite.j.FlushLog(suite.ctx))
	suite.Equal(end+2, suite.j.LogEnd())
}

func (suite *JournalSuite) TestDetachLargeSubTransaction() {
	var small, large []common.Bnum
	for i := 0; i < 10; i++ {
		small = append(small, bn(1, uint16(i)))
	}
	for i := 0; i < 250; i++ {
		large = append(large, bn(1, uint16(100+i)))
	}
	suite.commit(small, 1)
	suite.Equal(1, suite.status().Unwritten)

	suite.commit(large, 2)
	st := suite.status()
	suite.Equal(1, st.Unwritten)
	// only the batched transaction reached the log: 10 blocks plus a header
	suite.Equal(uint64(11), st.LogEnd)

	suite.NoError(suite.j.FlushLog(suite.ctx))
	// 250 blocks in two run arrays, wrapping around the end of the log
	suite.Equal(uint64(11+252)%uint64(testLogBlocks), suite.j.LogEnd())
	suite.Equal(0, suite.status().Unwritten)

	suite.crashAndRemount()
	for _, bn := range small {
		suite.Equal(byte(1), suite.onDisk(bn), "block %d", bn)
	}
	for _, bn := range large {
		suite.Equal(byte(2), suite.onDisk(bn), "block %d", bn)
	}
}

func (suite *JournalSuite) TestListenerStartsTransaction() {
	x := bn(1, 40)
	y := bn(1, 50)
	r := &recorder{onDone: func(ctx context.Context, success bool) {
		txn, err := jrnl.Begin(ctx, suite.j)
		if !suite.NoError(err) {
			return
		}
		suite.write(txn, y, 9)
		suite.NoError(txn.Done())
	}}

	txn := suite.begin()
	suite.write(txn, x, 8)
	txn.AddListener(r)
	suite.NoError(txn.Done())
	suite.Equal([]bool{true}, r.results())
	suite.Equal(byte(9), suite.cached(y))
	suite.Equal(jrnl.StateIdle, suite.status().State)

	suite.NoError(suite.j.FlushLog(suite.ctx))
	suite.crashAndRemount()
	suite.Equal(byte(8), suite.onDisk(x))
	suite.Equal(byte(9), suite.onDisk(y))
}

func (suite *JournalSuite) TestSeparateTransactionJoinsOpenOne() {
	x := bn(1, 60)
	y := bn(1, 61)
	outer, err := jrnl.BeginSeparate(suite.ctx, suite.j)
	suite.Require().NoError(err)
	suite.write(outer, x, 1)

	inner, err := jrnl.Begin(outer.Context(suite.ctx), suite.j)
	suite.Require().NoError(err)
	suite.Equal(outer.ID(), inner.ID())
	suite.Same(outer, inner.Parent())
	l := &recorder{}
	inner.AddListener(l)
	suite.write(inner, y, 2)
	suite.NoError(inner.Done())
	// nothing is committed until the outer transaction is
	suite.Empty(l.results())
	suite.Equal(1, outer.NumListeners())

	suite.NoError(outer.Done())
	suite.Equal([]bool{true}, l.results())
	suite.Equal(1, l.removed)
	suite.Equal(1, suite.status().Unwritten)
	suite.NoError(suite.j.FlushLogAndBlocks(suite.ctx))
	suite.Equal(byte(1), suite.onDisk(x))
	suite.Equal(byte(2), suite.onDisk(y))
}

func (suite *JournalSuite) TestSeparateNestedRolledBackWithOuter() {
	x := bn(1, 62)
	y := bn(1, 63)
	outer, err := jrnl.BeginSeparate(suite.ctx, suite.j)
	suite.Require().NoError(err)
	suite.write(outer, x, 1)

	inner, err := jrnl.Begin(outer.Context(suite.ctx), suite.j)
	suite.Require().NoError(err)
	l := &recorder{}
	inner.AddListener(l)
	suite.write(inner, y, 2)
	suite.NoError(inner.Done())
	suite.NoError(outer.Abort())

	suite.Equal([]bool{false}, l.results())
	suite.Equal(byte(0), suite.cached(x))
	suite.Equal(byte(0), suite.cached(y))
	suite.Equal(0, suite.status().Unwritten)
	suite.Equal(jrnl.StateIdle, suite.status().State)
}

func (suite *JournalSuite) TestSeparateNestedFailureFailsOuter() {
	outer, err := jrnl.BeginSeparate(suite.ctx, suite.j)
	suite.Require().NoError(err)
	suite.write(outer, bn(1, 64), 1)
	l := &recorder{}
	outer.AddListener(l)

	inner, err := jrnl.Begin(outer.Context(suite.ctx), suite.j)
	suite.Require().NoError(err)
	suite.write(inner, bn(1, 65), 2)
	suite.NoError(inner.Abort())

	suite.ErrorIs(outer.Done(), jrnl.ErrAborted)
	suite.Equal([]bool{false}, l.results())
	suite.Equal(byte(0), suite.cached(bn(1, 64)))
	suite.Equal(0, suite.status().Unwritten)
}

func (suite *JournalSuite) TestFlushInsideTransactionDoesNothing() {
	txn := suite.begin()
	suite.write(txn, bn(1, 9), 3)
	suite.NoError(suite.j.FlushLog(txn.Context(suite.ctx)))
	suite.Equal(uint64(0), suite.j.LogEnd())
	suite.NoError(txn.Done())
}

func (suite *JournalSuite) TestReadOnlyAfterPanic() {
	suite.vol.Panic()
	_, err := jrnl.Begin(suite.ctx, suite.j)
	suite.ErrorIs(err, jrnl.ErrReadOnly)
	suite.True(suite.vol.IsReadOnly())
}

func (suite *JournalSuite) TestConcurrentTransactions() {
	const nthread = 8
	const ntxn = 20
	var wg sync.WaitGroup
	for g := 0; g < nthread; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < ntxn; i++ {
				txn, err := jrnl.Begin(context.Background(), suite.j)
				if !suite.NoError(err) {
					return
				}
				suite.NoError(txn.WriteBlocks(bn(1, uint16(g*ntxn+i)), fill(byte(g+1))))
				suite.NoError(txn.Done())
			}
		}(g)
	}
	wg.Wait()
	suite.unmount()

	suite.mount()
	for g := 0; g < nthread; g++ {
		for i := 0; i < ntxn; i++ {
			suite.Equal(byte(g+1), suite.onDisk(bn(1, uint16(g*ntxn+i))))
		}
	}
}

func (suite *JournalSuite) TestIdleTransactionIsFlushed() {
	suite.TearDownTest()
	cfg := testConfig()
	cfg.Cache.IdleTimeout = 10 * time.Millisecond
	cfg.Cache.IdleCheckInterval = 2 * time.Millisecond
	suite.setup(cfg)

	suite.commit([]common.Bnum{bn(1, 1)}, 1)
	suite.Eventually(func() bool {
		return suite.j.LogEnd() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func (suite *JournalSuite) TestFlushInterval() {
	suite.TearDownTest()
	cfg := testConfig()
	cfg.Journal.FlushInterval = 5 * time.Millisecond
	suite.setup(cfg)

	suite.commit([]common.Bnum{bn(1, 1), bn(1, 2)}, 1)
	suite.Eventually(func() bool {
		return suite.j.LogEnd() == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func (suite *JournalSuite) TestUnmountMarksClean() {
	suite.commit([]common.Bnum{bn(1, 1)}, 1)
	suite.unmount()

	b0, err := suite.mem.Read(0)
	suite.Require().NoError(err)
	sb, err := super.FromBlock(b0)
	suite.Require().NoError(err)
	suite.True(sb.IsClean())
	suite.Equal(sb.LogStart, sb.LogEnd)
	suite.Equal(byte(1), suite.onDisk(bn(1, 1)))
}

func (suite *JournalSuite) TestStatus() {
	suite.commit([]common.Bnum{bn(1, 1)}, 1)
	suite.NoError(suite.j.FlushLog(suite.ctx))
	st := suite.status()
	suite.Equal(uint64(testLogBlocks), st.LogSize)
	suite.Equal(uint64(testLogBlocks)/2-5, st.MaxTransactionSize)

	var buf bytes.Buffer
	jrnl.WriteStatus(st, &buf)
	suite.Contains(buf.String(), "log size")
	suite.Contains(buf.String(), "log entries")
}
