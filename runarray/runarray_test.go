package runarray

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/bfs-journal/addr"
	"github.com/mit-pdos/bfs-journal/common"
)

// shiftMapper places 1<<shift blocks in each allocation group.
type shiftMapper uint32

func (s shiftMapper) ToBlockRun(bn common.Bnum) addr.BlockRun {
	return addr.MkBlockRun(uint32(bn>>s), uint16(bn&(1<<s-1)), 1)
}

func TestMaxRuns(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint32(127), MaxRuns(1024))
	for _, bs := range []uint64{2048, 4096, 8192, 16384} {
		assert.Equal(uint32(127), MaxRuns(bs), "block size %d", bs)
	}

	a := New(1024)
	assert.Equal(int32(126), a.MaxRuns(), "usable capacity is one below the header value")
	b := a.Encode(1024)
	assert.Equal(byte(127), b[4])

	big := New(4096)
	assert.Equal(int32(126), big.MaxRuns())
	b = big.Encode(4096)
	assert.Equal(byte(127), b[4])
	assert.Equal(byte(0), b[5])
}

func TestInsertSorted(t *testing.T) {
	a := New(1024)
	for _, s := range []uint16{5, 1, 9, 3} {
		require.NoError(t, a.Insert(addr.MkBlockRun(0, s, 1)))
	}
	require.NoError(t, a.Insert(addr.MkBlockRun(0, 100, 1)))
	require.NoError(t, a.Insert(addr.MkBlockRun(1, 0, 1)))
	var starts []uint16
	for _, r := range a.Runs() {
		starts = append(starts, r.Start)
	}
	assert.Equal(t, []uint16{1, 3, 5, 9, 100, 0}, starts)
	assert.Equal(t, int32(6), a.CountRuns())
}

func TestArrayFull(t *testing.T) {
	a := New(1024)
	for i := 0; i < 126; i++ {
		require.NoError(t, a.Insert(addr.MkBlockRun(0, uint16(i), 1)))
	}
	assert.ErrorIs(t, a.Insert(addr.MkBlockRun(0, 500, 1)), ErrFull)
}

func TestDecode(t *testing.T) {
	a := New(2048)
	a.Insert(addr.MkBlockRun(3, 7, 1))
	a.Insert(addr.MkBlockRun(0, 12, 1))
	b := a.Encode(2048)

	d, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, a.CountRuns(), d.CountRuns())
	assert.Equal(t, a.MaxRuns(), d.MaxRuns())
	assert.Equal(t, a.Runs(), d.Runs())
	assert.Equal(t, uint64(2), d.BlockCount())

	b[0] = 0xff
	b[1] = 0xff
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrBadHeader)
}

// Property: any set of distinct single-block runs, inserted in any order and
// possibly twice, ends up sorted with each run exactly once.
func TestPacking(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, n := range []int{1, 2, 17, 100, 126} {
		ra := MkRunArrays(4096, shiftMapper(13))
		seen := make(map[common.Bnum]bool)
		var bns []common.Bnum
		for len(bns) < n {
			bn := common.Bnum(rnd.Intn(4 << 13))
			if !seen[bn] {
				seen[bn] = true
				bns = append(bns, bn)
			}
		}
		for _, bn := range bns {
			ra.Insert(bn)
		}
		for _, i := range rnd.Perm(n) {
			ra.Insert(bns[i])
		}

		require.Equal(t, 1, ra.CountArrays(), "n=%d", n)
		a := ra.ArrayAt(0)
		assert.Equal(t, int32(n), a.CountRuns(), "n=%d", n)
		assert.Equal(t, uint64(n), ra.BlockCount())
		assert.Equal(t, uint64(n+1), ra.LogEntryLength())
		for i := 1; i < n; i++ {
			assert.True(t, a.RunAt(i-1).Less(a.RunAt(i)), "n=%d i=%d", n, i)
		}
	}
}

func TestSpillToNextArray(t *testing.T) {
	ra := MkRunArrays(1024, shiftMapper(13))
	for bn := common.Bnum(0); bn < 300; bn++ {
		ra.Insert(bn)
	}
	// a block that landed in the first array must not be added again
	ra.Insert(5)
	assert.Equal(t, 3, ra.CountArrays())
	assert.Equal(t, int32(126), ra.ArrayAt(0).CountRuns())
	assert.Equal(t, int32(126), ra.ArrayAt(1).CountRuns())
	assert.Equal(t, int32(48), ra.ArrayAt(2).CountRuns())
	assert.Equal(t, uint64(303), ra.LogEntryLength())
}

func TestLargeBlocksKeepCap(t *testing.T) {
	ra := MkRunArrays(4096, shiftMapper(13))
	for bn := common.Bnum(0); bn < 127; bn++ {
		ra.Insert(bn)
	}
	assert.Equal(t, 2, ra.CountArrays())
	assert.Equal(t, int32(126), ra.ArrayAt(0).CountRuns())
	assert.Equal(t, int32(1), ra.ArrayAt(1).CountRuns())
	assert.Equal(t, uint64(129), ra.LogEntryLength())
}

func TestContiguousBlocksStaySingle(t *testing.T) {
	ra := MkRunArrays(1024, shiftMapper(13))
	ra.Insert(10)
	ra.Insert(11)
	ra.Insert(12)
	a := ra.ArrayAt(0)
	assert.Equal(t, int32(3), a.CountRuns())
	for i, r := range a.Runs() {
		assert.Equal(t, addr.MkBlockRun(0, uint16(10+i), 1), r)
	}
}
