package jrnl

import (
	"fmt"

	"github.com/mit-pdos/bfs-journal/common"
	"github.com/mit-pdos/bfs-journal/runarray"
	"github.com/mit-pdos/bfs-journal/super"
	"github.com/mit-pdos/bfs-journal/util"
	"github.com/mit-pdos/bfs-journal/wal"
)

// checkRunArray rejects headers this volume could not have written.
func (j *Journal) checkRunArray(a *runarray.RunArray) error {
	want := int32(runarray.MaxRuns(j.blockSize)) - 1
	if a.MaxRuns() != want {
		return fmt.Errorf("%w: run array for %d runs, expected %d", ErrBadData, a.MaxRuns(), want)
	}
	if a.CountRuns() < 1 || a.CountRuns() > a.MaxRuns() {
		return fmt.Errorf("%w: run array with %d runs", ErrBadData, a.CountRuns())
	}
	for _, r := range a.Runs() {
		if err := j.vol.ValidateBlockRun(r); err != nil {
			return fmt.Errorf("%w: %v", ErrBadData, err)
		}
	}
	return nil
}

// replayRunArray applies the log entry part whose run_array is at start
// and returns how many log blocks it covers, plus the superblock it wrote
// if block 0 was among them. The part must end at or before end.
func (j *Journal) replayRunArray(start, end wal.LogPosition) (uint64, *super.SuperBlock, error) {
	hdr, err := j.region.Read(start)
	if err != nil {
		return 0, nil, ioError("read run array", err)
	}
	a, err := runarray.Decode(hdr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	if err := j.checkRunArray(a); err != nil {
		return 0, nil, err
	}
	if n := 1 + a.BlockCount(); n > j.region.Used(start, end) {
		return 0, nil, fmt.Errorf("%w: entry of %d blocks, %d left before log end",
			ErrBadData, n, j.region.Used(start, end))
	}
	first := j.region.Advance(start, 1)

	// Check the blocks before overwriting anything with them.
	var sb *super.SuperBlock
	pos := first
	for _, r := range a.Runs() {
		offset := j.vol.ToOffset(r)
		for i := uint16(0); i < r.Length; i++ {
			b, err := j.region.Read(pos)
			if err != nil {
				return 0, nil, ioError("read logged block", err)
			}
			if offset == 0 {
				logged, err := super.FromBlock(b)
				if err == nil {
					err = logged.Validate()
				}
				if err != nil {
					return 0, nil, fmt.Errorf("%w: log contains invalid superblock: %v", ErrBadData, err)
				}
				sb = &logged
			}
			pos = j.region.Advance(pos, 1)
			offset += j.blockSize
		}
	}

	pos = first
	for _, r := range a.Runs() {
		bn := j.vol.ToBlock(r)
		util.DPrintf(1, "jrnl: replay run %v from log position %d\n", r, pos)
		for i := uint16(0); i < r.Length; i++ {
			b, err := j.region.Read(pos)
			if err != nil {
				return 0, nil, ioError("read logged block", err)
			}
			if err := j.vol.Device().Write(bn+common.Bnum(i), b); err != nil {
				return 0, nil, ioError(fmt.Sprintf("replay block %d", bn+common.Bnum(i)), err)
			}
			pos = j.region.Advance(pos, 1)
		}
	}
	return 1 + a.BlockCount(), sb, nil
}

func (j *Journal) replayLog() error {
	start := j.logStart.Load()
	end := j.logEnd.Load()
	if start == end {
		return nil
	}
	sb := j.vol.SuperBlock()
	util.DPrintf(0, "jrnl: replaying log %d..%d, volume was not cleanly unmounted\n", start, end)
	if sb.IsClean() {
		util.DPrintf(0, "jrnl: log start and end differ but volume is marked clean\n")
	}
	if j.vol.IsReadOnly() {
		return ErrReadOnly
	}

	var covered uint64
	var logged *super.SuperBlock
	lastStart := j.logSize
	for start != end {
		if start == lastStart {
			return fmt.Errorf("%w: at %d", ErrReplayStuck, start)
		}
		lastStart = start
		n, sb, err := j.replayRunArray(start, end)
		if err != nil {
			return fmt.Errorf("replay log entry at %d: %w", start, err)
		}
		if sb != nil {
			logged = sb
		}
		covered += n
		if covered >= j.logSize {
			return fmt.Errorf("%w: log entries run past log end %d", ErrBadData, end)
		}
		start = j.region.Advance(start, n)
	}
	if err := j.vol.Device().Barrier(); err != nil {
		return ioError("replay barrier", err)
	}

	err := j.vol.UpdateSuperBlock(func(sb *super.SuperBlock) {
		if logged != nil {
			// keep what the replayed superblock says, except for the log
			*sb = *logged
		}
		sb.LogStart = end
		sb.LogEnd = end
		sb.Flags = common.SUPER_BLOCK_DISK_CLEAN
	})
	if err != nil {
		return ioError("mark log replayed", err)
	}
	j.logStart.Store(end)
	util.DPrintf(0, "jrnl: replayed %d log blocks\n", covered)
	return nil
}

// ReplayLog rewrites every block still logged between log_start and
// log_end to its home location and then empties the log. It must run
// before any transaction starts. Failures make the volume unusable.
func (j *Journal) ReplayLog() error {
	err := j.replayLog()
	if err != nil {
		j.errs.Handle(err, ContextReplay)
	}
	return err
}
