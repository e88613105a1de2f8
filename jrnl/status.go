package jrnl

import (
	"context"
	"fmt"
	"io"

	"github.com/rodaine/table"

	"github.com/mit-pdos/bfs-journal/bcache"
)

type EntryStatus struct {
	Start         uint64
	Length        uint64
	TransactionID bcache.TransactionID
}

// Status is a snapshot of the journal for debugging.
type Status struct {
	State              State
	Depth              int
	TransactionID      bcache.TransactionID
	HasSubTransaction  bool
	Unwritten          int
	LogSize            uint64
	MaxTransactionSize uint64
	LogStart           uint64
	LogEnd             uint64
	Used               uint64
	Free               uint64
	Entries            []EntryStatus
	Aborted            uint64
	Panics             uint64
}

// Status takes the journal lock, so it waits for other callers' transactions
// to finish. Depth counts the caller's own transactions if ctx carries one.
func (j *Journal) Status(ctx context.Context) Status {
	o := ownerFrom(ctx)
	if o == nil {
		o = mkLockOwner()
	}
	depth := j.lock.lock(o)
	defer j.lock.unlock(o)

	st := Status{
		State:              j.state,
		Depth:              depth - 1,
		TransactionID:      j.transactionID,
		HasSubTransaction:  j.hasSub,
		Unwritten:          j.unwritten,
		LogSize:            j.logSize,
		MaxTransactionSize: j.maxTransactionSize,
		LogStart:           j.logStart.Load(),
		LogEnd:             j.logEnd.Load(),
		Free:               j.FreeLogBlocks(),
		Aborted:            j.errs.Count(TransactionAbort),
		Panics:             j.errs.Count(FilesystemPanic),
	}
	j.entriesMu.Lock()
	st.Used = j.used
	for _, e := range j.entries {
		st.Entries = append(st.Entries, EntryStatus{
			Start:         e.start,
			Length:        e.length,
			TransactionID: e.txnID,
		})
	}
	j.entriesMu.Unlock()
	return st
}

// WriteStatus renders st as two tables: journal state and pending log
// entries.
func WriteStatus(st Status, w io.Writer) {
	tbl := table.New("field", "value").WithWriter(w)
	tbl.AddRow("state", st.State)
	tbl.AddRow("lock depth", st.Depth)
	tbl.AddRow("transaction", st.TransactionID)
	tbl.AddRow("sub-transaction", st.HasSubTransaction)
	tbl.AddRow("unwritten", st.Unwritten)
	tbl.AddRow("log size", st.LogSize)
	tbl.AddRow("max transaction", st.MaxTransactionSize)
	tbl.AddRow("log start", st.LogStart)
	tbl.AddRow("log end", st.LogEnd)
	tbl.AddRow("used", st.Used)
	tbl.AddRow("free", st.Free)
	tbl.AddRow("aborted", st.Aborted)
	tbl.AddRow("panics", st.Panics)
	tbl.Print()

	fmt.Fprintf(w, "\n%d log entries\n", len(st.Entries))
	if len(st.Entries) == 0 {
		return
	}
	entries := table.New("start", "length", "transaction").WithWriter(w)
	for _, e := range st.Entries {
		entries.AddRow(e.Start, e.Length, e.TransactionID)
	}
	entries.Print()
}
