package jrnl

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mit-pdos/bfs-journal/util"
)

// Sentinel errors
var (
	ErrBusy           = errors.New("journal is busy")
	ErrBufferOverflow = errors.New("transaction does not fit in the log")
	ErrLogFull        = errors.New("no space in log")
	ErrIO             = errors.New("journal I/O error")
	ErrBadData        = errors.New("bad log data")
	ErrReplayStuck    = errors.New("log replay made no progress")
	ErrReadOnly       = errors.New("volume is read-only")
	ErrAborted        = errors.New("transaction aborted by a nested operation")
	ErrNotStarted     = errors.New("transaction is not running")
)

type Severity int

const (
	// Recoverable errors leave everything intact; the caller may retry.
	Recoverable Severity = iota
	// TransactionAbort errors roll back the transaction in flight.
	TransactionAbort
	// FilesystemPanic errors mean the on-disk state can no longer be
	// trusted; the volume stops accepting writes.
	FilesystemPanic
)

func (s Severity) String() string {
	switch s {
	case Recoverable:
		return "recoverable"
	case TransactionAbort:
		return "transaction-abort"
	case FilesystemPanic:
		return "filesystem-panic"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ErrorContext says what the journal was doing when an error happened.
type ErrorContext int

const (
	ContextTransaction ErrorContext = iota
	ContextLogWrite
	ContextReplay
	ContextSuperBlockWrite
	ContextFlush
)

func (c ErrorContext) String() string {
	switch c {
	case ContextTransaction:
		return "transaction"
	case ContextLogWrite:
		return "log write"
	case ContextReplay:
		return "replay"
	case ContextSuperBlockWrite:
		return "superblock write"
	case ContextFlush:
		return "flush"
	}
	return fmt.Sprintf("context(%d)", int(c))
}

// ErrorHandler classifies journal failures and escalates the ones that
// make the volume untrustworthy.
type ErrorHandler struct {
	vol    Volume
	counts [3]atomic.Uint64
}

func MkErrorHandler(vol Volume) *ErrorHandler {
	return &ErrorHandler{vol: vol}
}

// ClassifyError maps err, seen while doing ctx, to a severity.
func ClassifyError(err error, ctx ErrorContext) Severity {
	ctx = errorContext(err, ctx)
	switch {
	case err == nil:
		return Recoverable
	case errors.Is(err, ErrBusy):
		return Recoverable
	case errors.Is(err, ErrReplayStuck):
		return FilesystemPanic
	case errors.Is(err, ErrBufferOverflow), errors.Is(err, ErrLogFull),
		errors.Is(err, ErrReadOnly), errors.Is(err, ErrAborted):
		return TransactionAbort
	}
	if errors.Is(err, ErrIO) || errors.Is(err, ErrBadData) {
		switch ctx {
		case ContextReplay, ContextSuperBlockWrite, ContextFlush:
			return FilesystemPanic
		}
		return TransactionAbort
	}
	// unknown errors are only trusted where the disk is not at stake
	switch ctx {
	case ContextReplay, ContextSuperBlockWrite:
		return FilesystemPanic
	}
	return TransactionAbort
}

// contextError pins the context an error must be classified in, whatever
// the context of the caller that finally handles it.
type contextError struct {
	ctx ErrorContext
	err error
}

func (e *contextError) Error() string { return e.err.Error() }
func (e *contextError) Unwrap() error { return e.err }

func errorContext(err error, ctx ErrorContext) ErrorContext {
	var ce *contextError
	if errors.As(err, &ce) {
		return ce.ctx
	}
	return ctx
}

func inContext(ctx ErrorContext, err error) error {
	if err == nil {
		return nil
	}
	return &contextError{ctx: ctx, err: err}
}

// Handle logs err with its severity and panics the volume if needed. An
// error raised while writing the superblock or flushing is classified in
// that context rather than ctx.
func (h *ErrorHandler) Handle(err error, ctx ErrorContext) Severity {
	ctx = errorContext(err, ctx)
	sev := ClassifyError(err, ctx)
	h.counts[sev].Add(1)
	util.DPrintf(0, "journal: %s error during %s: %v\n", sev, ctx, err)
	if sev == FilesystemPanic {
		h.vol.Panic()
	}
	return sev
}

// Count returns how many errors of severity s were handled.
func (h *ErrorHandler) Count(s Severity) uint64 {
	return h.counts[s].Load()
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
