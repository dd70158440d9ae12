// Package uds implements a content-addressable deduplication index: given a
// stream of 160-bit record names, it answers "have I seen this name before,
// and if so where", durably, within a bounded deduplication window.
//
// The index is organised into chapters (fixed-size batches of records) that
// age out as the window slides. Lookups are served by a two-level volume
// index (a packed delta-compressed structure) that routes a name to the
// chapter that last saw it; the newest chapter lives in memory (the "open
// chapter") until it fills and is handed off to a background writer.
package uds

import "errors"

// Kind categorises an error so callers can branch on the failure class
// spec.md §7 describes, without string-matching error messages.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindOverflow
	KindCorruptData
	KindOutOfMemory
	KindIOError
	KindBadState
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindOverflow:
		return "overflow"
	case KindCorruptData:
		return "corrupt data"
	case KindOutOfMemory:
		return "out of memory"
	case KindIOError:
		return "i/o error"
	case KindBadState:
		return "bad state"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// IndexError wraps an underlying cause with a Kind so callers can use
// errors.As to recover the category.
type IndexError struct {
	Kind Kind
	Err  error
}

func (e *IndexError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *IndexError) Unwrap() error { return e.Err }

func wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &IndexError{Kind: k, Err: err}
}

// ErrKind reports the Kind of err, or false if err was not produced by this
// package.
func ErrKind(err error) (Kind, bool) {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

// Sentinel errors returned by index operations.
var (
	// ErrNotFound is returned when a record name has no entry in the index.
	ErrNotFound = errors.New("uds: record not found")

	// ErrOverflow is returned (non-fatally) when a delta list cannot fit a
	// new entry. The entry is dropped; the caller may continue.
	ErrOverflow = errors.New("uds: delta list overflow")

	// ErrCorruptData is returned when a saved stream fails a magic, nonce,
	// or guard-list check on restore.
	ErrCorruptData = errors.New("uds: corrupt data")

	// ErrInvalidChapter is returned when a virtual chapter number falls
	// outside a zone's [low, high] watermark range.
	ErrInvalidChapter = errors.New("uds: chapter out of range")

	// ErrBadCursor is returned when an operation is attempted on an
	// entry cursor that is at the end of its list or indexes past it.
	ErrBadCursor = errors.New("uds: invalid cursor")

	// ErrClosed is returned when an operation is attempted after Close.
	ErrClosed = errors.New("uds: index is closed")

	// ErrBusy is returned when a rebuild is aborted by a suspend request.
	ErrBusy = errors.New("uds: index is busy (suspended)")

	// ErrInvalidRequestType is returned for an unrecognised request type.
	ErrInvalidRequestType = errors.New("uds: invalid request type")

	// ErrNotSavedCleanly is returned by Open(NoRebuild) when the volume's
	// header or saved state cannot be restored and the caller has
	// declined a rebuild.
	ErrNotSavedCleanly = errors.New("uds: volume was not saved cleanly")
)
