// Package errs defines the error taxonomy shared by every storage-kernel
// component: a small Kind enum plus a single wrapping Error type so callers
// can branch with errors.Is/errors.As against either a Kind or a sentinel.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the taxonomy buckets from the
// component design. It exists so callers can make coarse-grained decisions
// (e.g. "is this worth retrying") without enumerating every sentinel.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindParse
	KindCorrupt
	KindInvalidSize
	KindLifecycle
	KindStorage
	KindBufferManager
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindParse:
		return "parse"
	case KindCorrupt:
		return "corrupt"
	case KindInvalidSize:
		return "invalid_size"
	case KindLifecycle:
		return "lifecycle"
	case KindStorage:
		return "storage"
	case KindBufferManager:
		return "buffer_manager"
	default:
		return "unknown"
	}
}

// Error is the uniform error type returned by every kernel package.
//
// Use errors.As to pull out Kind/PageId/Location context:
//
//	var kErr *errs.Error
//	if errors.As(err, &kErr) {
//	    fmt.Println(kErr.Kind)
//	}
//
// Use errors.Is against the Kind-specific sentinels below for the common
// case.
type Error struct {
	Kind Kind

	// Sentinel is the specific named error this Error represents
	// (ErrPageNotFound, ErrRecordCorrupt, ...). errors.Is compares
	// against this value.
	Sentinel error

	// PageId/SlotId/Location are optional structured context, set by
	// whichever component raised the error; zero value means "not
	// applicable to this error".
	PageId   uint64
	SlotId   uint64
	Location string

	// Err is the underlying cause, if any (I/O error, checksum mismatch
	// detail, etc).
	Err error
}

func (e *Error) Error() string {
	msg := e.Sentinel.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.PageId != 0 {
		msg = fmt.Sprintf("%s (pageId=%d)", msg, e.PageId)
	}
	if e.Location != "" {
		msg = fmt.Sprintf("%s (location=%s)", msg, e.Location)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Sentinel
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Sentinel, target)
}

// Sentinel errors. Components wrap these via New/Wrap rather than
// constructing *Error by hand.
var (
	ErrPageNotFound        = errors.New("page not found")
	ErrPageSlotNotFound    = errors.New("page slot not found")
	ErrRecordNotFound      = errors.New("record not found")
	ErrPageParse           = errors.New("page parse error")
	ErrPageSlotParse       = errors.New("page slot parse error")
	ErrLogRecordParse      = errors.New("log record parse error")
	ErrPageCorrupt         = errors.New("page corrupt")
	ErrRecordCorrupt       = errors.New("record corrupt")
	ErrLogRecordCorrupt    = errors.New("log record corrupt")
	ErrPageSize            = errors.New("invalid page size")
	ErrCollectionNotOpen   = errors.New("collection not open")
	ErrRecordManagerNotRun = errors.New("record manager not started")
	ErrTransactionState    = errors.New("invalid transaction state for operation")
	ErrStorage             = errors.New("storage error")
	ErrBufferManager       = errors.New("buffer manager error")
)

var kindBySentinel = map[error]Kind{
	ErrPageNotFound:        KindNotFound,
	ErrPageSlotNotFound:    KindNotFound,
	ErrRecordNotFound:      KindNotFound,
	ErrPageParse:           KindParse,
	ErrPageSlotParse:       KindParse,
	ErrLogRecordParse:      KindParse,
	ErrPageCorrupt:         KindCorrupt,
	ErrRecordCorrupt:       KindCorrupt,
	ErrLogRecordCorrupt:    KindCorrupt,
	ErrPageSize:            KindInvalidSize,
	ErrCollectionNotOpen:   KindLifecycle,
	ErrRecordManagerNotRun: KindLifecycle,
	ErrTransactionState:    KindLifecycle,
	ErrStorage:             KindStorage,
	ErrBufferManager:       KindBufferManager,
}

// New builds an *Error around one of the package sentinels, optionally
// wrapping an underlying cause.
func New(sentinel error, cause error) *Error {
	return &Error{
		Kind:     kindBySentinel[sentinel],
		Sentinel: sentinel,
		Err:      cause,
	}
}

// WithPage attaches a PageId to an *Error built via New, returning the
// same error for chaining at the call site.
func WithPage(err *Error, pageId uint64) *Error {
	err.PageId = pageId
	return err
}

// WithLocation attaches a textual Location to an *Error built via New.
func WithLocation(err *Error, location string) *Error {
	err.Location = location
	return err
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
