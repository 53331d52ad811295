package btreeindex

import "fmt"

// ErrorKind is the closed set of distinguishable failure kinds a Tree
// operation can report. Modeled on iamNilotpal-ignite's pkg/errors error
// codes, narrowed to this engine's taxonomy.
type ErrorKind string

const (
	// KindIO: underlying read/write/seek failed, or a short read/write
	// occurred where a full page was expected. Fatal to the current
	// operation; the Tree remains usable but its next close will not
	// mark the file clean.
	KindIO ErrorKind = "IO_ERROR"

	// KindUnsupportedKeyShape: a caller attempted to construct a Tree
	// with a key variant outside the closed set of shapes.
	KindUnsupportedKeyShape ErrorKind = "UNSUPPORTED_KEY_SHAPE"

	// KindCorrupt: a page traversal visited more keys than the page
	// claims to hold, or PageCache.Clear found a cached page whose
	// minimum disagreed with the directory.
	KindCorrupt ErrorKind = "CORRUPT_BTREE"

	// KindDirtyRecovery: Open found the shutdown byte was not 1. This
	// is reported to callers as Open returning ok=false, not as an
	// error; the kind exists so internal plumbing can still tag it.
	KindDirtyRecovery ErrorKind = "DIRTY_RECOVERY"

	// KindDisposed: an operation was invoked after the Tree was closed.
	KindDisposed ErrorKind = "OBJECT_DISPOSED"
)

// IndexError is this engine's wrapped error type: a kind, a message, an
// optional cause, and structured detail fields, following
// iamNilotpal-ignite/pkg/errors's baseError/IndexError builder pattern.
type IndexError struct {
	kind    ErrorKind
	message string
	cause   error
	details map[string]any
}

func newIndexError(kind ErrorKind, msg string, cause error) *IndexError {
	return &IndexError{kind: kind, message: msg, cause: cause}
}

// WithDetail attaches a contextual key/value pair and returns the
// receiver, for fluent construction at the call site.
func (e *IndexError) WithDetail(key string, value any) *IndexError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("btreeindex: %s: %v", e.message, e.cause)
	}
	return "btreeindex: " + e.message
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *IndexError) Unwrap() error { return e.cause }

// Kind reports which of the closed set of failure kinds this error is.
func (e *IndexError) Kind() ErrorKind { return e.kind }

// Details returns the structured context attached to this error.
func (e *IndexError) Details() map[string]any { return e.details }

// Is allows errors.Is(err, ErrCorrupt) style sentinel-like checks against
// the package-level marker errors below, by comparing kinds.
func (e *IndexError) Is(target error) bool {
	t, ok := target.(*IndexError)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// Sentinel markers usable with errors.Is: errors.Is(err, btreeindex.ErrCorrupt).
var (
	ErrIO                  = &IndexError{kind: KindIO, message: "io error"}
	ErrUnsupportedKeyShape = &IndexError{kind: KindUnsupportedKeyShape, message: "unsupported key shape"}
	ErrCorrupt             = &IndexError{kind: KindCorrupt, message: "BTree contains cycles. Possible memory corruption."}
	ErrDirtyRecovery       = &IndexError{kind: KindDirtyRecovery, message: "dirty recovery"}
	ErrDisposed            = &IndexError{kind: KindDisposed, message: "object disposed"}
)

func newIOError(op string, cause error) *IndexError {
	return newIndexError(KindIO, "io failure during "+op, cause).WithDetail("op", op)
}

func newUnsupportedKeyShapeError(shape KeyShape) *IndexError {
	return newIndexError(KindUnsupportedKeyShape, "key shape is not in the supported closed set", nil).
		WithDetail("shape", shape)
}

// newCorruptError builds the distinguished corruption error described in
// spec §7, used both when a page traversal overruns its claimed count and
// when PageCache.Clear finds a directory/page-minimum mismatch.
func newCorruptError(reason string) *IndexError {
	return newIndexError(KindCorrupt, "BTree contains cycles. Possible memory corruption.", nil).
		WithDetail("reason", reason)
}

func newDisposedError(op string) *IndexError {
	return newIndexError(KindDisposed, "operation invoked on a disposed Tree", nil).WithDetail("op", op)
}
