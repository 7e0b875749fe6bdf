// Package kerrors is the kernel-wide error taxonomy. It follows the
// teacher's errs.go pattern (pkg/system/proc/errs.go in ja7ad/consumption:
// one package-level sentinel per well-known failure) but adds a Kind enum
// because the syscall boundary (spec §6/§7) needs to translate a kernel
// error back into a POSIX errno, and "which sentinel is this" has to be a
// switchable value, not just an identity comparable with errors.Is.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in spec.md §7.
type Kind int

const (
	NotFound Kind = iota
	AlreadyExists
	PermissionDenied
	InvalidAddress
	InvalidSize
	InvalidParameter
	AlignmentError
	OutOfMemory
	WouldBlock
	Timeout
	Interrupted
	Busy
	NotMapped
	AlreadyMapped
	TooManyFiles
	IoError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidAddress:
		return "InvalidAddress"
	case InvalidSize:
		return "InvalidSize"
	case InvalidParameter:
		return "InvalidParameter"
	case AlignmentError:
		return "AlignmentError"
	case OutOfMemory:
		return "OutOfMemory"
	case WouldBlock:
		return "WouldBlock"
	case Timeout:
		return "Timeout"
	case Interrupted:
		return "Interrupted"
	case Busy:
		return "Busy"
	case NotMapped:
		return "NotMapped"
	case AlreadyMapped:
		return "AlreadyMapped"
	case TooManyFiles:
		return "TooManyFiles"
	case IoError:
		return "IoError"
	default:
		return "Unknown"
	}
}

// KernelError is a Kind plus the operation-specific context that produced
// it. It implements Unwrap so errors.Is/errors.As compose with the sentinel
// values below (mirrors the teacher's habit of wrapping with %w).
type KernelError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, kerrors.ErrOutOfMemory) work against a sentinel
// by comparing Kind, not identity.
func (e *KernelError) Is(target error) bool {
	var other *KernelError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New creates a KernelError for op with no wrapped cause.
func New(kind Kind, op string) error {
	return &KernelError{Kind: kind, Op: op}
}

// Wrap creates a KernelError for op, wrapping cause.
func Wrap(kind Kind, op string, cause error) error {
	return &KernelError{Kind: kind, Op: op, Err: cause}
}

// Wrapf is Wrap with a formatted cause, for callers that don't already have
// an error value (e.g. "region %x overlaps existing region").
func Wrapf(kind Kind, op, format string, args ...any) error {
	return &KernelError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to IoError for errors that
// didn't originate in this package (mirrors POSIX's EIO catch-all).
func KindOf(err error) Kind {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return IoError
}

// sentinels below let call sites use errors.Is(err, kerrors.ErrNotFound) style
// comparisons the way the teacher's errs.go exposes ErrNoStat, ErrNoRSS, etc,
// while KernelError.Is makes the Kind comparison (not pointer identity) the
// one that actually matters.
var (
	ErrNotFound         = &KernelError{Kind: NotFound, Op: "sentinel"}
	ErrAlreadyExists    = &KernelError{Kind: AlreadyExists, Op: "sentinel"}
	ErrPermissionDenied = &KernelError{Kind: PermissionDenied, Op: "sentinel"}
	ErrInvalidAddress   = &KernelError{Kind: InvalidAddress, Op: "sentinel"}
	ErrInvalidSize      = &KernelError{Kind: InvalidSize, Op: "sentinel"}
	ErrInvalidParameter = &KernelError{Kind: InvalidParameter, Op: "sentinel"}
	ErrAlignment        = &KernelError{Kind: AlignmentError, Op: "sentinel"}
	ErrOutOfMemory      = &KernelError{Kind: OutOfMemory, Op: "sentinel"}
	ErrWouldBlock       = &KernelError{Kind: WouldBlock, Op: "sentinel"}
	ErrTimeout          = &KernelError{Kind: Timeout, Op: "sentinel"}
	ErrInterrupted      = &KernelError{Kind: Interrupted, Op: "sentinel"}
	ErrBusy             = &KernelError{Kind: Busy, Op: "sentinel"}
	ErrNotMapped        = &KernelError{Kind: NotMapped, Op: "sentinel"}
	ErrAlreadyMapped    = &KernelError{Kind: AlreadyMapped, Op: "sentinel"}
	ErrTooManyFiles     = &KernelError{Kind: TooManyFiles, Op: "sentinel"}
	ErrIoError          = &KernelError{Kind: IoError, Op: "sentinel"}
)
