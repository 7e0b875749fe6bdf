// Package posix translates the kernel's internal error taxonomy
// (pkg/kerrors) into the POSIX errno values spec.md §6/§7 says the syscall
// boundary must return (a negative errno, in the Linux ABI convention). It
// borrows golang.org/x/sys/unix.Errno as the concrete type rather than
// hand-rolling int constants, the way gvisor's ptrace subprocess layer
// types its own restart-errno constants as unix.Errno instead of plain int.
package posix

import (
	"golang.org/x/sys/unix"

	"github.com/exo-os/kernel/pkg/kerrors"
)

// ErrnoOf maps a kernel error to the errno a syscall handler should report,
// defaulting to EIO for anything kerrors.KindOf doesn't recognize (the same
// catch-all KindOf itself falls back to for foreign errors).
func ErrnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	return errnoForKind(kerrors.KindOf(err))
}

func errnoForKind(k kerrors.Kind) unix.Errno {
	switch k {
	case kerrors.NotFound:
		return unix.ENOENT
	case kerrors.AlreadyExists:
		return unix.EEXIST
	case kerrors.PermissionDenied:
		return unix.EACCES
	case kerrors.InvalidAddress:
		return unix.EFAULT
	case kerrors.InvalidSize:
		return unix.EINVAL
	case kerrors.InvalidParameter:
		return unix.EINVAL
	case kerrors.AlignmentError:
		return unix.EINVAL
	case kerrors.OutOfMemory:
		return unix.ENOMEM
	case kerrors.WouldBlock:
		return unix.EAGAIN
	case kerrors.Timeout:
		return unix.ETIMEDOUT
	case kerrors.Interrupted:
		return unix.EINTR
	case kerrors.Busy:
		return unix.EBUSY
	case kerrors.NotMapped:
		return unix.ENXIO
	case kerrors.AlreadyMapped:
		return unix.EEXIST
	case kerrors.TooManyFiles:
		return unix.EMFILE
	case kerrors.IoError:
		return unix.EIO
	default:
		return unix.EIO
	}
}

// Negated returns -errno as an int64, the form a syscall handler's return
// register carries on failure (spec.md §6/§7: "negative errno on failure").
func Negated(err error) int64 {
	return -int64(ErrnoOf(err))
}
