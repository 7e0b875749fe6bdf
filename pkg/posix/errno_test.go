package posix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/exo-os/kernel/pkg/kerrors"
)

func TestErrnoOfMapsKnownKinds(t *testing.T) {
	cases := []struct {
		err  error
		want unix.Errno
	}{
		{kerrors.New(kerrors.NotFound, "op"), unix.ENOENT},
		{kerrors.New(kerrors.OutOfMemory, "op"), unix.ENOMEM},
		{kerrors.New(kerrors.WouldBlock, "op"), unix.EAGAIN},
		{kerrors.New(kerrors.PermissionDenied, "op"), unix.EACCES},
		{kerrors.New(kerrors.Busy, "op"), unix.EBUSY},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrnoOf(tc.err))
	}
}

func TestErrnoOfNilIsZero(t *testing.T) {
	assert.Equal(t, unix.Errno(0), ErrnoOf(nil))
}

func TestErrnoOfUnknownFallsBackToEIO(t *testing.T) {
	assert.Equal(t, unix.EIO, ErrnoOf(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "not a kernel error" }

func TestNegatedReturnsNegativeErrno(t *testing.T) {
	assert.Equal(t, int64(-int64(unix.ENOENT)), Negated(kerrors.New(kerrors.NotFound, "op")))
	assert.Equal(t, int64(0), Negated(nil))
}
