package kerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	cause := errors.New("frame 0x4000 busy")
	err := Wrap(OutOfMemory, "frame.AllocFrame", cause)

	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, OutOfMemory, KindOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestKindOfNonKernelError(t *testing.T) {
	assert.Equal(t, IoError, KindOf(errors.New("boom")))
}

func TestWrapf(t *testing.T) {
	err := Wrapf(InvalidSize, "frame.AllocContiguous", "requested %d frames exceeds max order", 1<<13)
	require.True(t, errors.Is(err, ErrInvalidSize))
	assert.Contains(t, err.Error(), "8192")
}
