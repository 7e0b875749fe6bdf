package units

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSize_Humanized_Boundaries(t *testing.T) {
	cases := []struct {
		in   Size
		want string
	}{
		{Size(0), "0 B"},
		{Size(1), "1 B"},
		{Size(1023), "1023 B"},
		{Size(1024), "1.00 KB"},
		{Size(1024 * 1024), "1.00 MB"},
		{Size(1024 * 1024 * 1024), "1.00 GB"},
		{Size(1 << 40), "1.00 TB"},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("case_%d_%d", i, uint64(tc.in)), func(t *testing.T) {
			got := tc.in.Humanized()
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPageAlign(t *testing.T) {
	require.Equal(t, uintptr(0), PageAlignDown(100))
	require.Equal(t, uintptr(PageSize), PageAlignUp(1))
	require.Equal(t, uintptr(PageSize), PageAlignDown(PageSize+10-10+PageSize-PageSize))
	require.Equal(t, uintptr(2*PageSize), PageAlignUp(PageSize+1))
}

func TestPageCount(t *testing.T) {
	require.Equal(t, uint64(1), PageCount(1))
	require.Equal(t, uint64(1), PageCount(PageSize))
	require.Equal(t, uint64(2), PageCount(PageSize+1))
}

func TestPowerOfTwoHelpers(t *testing.T) {
	assert.True(t, IsPowerOfTwo(1))
	assert.True(t, IsPowerOfTwo(1024))
	assert.False(t, IsPowerOfTwo(0))
	assert.False(t, IsPowerOfTwo(3))

	assert.Equal(t, uint64(1), NextPowerOfTwo(0))
	assert.Equal(t, uint64(1), NextPowerOfTwo(1))
	assert.Equal(t, uint64(4), NextPowerOfTwo(3))
	assert.Equal(t, uint64(1024), NextPowerOfTwo(1024))
	assert.Equal(t, uint64(2048), NextPowerOfTwo(1025))

	assert.Equal(t, uint(0), Order(1))
	assert.Equal(t, uint(3), Order(8))
	assert.Equal(t, uint(12), Order(4096))
}
