package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateEMAConvergesTowardLastSlice(t *testing.T) {
	th := New(1, 1, "t", 0x1000, 0x2000)
	th.EMA = 10 * time.Millisecond
	for i := 0; i < 50; i++ {
		th.UpdateEMA(time.Millisecond)
	}
	assert.InDelta(t, float64(time.Millisecond), float64(th.EMA), float64(200*time.Microsecond))
}

func TestNextPendingSignalSkipsIgnoredAndReturnsHandler(t *testing.T) {
	th := New(1, 1, "t", 0, 0)
	th.SetAction(3, ActionIgnore, 0, 0)
	th.SetAction(5, ActionHandler, 0xdead, 0)
	th.Raise(3)
	th.Raise(5)

	sig, entry, ok := th.NextPendingSignal()
	require := assert.New(t)
	require.True(ok)
	require.Equal(5, sig)
	require.Equal(uintptr(0xdead), entry.HandlerAddr)

	_, _, ok = th.NextPendingSignal()
	require.False(ok, "ignored signal must have been cleared without becoming deliverable")
}

func TestNextPendingSignalDefaultActionReturnsOk(t *testing.T) {
	th := New(1, 1, "t", 0, 0)
	th.Raise(SigChld)
	sig, entry, ok := th.NextPendingSignal()
	assert.True(t, ok)
	assert.Equal(t, SigChld, sig)
	assert.Equal(t, ActionDefault, entry.Action)
}
