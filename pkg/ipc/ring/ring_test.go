package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exo-os/kernel/pkg/kerrors"
)

func TestNewRejectsNonPowerOfTwoOrTooSmall(t *testing.T) {
	_, err := New(15)
	require.Error(t, err)
	assert.Equal(t, kerrors.InvalidSize, kerrors.KindOf(err))

	_, err = New(8)
	require.Error(t, err)

	r, err := New(16)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), r.Capacity())
}

func TestSendRecvPreservesOrder(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.TrySend(NewMessage([]byte{byte(i)})))
	}
	for i := 0; i < 10; i++ {
		msg, err := r.TryRecv()
		require.NoError(t, err)
		assert.Equal(t, byte(i), msg.Inline[0], "receiver must never observe message s+1 before s")
	}
}

func TestTrySendReportsFullWithoutDroppingEarlierMessages(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		require.NoError(t, r.TrySend(NewMessage([]byte{byte(i)})))
	}
	err = r.TrySend(NewMessage([]byte{99}))
	require.Error(t, err)
	assert.Equal(t, kerrors.WouldBlock, kerrors.KindOf(err))

	msg, err := r.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, byte(0), msg.Inline[0])
}

func TestTryRecvEmptyReportsWouldBlock(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)
	_, err = r.TryRecv()
	require.Error(t, err)
	assert.Equal(t, kerrors.WouldBlock, kerrors.KindOf(err))
}

func TestSendBatchNeverSplitsAcrossMultipleClaims(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	msgs := make([]Message, 20)
	for i := range msgs {
		msgs[i] = NewMessage([]byte{byte(i)})
	}
	n, err := r.SendBatch(msgs)
	require.NoError(t, err)
	assert.Equal(t, 16, n, "must report how many it actually wrote when it cannot reserve the full batch")

	out := make([]Message, 16)
	got, err := r.RecvBatch(out)
	require.NoError(t, err)
	assert.Equal(t, 16, got)
	for i := 0; i < 16; i++ {
		assert.Equal(t, byte(i), out[i].Inline[0])
	}
}

func TestConcurrentProducersDeliverEveryMessage(t *testing.T) {
	r, err := New(2048)
	require.NoError(t, err)

	const producers = 8
	const perProducer = 200
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for {
					if err := r.TrySend(NewMessage([]byte{byte(p)})); err == nil {
						break
					}
				}
			}
		}(p)
	}
	wg.Wait()

	total := 0
	for {
		if _, err := r.TryRecv(); err != nil {
			break
		}
		total++
	}
	assert.Equal(t, producers*perProducer, total)
}

func TestSelectModeThresholds(t *testing.T) {
	assert.Equal(t, ModeRegister, SelectMode(8))
	assert.Equal(t, ModeInline, SelectMode(56))
	assert.Equal(t, ModePage, SelectMode(4096))
	assert.Equal(t, ModeZeroCopy, SelectMode(4097))
}
