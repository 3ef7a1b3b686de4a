package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldrig/internal/model"
)

func TestNewRingRejectsBadCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		_, err := NewRing[int](c)
		require.Error(t, err, "capacity %d", c)
	}
}

func TestPushBelowCapacity(t *testing.T) {
	r, err := NewRing[int](5)
	require.NoError(t, err)

	_, ok := r.Latest()
	assert.False(t, ok)

	r.Push(1)
	r.Push(2)
	r.Push(3)
	assert.Equal(t, []int{1, 2, 3}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 5, r.Cap())

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, 3, latest)
}

func TestEvictionKeepsNewestInOrder(t *testing.T) {
	r, err := NewRing[model.Sample](100)
	require.NoError(t, err)

	for i := 0; i < 150; i++ {
		r.Push(model.Sample{Value: 25.0 + float64(i), Seq: uint32(i)})
	}

	snap := r.Snapshot()
	require.Len(t, snap, 100)
	assert.Equal(t, 75.0, snap[0].Value)
	assert.Equal(t, 174.0, snap[99].Value)
	for i := 1; i < len(snap); i++ {
		assert.Equal(t, snap[i-1].Value+1, snap[i].Value, "order broken at %d", i)
	}

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, 174.0, latest.Value)
}

func TestSnapshotIsACopy(t *testing.T) {
	r, err := NewRing[int](3)
	require.NoError(t, err)
	r.Push(7)

	snap := r.Snapshot()
	snap[0] = 99
	again := r.Snapshot()
	assert.Equal(t, 7, again[0])
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	r, err := NewRing[model.Sample](64)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			r.Push(model.Sample{Value: float64(i), Seq: uint32(i)})
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				snap := r.Snapshot()
				for i := 1; i < len(snap); i++ {
					if snap[i].Seq != snap[i-1].Seq+1 {
						t.Errorf("torn snapshot: seq %d after %d", snap[i].Seq, snap[i-1].Seq)
						return
					}
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
}
