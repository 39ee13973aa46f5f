package bucket

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRegistry_DirectWritesCount(t *testing.T) {
	r := NewStateRegistry()
	id := NewBucketID(time.Now())

	require.True(t, r.DirectWriteStart(id))
	require.True(t, r.DirectWriteStart(id), "direct writes stack")
	assert.True(t, r.InConflict(id))
	assert.Equal(t, 1, r.Size())

	r.DirectWriteFinish(id)
	assert.True(t, r.InConflict(id))
	r.DirectWriteFinish(id)
	assert.False(t, r.InConflict(id))
	assert.Equal(t, 0, r.Size(), "fully paired transitions leave no residue")
}

func TestStateRegistry_UnpairedFinishPanics(t *testing.T) {
	r := NewStateRegistry()
	id := NewBucketID(time.Now())
	assert.Panics(t, func() { r.DirectWriteFinish(id) })
	assert.Panics(t, func() { r.FinishReopening(id) })
}

func TestStateRegistry_ReopenIsExclusive(t *testing.T) {
	r := NewStateRegistry()
	id := NewBucketID(time.Now())

	require.True(t, r.StartReopening(id))
	assert.False(t, r.StartReopening(id), "one reopener at a time")
	assert.False(t, r.DirectWriteStart(id), "direct writes wait out a reopen")
	assert.True(t, r.InConflict(id))

	r.FinishReopening(id)
	assert.Equal(t, 0, r.Size())
	assert.True(t, r.DirectWriteStart(id))
	r.DirectWriteFinish(id)
}

func TestStateRegistry_DirectWriteBlocksReopen(t *testing.T) {
	r := NewStateRegistry()
	id := NewBucketID(time.Now())

	require.True(t, r.DirectWriteStart(id))
	assert.False(t, r.StartReopening(id))
	r.DirectWriteFinish(id)
	assert.True(t, r.StartReopening(id))
	r.FinishReopening(id)
}

func TestStateRegistry_ConcurrentReopenSingleWinner(t *testing.T) {
	r := NewStateRegistry()
	id := NewBucketID(time.Now())

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.StartReopening(id) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	r.FinishReopening(id)
	assert.Equal(t, 0, r.Size())
}
