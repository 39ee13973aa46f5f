package bucket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBucket(t time.Time) *Bucket {
	return &Bucket{
		id:         NewBucketID(t),
		minTime:    t.Truncate(time.Minute),
		span:       time.Hour,
		fieldTypes: make(map[string]string),
	}
}

func TestWriteBatch_ClaimExactlyOnce(t *testing.T) {
	wb := newWriteBatch(openBucket(time.Now()))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ClaimWriteBatchCommitRights(wb) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
	assert.True(t, wb.Claimed())
}

func TestWriteBatch_FinishUnblocksWaiters(t *testing.T) {
	wb := newWriteBatch(openBucket(time.Now()))
	wb.add(doc.Doc{"t": time.Now(), "v": int64(1)})
	require.True(t, wb.Claim())

	got := make(chan error, 1)
	go func() { got <- wb.Wait(context.Background()) }()

	opTime := storage.OpTime{TS: 42, Term: 3}
	election := uuid.New()
	wb.Finish(opTime, election)

	require.NoError(t, <-got)
	assert.True(t, wb.Committed())
	gotOp, gotElection := wb.OpTime()
	assert.Equal(t, opTime, gotOp)
	assert.Equal(t, election, gotElection)
}

func TestWriteBatch_AbortIsIdempotent(t *testing.T) {
	wb := newWriteBatch(openBucket(time.Now()))
	cause := errors.New("boom")
	wb.Abort(cause)
	wb.Abort(errors.New("second abort must not overwrite"))

	assert.True(t, wb.Aborted())
	assert.Equal(t, cause, wb.Wait(context.Background()))
}

func TestWriteBatch_WaitHonorsContext(t *testing.T) {
	wb := newWriteBatch(openBucket(time.Now()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, wb.Wait(ctx), context.Canceled)
}

func TestWriteBatch_AddAfterClaimPanics(t *testing.T) {
	wb := newWriteBatch(openBucket(time.Now()))
	require.True(t, wb.Claim())
	assert.Panics(t, func() { wb.add(doc.Doc{"v": int64(1)}) })
}

func TestWriteBatch_FinishUnclaimedPanics(t *testing.T) {
	wb := newWriteBatch(openBucket(time.Now()))
	assert.Panics(t, func() { wb.Finish(storage.OpTime{}, uuid.Nil) })
}

func TestWriteBatch_TracksNewFields(t *testing.T) {
	b := openBucket(time.Now())
	b.fieldTypes["t"] = "int64"
	wb := newWriteBatch(b)
	wb.add(doc.Doc{"t": time.Now(), "fresh": int64(1)})

	assert.Equal(t, []string{"fresh"}, wb.NewFields())
}
