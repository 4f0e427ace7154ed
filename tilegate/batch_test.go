package tilegate

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestCancelTokenLifecycle(t *testing.T) {
	var token CancelToken
	assert.Equal(t, "idle", token.String())
	assert.False(t, token.Running())

	assert.Nil(t, token.Start())
	assert.True(t, token.Running())
	assert.Equal(t, "running", token.String())

	err := token.Start()
	assert.True(t, errors.Is(err, ErrExportRunning))

	assert.True(t, token.Cancel())
	assert.True(t, token.Cancelled())
	assert.True(t, token.Running())
	assert.Equal(t, "cancelling", token.String())

	// a second cancel has nothing to signal
	assert.False(t, token.Cancel())

	token.Finish()
	assert.Equal(t, "done", token.String())
	assert.False(t, token.Running())

	// a finished token can start a fresh run
	assert.Nil(t, token.Start())
	assert.False(t, token.Cancelled())
	token.Finish()
}

func TestCancelTokenCancelWhenIdle(t *testing.T) {
	var token CancelToken
	assert.False(t, token.Cancel())
	assert.False(t, token.Cancelled())
}

func TestBatchRunsAllTasks(t *testing.T) {
	b := NewBatch(discardLogger(), 4, 100, nil)
	var ran atomic.Int64
	for i := 0; i < 100; i++ {
		ok := b.Go("task", func() error {
			ran.Add(1)
			return nil
		})
		assert.True(t, ok)
	}
	complete, failed := b.Wait()
	assert.Equal(t, int64(100), ran.Load())
	assert.Equal(t, uint64(100), complete)
	assert.Equal(t, uint64(0), failed)
}

func TestBatchBoundsConcurrency(t *testing.T) {
	const limit = 3
	b := NewBatch(discardLogger(), limit, 50, nil)
	var active, peak int64
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		b.Go("task", func() error {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		})
	}
	b.Wait()
	assert.LessOrEqual(t, peak, int64(limit))
	assert.Greater(t, peak, int64(0))
}

func TestBatchErrorsDoNotAbort(t *testing.T) {
	b := NewBatch(discardLogger(), 2, 10, nil)
	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		i := i
		b.Go(fmt.Sprintf("task %d", i), func() error {
			ran.Add(1)
			if i%2 == 0 {
				return errors.New("boom")
			}
			return nil
		})
	}
	complete, failed := b.Wait()
	assert.Equal(t, int64(10), ran.Load())
	assert.Equal(t, uint64(10), complete)
	assert.Equal(t, uint64(5), failed)
	assert.Error(t, batchError(failed, complete))
	assert.Nil(t, batchError(0, complete))
}

func TestBatchStopsOnCancel(t *testing.T) {
	var token CancelToken
	if err := token.Start(); err != nil {
		t.Fatalf("starting token: %v", err)
	}
	b := NewBatch(discardLogger(), 2, 1000, &token)

	scheduled := 0
	for i := 0; i < 1000; i++ {
		if i == 100 {
			token.Cancel()
		}
		if !b.Go("task", func() error {
			time.Sleep(time.Millisecond)
			return nil
		}) {
			break
		}
		scheduled++
	}
	complete, _ := b.Wait()
	token.Finish()

	// enumeration stopped promptly, in-flight tasks ran to completion
	assert.Less(t, scheduled, 1000)
	assert.Equal(t, uint64(scheduled), complete)
	assert.Nil(t, token.Start())
}

func TestBatchProgressSnapshot(t *testing.T) {
	b := NewBatch(discardLogger(), 1, 2, nil)
	release := make(chan struct{})
	b.Go("task", func() error {
		<-release
		return nil
	})
	active, complete, failed, total := b.Progress().Snapshot()
	assert.Equal(t, 1, active)
	assert.Equal(t, uint64(0), complete)
	assert.Equal(t, uint64(0), failed)
	assert.Equal(t, uint64(2), total)

	close(release)
	b.Wait()
	active, complete, _, _ = b.Progress().Snapshot()
	assert.Equal(t, 0, active)
	assert.Equal(t, uint64(1), complete)
}
