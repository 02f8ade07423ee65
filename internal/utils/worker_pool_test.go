package utils_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benmeehan/adb-agent/internal/utils"
	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunsEveryJob(t *testing.T) {
	pool := utils.NewWorkerPool(3)
	assert.Equal(t, 3, pool.Size())

	var done int32
	for i := 0; i < 20; i++ {
		pool.Submit(func() { atomic.AddInt32(&done, 1) })
	}
	assert.Empty(t, pool.Shutdown())
	assert.EqualValues(t, 20, atomic.LoadInt32(&done))
}

func TestWorkerPool_LimitsConcurrency(t *testing.T) {
	pool := utils.NewWorkerPool(2)

	var running, maxRunning int32
	for i := 0; i < 8; i++ {
		pool.Submit(func() {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxRunning)
				if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	pool.Shutdown()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxRunning), int32(2))
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := utils.NewWorkerPool(0)
	assert.Equal(t, 1, pool.Size())

	var done int32
	pool.Submit(func() { panic("boom") })
	pool.Submit(func() { atomic.AddInt32(&done, 1) })

	panics := pool.Shutdown()
	assert.Len(t, panics, 1)
	assert.Contains(t, panics[0].Error(), "boom")
	assert.EqualValues(t, 1, atomic.LoadInt32(&done))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, utils.SleepContext(context.Background(), time.Millisecond))
	assert.NoError(t, utils.SleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, utils.SleepContext(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, utils.SleepContext(ctx, 0), context.Canceled)
}
