package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(3)

	var running, maxRunning, count atomic.Int32
	for range 10 {
		pool.WaitToStart(func() {
			current := running.Add(1)
			for {
				prev := maxRunning.Load()
				if current <= prev || maxRunning.CompareAndSwap(prev, current) {
					break
				}
			}
			for range 100 {
				runtime.Gosched()
			}
			count.Add(1)
			running.Add(-1)
		})
	}
	pool.Wait()
	assert.Equal(t, int32(10), count.Load())
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))
}

func TestPool_NoParallelism(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	count := 0
	pool.WaitToStart(func() { count++ })
	assert.Equal(t, 1, count, "tasks run inline")

	pool.SetMaxParallelism(-1)
	var unlimited atomic.Int32
	for range 5 {
		pool.WaitToStart(func() { unlimited.Add(1) })
	}
	pool.Wait()
	assert.Equal(t, int32(5), unlimited.Load())
}
