package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"confsfu/internal/core/ports"
	"confsfu/internal/testutils"
)

func newTestPool(t *testing.T, engine *testutils.Engine, n int, grace time.Duration, onFatal FatalHandler) *WorkerPool {
	t.Helper()
	pool, err := NewWorkerPool(context.Background(), engine, WorkerPoolConfig{
		NumWorkers: n,
		Settings:   ports.WorkerSettings{LogLevel: "warn", RtcMinPort: 10000, RtcMaxPort: 10100},
		FatalGrace: grace,
	}, onFatal, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestWorkerPool_AcquireRoundRobin(t *testing.T) {
	engine := testutils.NewEngine()
	pool := newTestPool(t, engine, 3, time.Second, nil)

	assert.Equal(t, 3, pool.Len())

	var pids []int
	for i := 0; i < 7; i++ {
		w, err := pool.Acquire()
		require.NoError(t, err)
		pids = append(pids, w.Pid())
	}

	first := pool.Workers()
	expected := []int{
		first[0].Pid(), first[1].Pid(), first[2].Pid(),
		first[0].Pid(), first[1].Pid(), first[2].Pid(),
		first[0].Pid(),
	}
	assert.Equal(t, expected, pids)
}

func TestWorkerPool_AcquireConcurrentIsFair(t *testing.T) {
	engine := testutils.NewEngine()
	pool := newTestPool(t, engine, 4, time.Second, nil)

	var mu sync.Mutex
	counts := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := pool.Acquire()
			if err != nil {
				return
			}
			mu.Lock()
			counts[w.Pid()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, counts, 4)
	for pid, c := range counts {
		assert.Equal(t, 10, c, "worker %d", pid)
	}
}

func TestWorkerPool_SpawnFailure(t *testing.T) {
	engine := testutils.NewEngine()
	engine.CreateWorkerErr = errors.New("spawn failed")

	_, err := NewWorkerPool(context.Background(), engine, WorkerPoolConfig{NumWorkers: 2}, nil, zaptest.NewLogger(t).Sugar())
	assert.ErrorContains(t, err, "spawn failed")
}

func TestWorkerPool_RejectsZeroWorkers(t *testing.T) {
	_, err := NewWorkerPool(context.Background(), testutils.NewEngine(), WorkerPoolConfig{}, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestWorkerPool_WorkerDeathIsFatalAfterGrace(t *testing.T) {
	engine := testutils.NewEngine()

	type fatal struct {
		pid int
		err error
	}
	fatals := make(chan fatal, 2)
	pool := newTestPool(t, engine, 2, 100*time.Millisecond, func(pid int, err error) {
		fatals <- fatal{pid, err}
	})

	require.NoError(t, pool.Health())

	victim := engine.Workers()[1]
	died := time.Now()
	victim.Kill(errors.New("segfault"))

	select {
	case f := <-fatals:
		assert.Equal(t, victim.Pid(), f.pid)
		assert.EqualError(t, f.err, "segfault")
		assert.GreaterOrEqual(t, time.Since(died), 100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal handler not called")
	}

	assert.ErrorContains(t, pool.Health(), "segfault")
}

func TestWorkerPool_CloseStopsFatalHandling(t *testing.T) {
	engine := testutils.NewEngine()
	called := make(chan struct{}, 1)
	pool := newTestPool(t, engine, 1, 50*time.Millisecond, func(int, error) {
		called <- struct{}{}
	})

	engine.Workers()[0].Kill(errors.New("crash"))
	require.NoError(t, pool.Close())

	select {
	case <-called:
		t.Fatal("fatal handler called after Close")
	case <-time.After(150 * time.Millisecond):
	}

	assert.True(t, engine.Workers()[0].Closed())
	_, err := pool.Acquire()
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, pool.Health(), ErrPoolClosed)
	assert.NoError(t, pool.Close())
}
