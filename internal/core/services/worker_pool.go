package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"confsfu/internal/core/ports"
)

var ErrPoolClosed = errors.New("worker pool closed")

type WorkerPoolConfig struct {
	NumWorkers int
	Settings   ports.WorkerSettings
	// FatalGrace is how long the pool waits after a worker death before calling the
	// fatal handler, so in-flight log lines get flushed.
	FatalGrace time.Duration
}

// FatalHandler is invoked once a worker has died and the grace period elapsed.
// The process is expected to terminate.
type FatalHandler func(pid int, err error)

// WorkerPool owns a fixed set of media workers and hands them out round-robin.
// Workers are never restarted; a dead worker is fatal for the process.
type WorkerPool struct {
	workers    []ports.Worker
	fatalGrace time.Duration
	onFatal    FatalHandler
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	next   int
	closed bool
	dead   map[int]error

	done      chan struct{}
	fatalOnce sync.Once
	wg        sync.WaitGroup
}

// NewWorkerPool spawns cfg.NumWorkers workers concurrently. If any spawn fails the workers
// already created are closed and the error is returned.
func NewWorkerPool(ctx context.Context, engine ports.MediaEngine, cfg WorkerPoolConfig, onFatal FatalHandler, logger *zap.SugaredLogger) (*WorkerPool, error) {
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("num workers must be > 0, got %d", cfg.NumWorkers)
	}

	workers := make([]ports.Worker, cfg.NumWorkers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		i := i
		g.Go(func() error {
			w, err := engine.CreateWorker(gctx, cfg.Settings)
			if err != nil {
				return fmt.Errorf("create worker %d: %w", i, err)
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				_ = w.Close()
			}
		}
		return nil, err
	}

	p := &WorkerPool{
		workers:    workers,
		fatalGrace: cfg.FatalGrace,
		onFatal:    onFatal,
		logger:     logger,
		done:       make(chan struct{}),
		dead:       make(map[int]error),
	}
	for _, w := range workers {
		logger.Infow("media worker created", "pid", w.Pid())
		p.wg.Add(1)
		go p.watch(w)
	}
	return p, nil
}

func (p *WorkerPool) watch(w ports.Worker) {
	defer p.wg.Done()

	select {
	case <-p.done:
		return
	case err := <-w.Died():
		p.mu.Lock()
		p.dead[w.Pid()] = err
		p.mu.Unlock()
		p.logger.Errorw("media worker died, exiting", "pid", w.Pid(), "error", err, "grace", p.fatalGrace)
		timer := time.NewTimer(p.fatalGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-p.done:
			return
		}
		p.fatalOnce.Do(func() {
			if p.onFatal != nil {
				p.onFatal(w.Pid(), err)
			}
		})
	}
}

// Acquire returns the next worker in round-robin order.
func (p *WorkerPool) Acquire() (ports.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return w, nil
}

func (p *WorkerPool) Len() int {
	return len(p.workers)
}

// Workers returns a copy of the worker list, for health reporting.
func (p *WorkerPool) Workers() []ports.Worker {
	out := make([]ports.Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Health reports an error once the pool is closed or any of its workers has died.
func (p *WorkerPool) Health() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	for pid, err := range p.dead {
		return fmt.Errorf("worker %d died: %w", pid, err)
	}
	return nil
}

// Close stops watching and closes every worker. It is safe to call more than once.
func (p *WorkerPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	var errs []error
	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close worker %d: %w", w.Pid(), err))
		}
	}
	return errors.Join(errs...)
}
