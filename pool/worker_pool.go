package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrWorkerPoolClosed = errors.New("worker pool is not active")

type WorkerPool struct {
	loop Loop

	workers []*Worker

	// ensure the pool can only be stopped once
	stop sync.Once

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	log *slog.Logger
}

func NewWorkerPool(numWorkers int, loop Loop, log *slog.Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}

	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	return &WorkerPool{
		loop:    loop,
		workers: make([]*Worker, numWorkers),
		log:     log,
	}
}

var _ Pool = (*WorkerPool)(nil)

func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrWorkerPoolClosed
	}

	if p.started {
		return nil
	}

	p.log.Info("starting worker pool", "workers", len(p.workers))

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.started = true

	for i := range p.workers {
		w := NewWorker(i, p.loop, p.log)
		p.workers[i] = w
		p.group.Go(func() error { return w.Start(ctx) })
	}

	return nil
}

func (p *WorkerPool) Stop() {
	p.stop.Do(func() {
		p.log.Info("stopping worker pool")

		p.mu.Lock()
		p.stopped = true
		cancel := p.cancel
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
	})
}

func (p *WorkerPool) Wait() error {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()

	if group == nil {
		return nil
	}

	err := group.Wait()
	p.log.Info("worker pool has been stopped")

	return err
}

// Size is the number of slots.
func (p *WorkerPool) Size() int {
	return len(p.workers)
}
