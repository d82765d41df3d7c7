package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is one unit of work. The context is the owning scan's context;
// it is canceled when the scan is stopped.
type Task func(ctx context.Context)

type job struct {
	scanID string
	fn     Task
}

// Pool is a fixed-size worker pool shared across scans. Workers pull
// from one bounded channel; per-scan contexts let an abort cancel that
// scan's tasks without touching the others.
type Pool struct {
	tasks  chan job
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu       sync.Mutex
	closed   bool
	scans    map[string]*scanHandle
	inflight map[string]int
	idle     map[string]chan struct{} // closed when a scan's in-flight count hits zero
}

type scanHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates and starts a pool. size defaults to 2x CPU count,
// buffer to 4x size.
func NewPool(size, buffer int) *Pool {
	if size <= 0 {
		size = 2 * runtime.NumCPU()
	}
	if buffer <= 0 {
		buffer = 4 * size
	}

	p := &Pool{
		tasks:    make(chan job, buffer),
		logger:   log.WithComponent("worker"),
		scans:    make(map[string]*scanHandle),
		inflight: make(map[string]int),
		idle:     make(map[string]chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	p.logger.Info().Int("workers", size).Int("buffer", buffer).Msg("worker pool started")
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.tasks {
		p.mu.Lock()
		h, ok := p.scans[j.scanID]
		p.mu.Unlock()

		ctx := context.Background()
		if ok {
			ctx = h.ctx
		}
		// Tasks run even when the scan context is already canceled; the
		// owner sees the cancellation and settles its accounting.
		j.fn(ctx)
		p.finish(j.scanID)
	}
}

// RegisterScan installs a cancellation context for a scan. Tasks
// submitted under that scan ID run with the returned context.
func (p *Pool) RegisterScan(parent context.Context, scanID string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.scans[scanID] = &scanHandle{ctx: ctx, cancel: cancel}
	p.mu.Unlock()
	return ctx
}

// CancelScan cancels a scan's context. Queued and running tasks for
// that scan observe the cancellation through their context.
func (p *Pool) CancelScan(scanID string) {
	p.mu.Lock()
	h, ok := p.scans[scanID]
	p.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// ReleaseScan drops a scan's bookkeeping after it reaches a terminal
// state.
func (p *Pool) ReleaseScan(scanID string) {
	p.mu.Lock()
	if h, ok := p.scans[scanID]; ok {
		h.cancel()
		delete(p.scans, scanID)
	}
	delete(p.inflight, scanID)
	if ch, ok := p.idle[scanID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
		delete(p.idle, scanID)
	}
	p.mu.Unlock()
}

// Submit queues a task for execution, blocking while the task buffer is
// full or until the caller's context is done.
func (p *Pool) Submit(ctx context.Context, scanID string, fn Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.inflight[scanID]++
	p.mu.Unlock()

	select {
	case p.tasks <- job{scanID: scanID, fn: fn}:
		return nil
	case <-ctx.Done():
		p.finish(scanID)
		return ctx.Err()
	}
}

func (p *Pool) finish(scanID string) {
	p.mu.Lock()
	p.inflight[scanID]--
	if p.inflight[scanID] <= 0 {
		p.inflight[scanID] = 0
		if ch, ok := p.idle[scanID]; ok {
			close(ch)
			delete(p.idle, scanID)
		}
	}
	p.mu.Unlock()
}

// InFlight returns the number of queued plus running tasks for a scan.
func (p *Pool) InFlight(scanID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[scanID]
}

// Idle returns a channel closed once the scan has no queued or running
// tasks. A scan that is already idle gets an immediately closed channel.
func (p *Pool) Idle(scanID string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[scanID] == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch, ok := p.idle[scanID]
	if !ok {
		ch = make(chan struct{})
		p.idle[scanID] = ch
	}
	return ch
}

// Shutdown stops accepting work, waits for queued tasks to finish and
// stops the workers.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}
