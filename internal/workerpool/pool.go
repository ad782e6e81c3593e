package workerpool

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is an owner context: one worker pinned to an OS thread draining a
// bounded task queue in submission order.
type Pool struct {
	name      string
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	started   atomic.Bool
	rejected  atomic.Uint64
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewOwner creates a single-worker pool whose worker runs pinned to one OS
// thread. No worker runs until Start or Serve is called, so tasks queue up
// until the owner thread is available.
func NewOwner(name string, queueSize int) *Pool {
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     name,
		queue:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.accepting.Store(true)
	return p
}

// Start runs the owner worker on a new goroutine locked to its OS thread.
// It is a no-op if a worker is already running.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		p.worker(nil)
	}()
	log.Info("owner thread started", "owner", p.name, "queueSize", cap(p.queue))
}

// Serve runs the owner worker on the calling goroutine until the pool is
// drained or ctx is done. The caller is expected to have locked its OS
// thread (typically the main thread, locked in init).
func (p *Pool) Serve(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	log.Info("serving owner context on caller thread", "owner", p.name)
	p.worker(ctx.Done())
}

// Submit enqueues a task. Returns false if the pool is stopped or the queue is full.
// wg.Add is called here (before enqueue) to prevent a race with Drain.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done() // undo the Add since task was not enqueued
		// logs on the 1st, 2nd, 4th, 8th... rejection
		if n := p.rejected.Add(1); n&(n-1) == 0 {
			log.Warn("worker pool queue full, task rejected", "owner", p.name, "rejected", n)
		}
		return false
	}
}

// Rejected returns how many tasks were refused because the queue was full.
func (p *Pool) Rejected() uint64 {
	return p.rejected.Load()
}

// Context is cancelled once the pool has been drained.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. New submissions are refused from this point on.
// After Drain returns, the queue channel is closed so worker goroutines exit.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained", "owner", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "owner", p.name)
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
	p.cancel()
}

// Shutdown stops accepting tasks and drains the pool.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.Drain(ctx)
}

func (p *Pool) worker(done <-chan struct{}) {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-done:
			return
		case <-p.stopChan:
			// Drain remaining queued tasks
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "owner", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
