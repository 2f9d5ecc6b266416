package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by futures submitted after Shutdown.
var ErrClosed = errors.New("worker pool is shut down")

// ErrTaskPanicked wraps a panic recovered from a task.
var ErrTaskPanicked = errors.New("task panicked")

type task struct {
	run func()
}

type worker struct {
	id     int
	retire bool
	done   chan struct{}
}

// Pool is a resizable set of workers consuming a shared FIFO queue.
type Pool struct {
	mu      sync.Mutex
	work    *sync.Cond // queue non-empty, shutdown or retirement
	idle    *sync.Cond // queue empty and nothing active
	queue   []task
	workers map[int]*worker
	nextID  int
	active  int
	closed  bool
}

// New starts a pool with n workers. n below 1 is treated as 1.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{workers: make(map[int]*worker)}
	p.work = sync.NewCond(&p.mu)
	p.idle = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < n; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	log.Debug().Int("workers", n).Msg("Worker pool started")
	return p
}

func (p *Pool) spawnLocked() {
	w := &worker{id: p.nextID, done: make(chan struct{})}
	p.nextID++
	p.workers[w.id] = w
	go p.loop(w)
}

func (p *Pool) loop(w *worker) {
	defer close(w.done)

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed && !w.retire {
			p.work.Wait()
		}
		if w.retire || (p.closed && len(p.queue) == 0) {
			p.mu.Unlock()
			return
		}

		t := p.queue[0]
		p.queue[0] = task{}
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		t.run()

		p.mu.Lock()
		p.active--
		if p.active == 0 && len(p.queue) == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

// enqueue appends a task, reporting false when the pool is closed.
func (p *Pool) enqueue(run func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.queue = append(p.queue, task{run: run})
	p.work.Signal()
	return true
}

// Submit queues fn and returns a future for its result. A panic inside fn
// is recovered and delivered to the future as an error wrapping ErrTaskPanicked.
func Submit[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()

	ok := p.enqueue(func() {
		var (
			val T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
				log.Error().Interface("panic", r).Msg("Worker task panicked")
			}
			f.complete(val, err)
		}()
		val, err = fn()
		if err != nil {
			log.Debug().Err(err).Msg("Worker task failed")
		}
	})
	if !ok {
		var zero T
		f.complete(zero, ErrClosed)
	}
	return f
}

// Go queues fn for its side effects and error only.
func (p *Pool) Go(fn func() error) *Future[struct{}] {
	return Submit(p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
}

// Resize grows or shrinks the pool to n workers (minimum 1). Shrinking
// retires the newest workers and returns once each of them has exited;
// a retiring worker finishes the task it is running first.
func (p *Pool) Resize(n int) {
	if n < 1 {
		n = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	current := len(p.workers)
	if n >= current {
		for i := current; i < n; i++ {
			p.spawnLocked()
		}
		p.mu.Unlock()
		log.Debug().Int("from", current).Int("to", n).Msg("Worker pool grown")
		return
	}

	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))

	retiring := make([]*worker, 0, current-n)
	for _, id := range ids[:current-n] {
		w := p.workers[id]
		w.retire = true
		delete(p.workers, id)
		retiring = append(retiring, w)
	}
	p.work.Broadcast()
	p.mu.Unlock()

	for _, w := range retiring {
		<-w.done
	}
	log.Debug().Int("from", current).Int("to", n).Msg("Worker pool shrunk")
}

// Size returns the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// ActiveCount returns the number of tasks currently executing.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// AwaitIdle blocks until the queue is empty and no task is active.
func (p *Pool) AwaitIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 || p.active > 0 {
		p.idle.Wait()
	}
}

// Shutdown stops accepting tasks, drains the queue and joins every worker.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[int]*worker)
	p.work.Broadcast()
	p.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
	log.Debug().Int("workers", len(workers)).Msg("Worker pool shut down")
}
