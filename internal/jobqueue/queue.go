// Package jobqueue serializes work per key on a bounded worker pool.
//
// Jobs sharing a key run one at a time in enqueue order. Jobs for different
// keys run concurrently, up to the number of workers.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/metrics"
)

// ErrClosed is the error of jobs enqueued after, or still pending at, Close.
var ErrClosed = errors.New("job queue closed")

// DefaultWorkerCount is used when a non-positive worker count is given.
const DefaultWorkerCount = 4

// Work is the unit executed for a job. It runs on a worker goroutine and
// holds the key's slot until it returns.
type Work[T any] func(ctx context.Context) (T, error)

type job[T any] struct {
	ctx    context.Context
	key    string
	work   Work[T]
	result *future.Future[T]
}

type keyQueue[T any] struct {
	pending []*job[T]
	running bool
}

// Queue is a per-key FIFO with at most one running job per key.
type Queue[T any] struct {
	name string

	mu     sync.Mutex
	keys   map[string]*keyQueue[T]
	total  int // pending jobs across keys
	closed bool

	wake chan struct{}
	work chan *job[T]

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a queue and starts its dispatcher and workers.
func New[T any](name string, workers int) *Queue[T] {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}

	q := &Queue[T]{
		name: name,
		keys: make(map[string]*keyQueue[T]),
		wake: make(chan struct{}, 1),
		work: make(chan *job[T]),
		stop: make(chan struct{}),
	}

	q.wg.Add(1)
	go q.dispatch()

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	log.Debug().Str("queue", name).Int("workers", workers).Msg("Job queue started")
	return q
}

// Enqueue appends work to the key's queue. The returned future completes
// with the work's result once it ran.
func (q *Queue[T]) Enqueue(ctx context.Context, key string, work Work[T]) *future.Future[T] {
	result := future.New[T]()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		result.Fail(ErrClosed)
		return result
	}
	kq, ok := q.keys[key]
	if !ok {
		kq = &keyQueue[T]{}
		q.keys[key] = kq
	}
	kq.pending = append(kq.pending, &job[T]{ctx: ctx, key: key, work: work, result: result})
	q.total++
	pending := q.total
	q.mu.Unlock()

	metrics.JobsPending.WithLabelValues(q.name).Set(float64(pending))
	q.signal()
	return result
}

// Pending returns the number of jobs waiting for key, excluding the running one.
func (q *Queue[T]) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if kq, ok := q.keys[key]; ok {
		return len(kq.pending)
	}
	return 0
}

// Running reports whether a job for key is executing.
func (q *Queue[T]) Running(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	kq, ok := q.keys[key]
	return ok && kq.running
}

// Close stops accepting jobs, fails pending ones with ErrClosed and waits
// for running jobs to finish or ctx to expire.
func (q *Queue[T]) Close(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var dropped []*job[T]
	for _, kq := range q.keys {
		dropped = append(dropped, kq.pending...)
		kq.pending = nil
	}
	q.total = 0
	q.mu.Unlock()

	for _, j := range dropped {
		j.result.Fail(ErrClosed)
	}
	metrics.JobsPending.WithLabelValues(q.name).Set(0)

	q.closeOnce.Do(func() {
		close(q.stop)
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Str("queue", q.name).Int("dropped", len(dropped)).Msg("Job queue stopped")
	case <-ctx.Done():
		log.Warn().Str("queue", q.name).Msg("Job queue shutdown timed out, running jobs abandoned")
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
		// Already signalled
	}
}

// dispatch hands the head of every idle key to the workers.
func (q *Queue[T]) dispatch() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}

		ready := q.takeReady()
		for i, j := range ready {
			select {
			case q.work <- j:
			case <-q.stop:
				for _, rest := range ready[i:] {
					rest.result.Fail(ErrClosed)
				}
				return
			}
		}
	}
}

func (q *Queue[T]) takeReady() []*job[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*job[T]
	for _, kq := range q.keys {
		if kq.running || len(kq.pending) == 0 {
			continue
		}
		j := kq.pending[0]
		kq.pending[0] = nil
		kq.pending = kq.pending[1:]
		kq.running = true
		q.total--
		ready = append(ready, j)
	}
	if len(ready) > 0 {
		metrics.JobsPending.WithLabelValues(q.name).Set(float64(q.total))
	}
	return ready
}

func (q *Queue[T]) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		case j := <-q.work:
			q.run(id, j)
		}
	}
}

func (q *Queue[T]) run(worker int, j *job[T]) {
	defer q.release(j.key)

	if err := j.ctx.Err(); err != nil {
		j.result.Fail(errors.Join(future.ErrCancelled, err))
		return
	}

	v, err := q.execute(worker, j)
	if err != nil {
		log.Warn().
			Err(err).
			Str("queue", q.name).
			Str("key", j.key).
			Msg("Job failed")
		j.result.Fail(err)
		return
	}
	j.result.Resolve(v)
}

func (q *Queue[T]) execute(worker int, j *job[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("queue", q.name).
				Str("key", j.key).
				Int("worker", worker).
				Msg("Job panicked")
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.work(j.ctx)
}

func (q *Queue[T]) release(key string) {
	q.mu.Lock()
	if kq, ok := q.keys[key]; ok {
		kq.running = false
		if len(kq.pending) == 0 {
			delete(q.keys, key)
		}
	}
	q.mu.Unlock()
	q.signal()
}
