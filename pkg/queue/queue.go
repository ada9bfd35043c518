// Package queue runs jobs one at a time in arrival order. Grid generation goes through it so only one
// image task is polled against the remote API at once.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	ErrFull    = errors.New("queue is full")
	ErrStopped = errors.New("queue stopped")
)

type Sequential[T any] struct {
	stop  chan struct{}
	items chan *Item[T]

	mu      sync.Mutex
	started bool
	stopped bool
}

type Item[T any] struct {
	Name     string
	Ctx      context.Context
	Run      Func[T]
	Response chan T
	Error    chan error
}

var _ Queue[struct{}] = (*Sequential[struct{}])(nil)

func New[T any](size int) *Sequential[T] {
	if size <= 0 {
		size = 100
	}
	return &Sequential[T]{
		items: make(chan *Item[T], size),
		stop:  make(chan struct{}),
	}
}

func (q *Sequential[T]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.processLoop()
}

// Stop ends the loop after the running job. Jobs still waiting fail with ErrStopped.
func (q *Sequential[T]) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	close(q.stop)
}

// Add enqueues fn. Exactly one of the returned channels receives a value; the other is closed.
// Cancelling ctx before the job starts skips it with ctx.Err().
func (q *Sequential[T]) Add(ctx context.Context, name string, fn Func[T]) (chan T, chan error, error) {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return nil, nil, ErrStopped
	}

	respCh := make(chan T, 1)
	errCh := make(chan error, 1)

	select {
	case q.items <- &Item[T]{
		Name:     name,
		Ctx:      ctx,
		Run:      fn,
		Response: respCh,
		Error:    errCh,
	}:
		return respCh, errCh, nil
	default:
		return nil, nil, ErrFull
	}
}

func (q *Sequential[T]) processLoop() {
	log.Debug("queue started")
	for {
		select {
		case <-q.stop:
			q.drain()
			log.Debug("queue stopped")
			return
		default:
		}

		select {
		case <-q.stop:
			q.drain()
			log.Debug("queue stopped")
			return
		case item := <-q.items:
			q.processItem(item)
		}
	}
}

func (q *Sequential[T]) drain() {
	for {
		select {
		case item := <-q.items:
			fail(item, ErrStopped)
		default:
			return
		}
	}
}

func (q *Sequential[T]) processItem(item *Item[T]) {
	if err := item.Ctx.Err(); err != nil {
		log.Debug("skipping cancelled job", "job", item.Name)
		fail(item, err)
		return
	}

	log.Debug("processing job", "job", item.Name)
	resp, err := item.Run(item.Ctx)
	if err != nil {
		log.Warn("job failed", "job", item.Name, "error", err)
		fail(item, err)
		return
	}

	item.Response <- resp
	close(item.Error)
}

func fail[T any](item *Item[T], err error) {
	item.Error <- err
	close(item.Response)
}

// Wait blocks until the job behind respCh and errCh finishes.
func Wait[T any](respCh chan T, errCh chan error) (T, error) {
	if err, ok := <-errCh; ok {
		var zero T
		return zero, err
	}
	return <-respCh, nil
}
