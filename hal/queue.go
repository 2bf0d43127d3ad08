package hal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrQueueClosed = errors.New("queue closed")

type queueItem struct {
	fn    func() error
	fence *Fence
}

// Queue runs submitted work on a single goroutine in submission order.
type Queue struct {
	name  string
	work  chan queueItem
	mu    sync.RWMutex
	wg    sync.WaitGroup
	close bool
}

// NewQueue starts a queue that buffers up to depth pending items.
func NewQueue(name string, depth int) *Queue {
	if depth <= 0 {
		depth = 64
	}
	q := &Queue{
		name: name,
		work: make(chan queueItem, depth),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for item := range q.work {
		item.fence.Signal(q.exec(item.fn))
	}
}

func (q *Queue) exec(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("queue work panicked", zap.String("queue", q.name), zap.Any("panic", r))
			err = fmt.Errorf("%s: work panicked: %v", q.name, r)
		}
	}()
	return fn()
}

// Submit enqueues fn and returns a fence signaled with its result.
func (q *Queue) Submit(fn func() error) (*Fence, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.close {
		return nil, ErrQueueClosed
	}
	fence := NewFence()
	q.work <- queueItem{fn: fn, fence: fence}
	return fence, nil
}

// Flush waits until everything submitted before the call has completed.
func (q *Queue) Flush(ctx context.Context) error {
	fence, err := q.Submit(func() error { return nil })
	if err != nil {
		return err
	}
	return fence.Wait(ctx)
}

// Close stops accepting work and waits for pending items to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.close {
		q.mu.Unlock()
		return
	}
	q.close = true
	close(q.work)
	q.mu.Unlock()

	q.wg.Wait()
}
