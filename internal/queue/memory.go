package queue

import (
	"context"
	"sync"
)

// InMemory is a channel-backed queue for dev and testing.
type InMemory struct {
	size int

	mu  sync.Mutex
	chs map[string]chan Job
}

// NewInMemory creates a queue whose named lists are bounded channels.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{size: size, chs: make(map[string]chan Job)}
}

func (q *InMemory) channel(name string) chan Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.chs[name]
	if !ok {
		ch = make(chan Job, q.size)
		q.chs[name] = ch
	}
	return ch
}

// Publish enqueues a job, blocking when the queue is full.
func (q *InMemory) Publish(ctx context.Context, queueName string, job Job) error {
	select {
	case q.channel(queueName) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers of one named queue.
func (q *InMemory) Consume(ctx context.Context, queueName string) (<-chan Job, error) {
	in := q.channel(queueName)
	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			select {
			case job := <-in:
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
