// Package memory is an in-process queue for tests and single-binary runs.
package memory

import (
	"context"
	"sync"

	"photo-processor/internal/queue"
)

type Queue struct {
	mu         sync.Mutex
	ch         chan queue.Message
	published  []queue.Message
	seen       map[string]struct{}
	failures   []error
	publishErr error
}

func New(buffer int) *Queue {
	return &Queue{ch: make(chan queue.Message, buffer), seen: make(map[string]struct{})}
}

// FailPublish makes every later Publish return err. Pass nil to recover.
func (q *Queue) FailPublish(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publishErr = err
}

// Publish drops a message whose dedup key was already published.
func (q *Queue) Publish(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	if q.publishErr != nil {
		err := q.publishErr
		q.mu.Unlock()
		return err
	}
	if _, dup := q.seen[msg.DedupKey()]; dup {
		q.mu.Unlock()
		return nil
	}
	q.seen[msg.DedupKey()] = struct{}{}
	q.published = append(q.published, msg)
	q.mu.Unlock()

	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume handles messages one at a time. Handler errors are recorded, not
// redelivered, so every delivery is a final attempt.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.ch:
			if err := h(queue.WithFinalAttempt(ctx), msg); err != nil {
				q.mu.Lock()
				q.failures = append(q.failures, err)
				q.mu.Unlock()
			}
		}
	}
}

func (q *Queue) Published() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Message(nil), q.published...)
}

func (q *Queue) Failures() []error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]error(nil), q.failures...)
}

func (q *Queue) Close() error { return nil }

var (
	_ queue.Publisher = (*Queue)(nil)
	_ queue.Consumer  = (*Queue)(nil)
)
