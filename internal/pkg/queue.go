package pkg

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueFull  = errors.New("queue full")
	ErrQueueEmpty = errors.New("queue empty")
)

// Queue 是一个有界的 FIFO 队列, 生产者永不阻塞。
// 一次 Put 的多个消息块要么全部写入要么全部丢弃, 并且不会与其他生产者交错。
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	size  int
	ready chan struct{}
}

// NewQueue 创建容量为 capacity 的队列, capacity <= 0 时使用 DefaultQueueCapacity
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Put 原子地追加 items, 剩余空间不足时返回 ErrQueueFull 且不写入任何内容
func (q *Queue[T]) Put(items ...T) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	if len(q.buf)-q.size < len(items) {
		q.mu.Unlock()
		return ErrQueueFull
	}
	for _, item := range items {
		q.buf[(q.head+q.size)%len(q.buf)] = item
		q.size++
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

// Get 非阻塞地取出队首, 队列为空时返回 ErrQueueEmpty
func (q *Queue[T]) Get() (T, error) {
	var zero T
	q.mu.Lock()
	if q.size == 0 {
		q.mu.Unlock()
		return zero, ErrQueueEmpty
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	remaining := q.size
	q.mu.Unlock()
	if remaining > 0 {
		q.signal()
	}
	return item, nil
}

// Take 阻塞直到取到一个元素或 ctx 结束
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	for {
		item, err := q.Get()
		if err == nil {
			return item, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Ready 在队列可能非空时可读
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue[T]) Cap() int {
	if q == nil {
		return 0
	}
	return len(q.buf)
}

func (q *Queue[T]) Empty() bool { return q.Len() == 0 }

func (q *Queue[T]) Full() bool {
	if q == nil {
		return true
	}
	return q.Len() == q.Cap()
}

// Free 返回剩余容量
func (q *Queue[T]) Free() int {
	if q == nil {
		return 0
	}
	return q.Cap() - q.Len()
}
