package tp

import (
	"context"
	"fmt"
	"sync/atomic"
)

// DefaultQueueDepth 与固件中 FreeRTOS 队列深度一致
const DefaultQueueDepth = 4

// Queue 是有界的有损队列：满时丢弃最新的元素，生产者永不阻塞
type Queue[T any] struct {
	name    string
	items   chan T
	dropped atomic.Uint64
}

func NewQueue[T any](name string, depth int) *Queue[T] {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue[T]{
		name:  name,
		items: make(chan T, depth),
	}
}

// TryPush 非阻塞入队，队列已满时返回 QueueFullError
func (q *Queue[T]) TryPush(item T) error {
	select {
	case q.items <- item:
		return nil
	default:
		q.dropped.Add(1)
		return QueueFullError{IsoTpError: NewIsoTpError(fmt.Sprintf("%s 队列已满 (深度 %d)，丢弃最新元素", q.name, cap(q.items)))}
	}
}

// Pop 阻塞等待下一个元素
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// C 返回底层通道，供 select 使用
func (q *Queue[T]) C() <-chan T {
	return q.items
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Dropped 返回累计丢弃数量
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *Queue[T]) Name() string {
	return q.name
}
