package txsafe

import (
	"context"
	"errors"
	"sync"
)

// Handler 处理从队列取出的待处理交易 ID。
type Handler func(ctx context.Context, txID string) error

// Producer 负责向队列投递待处理交易。
type Producer interface {
	Publish(ctx context.Context, txID string) error
	Close() error
}

// Consumer 负责从队列中消费待处理交易。
// 管线始终以单消费者运行，保证全局出队顺序与入队顺序一致。
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// MemoryQueue 使用 channel 实现进程内队列，缺省驱动。
type MemoryQueue struct {
	ch     chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将交易 ID 投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, txID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- txID:
		return nil
	}
}

// Consume 以单消费者顺序处理队列中的交易。
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case txID, ok := <-q.ch:
			if !ok {
				return nil
			}
			_ = handler(ctx, txID)
		}
	}
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
