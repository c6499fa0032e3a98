package events

import (
	"context"
	"sync"

	xerrors "cronos-sentinel/internal/errors"
)

// MemoryQueue 使用 channel 实现进程内队列。
type MemoryQueue struct {
	ch     chan []byte
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan []byte, size)}
}

// Publish 将消息投递到队列，缓冲区已满时立即返回错误而不是等待消费者。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递已取消")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case q.ch <- payload:
		return nil
	default:
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已满",
			xerrors.WithMetadata("capacity", cap(q.ch)))
	}
}

// Len 返回尚未消费的消息数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 启动指定数量的工作协程消费队列中的消息。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, payload)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
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
