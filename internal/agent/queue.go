package agent

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// Handler 处理一次派发下来的请求编号。返回错误只代表本次尝试失败，
// 重试由调度器在后续 tick 负责，队列不做重投。
type Handler func(ctx context.Context, requestID uint64) error

// Producer 负责向派发队列投递请求编号。
type Producer interface {
	Publish(ctx context.Context, requestID uint64) error
	Close() error
}

// Consumer 负责从派发队列消费请求编号。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// parseRequestID 解析线上的十进制请求编号，格式错误返回 false。
func parseRequestID(raw string) (uint64, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// MemoryQueue 使用 channel 实现进程内派发，是默认驱动。
type MemoryQueue struct {
	ch     chan uint64
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建内存派发队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan uint64, size)}
}

// Publish 将请求编号投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, requestID uint64) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("派发队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- requestID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列。
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
				case requestID, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, requestID)
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
