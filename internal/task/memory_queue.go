package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "AgentChain/internal/errors"
	"AgentChain/pkg/logger"
)

// MemoryQueue 使用 channel 实现进程内派发队列。
type MemoryQueue struct {
	ch     chan string
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	failed []string
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将任务投递到队列。队列已满时阻塞，直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return errQueueClosed()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed()
	case q.ch <- taskID:
		return nil
	}
}

func errQueueClosed() error {
	return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
}

// Consume 启动指定数量的工作协程消费队列中的任务。
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
				case <-q.done:
					// 关闭后处理完缓冲区中剩余的任务再退出。
					for {
						select {
						case taskID := <-q.ch:
							q.handle(ctx, handler, taskID)
						default:
							return
						}
					}
				case taskID := <-q.ch:
					q.handle(ctx, handler, taskID)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) handle(ctx context.Context, handler Handler, taskID string) {
	if err := handler(ctx, taskID); err != nil {
		q.mu.Lock()
		q.failed = append(q.failed, taskID)
		q.mu.Unlock()
		logger.L().Warn("内存队列任务处理失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// Failed 返回处理失败的任务 ID。
func (q *MemoryQueue) Failed() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]string(nil), q.failed...)
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.done)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
