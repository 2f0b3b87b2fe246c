package memory

import (
	"context"
	"sync"
)

// LocalStore 是进程内的记忆存储，写入串行、读取并发。
type LocalStore struct {
	mu  sync.RWMutex
	idx *index
}

// NewLocalStore 创建进程内记忆存储。
func NewLocalStore() *LocalStore {
	return &LocalStore{idx: newIndex()}
}

// Put 追加一条记录，ID 重复时返回 MEMORY_RECORD_EXISTS。
func (s *LocalStore) Put(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.add(record)
}

// Query 返回与 embedding 最相似的 k 条存活记录。
func (s *LocalStore) Query(ctx context.Context, embedding []float64, k int, opts ...QueryOption) ([]Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	options := BuildQueryOptions(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.query(embedding, k, options), nil
}

// Get 按 ID 读取记录，包括已被隐藏的记录。
func (s *LocalStore) Get(ctx context.Context, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.get(id)
}

// Len 返回日志中的记录总数（含墓碑）。
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idx.records)
}
