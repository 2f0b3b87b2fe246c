package task

import "context"

// Store 保存已进入终态的任务，供状态查询与列表使用。
// 同一任务只能写入一次，重复写入返回 ErrTaskConflict。
type Store interface {
	Save(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
