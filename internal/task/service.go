package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "AgentChain/internal/errors"
	"AgentChain/pkg/logger"
)

// Submitter 创建待执行的任务。执行引擎实现该接口。
type Submitter interface {
	Submit(ctx context.Context, agentID, input string) (string, error)
	Cancel(ctx context.Context, taskID string) error
}

// Service 负责任务的异步提交与归档查询。
type Service struct {
	submitter Submitter
	producer  Producer
	store     Store
}

// NewService 构造任务服务。
func NewService(submitter Submitter, producer Producer, store Store) *Service {
	return &Service{submitter: submitter, producer: producer, store: store}
}

// Submit 创建任务并推送到派发队列，返回任务 ID。
// 入队失败时任务会被取消，避免遗留永远不会执行的 pending 任务。
func (s *Service) Submit(ctx context.Context, agentID, input string) (string, error) {
	if s.submitter == nil || s.producer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	taskID, err := s.submitter.Submit(ctx, agentID, input)
	if err != nil {
		return "", err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		if cancelErr := s.submitter.Cancel(context.WithoutCancel(ctx), taskID); cancelErr != nil {
			logger.L().Error("入队失败后取消任务出错", slog.Any("error", cancelErr), slog.String("task_id", taskID))
		}
		return "", xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("agent_id", agentID),
	)
	return taskID, nil
}

// Get 返回已归档的任务。
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的归档任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilArchived 轮询归档存储直到任务出现（即进入终态）或 ctx 结束。
func (s *Service) WaitUntilArchived(ctx context.Context, id string, interval time.Duration) (*Record, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := s.Get(ctx, id)
		if err == nil {
			return record, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
